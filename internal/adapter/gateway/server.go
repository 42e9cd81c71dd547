// Package gateway is the server side of the relaygate protocol: it
// accepts WebSocket connections, drives the challenge/connect handshake,
// routes authenticated requests, and fans out sequenced broadcast events
// to subscribed sessions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
)

// ServerConfig holds the gateway's protocol timing and policy knobs.
type ServerConfig struct {
	Addr            string
	HandshakeWindow time.Duration // challenge issued -> connect required
	GraceDelay      time.Duration // failed handshake -> transport close
	RequestTimeout  time.Duration // advertised to clients in the snapshot
	MaxPayloadBytes int64
	SendBuffer      int // per-connection outbound queue depth
	OriginPatterns  []string
}

func (c *ServerConfig) applyDefaults() {
	if c.HandshakeWindow <= 0 {
		c.HandshakeWindow = 10 * time.Second
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{
			"localhost", "localhost:*",
			"127.0.0.1", "127.0.0.1:*",
			"[::1]", "[::1]:*",
		}
	}
}

// clientConn tracks a single WebSocket connection from transport open
// through teardown.
type clientConn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	nonce     string

	mu      sync.Mutex
	session *Session
	hsTimer *time.Timer

	server *Server
}

func (cc *clientConn) authenticated() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.session != nil
}

func (cc *clientConn) getSession() *Session {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.session
}

func (cc *clientConn) setSession(s *Session) {
	cc.mu.Lock()
	cc.session = s
	cc.mu.Unlock()
}

func (cc *clientConn) stopHandshakeTimer() {
	cc.mu.Lock()
	if cc.hsTimer != nil {
		cc.hsTimer.Stop()
		cc.hsTimer = nil
	}
	cc.mu.Unlock()
}

// send queues a frame for the write loop, dropping it when the client is
// too slow to drain its queue.
func (cc *clientConn) send(f protocol.Frame) {
	select {
	case cc.sendCh <- f:
	default:
		cc.server.metrics.FramesDropped.Add(1)
		cc.server.logger.Warn("dropped frame for slow client", "conn_id", cc.id, "type", string(f.Type))
	}
}

func (cc *clientConn) close(reason string) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

// SessionLocker serializes session ownership across gateway nodes: at
// most one node holds the lock for a given client id at a time.
type SessionLocker interface {
	AcquireSessionLock(ctx context.Context, key string) (bool, error)
	ReleaseSessionLock(ctx context.Context, key string) error
}

// Server is the relaygate WebSocket gateway.
type Server struct {
	cfg        ServerConfig
	bus        domain.EventBus
	identities domain.IdentityStore
	registry   *Registry
	router     *Router
	sequencer  *Sequencer
	nonces     *nonceStore
	metrics    *Metrics
	logger     *slog.Logger
	serverCaps []string

	locks          SessionLocker  // optional, cluster mode only
	onSessionClose func(*Session) // optional teardown hook

	lockMu    sync.Mutex
	chanLocks map[domain.Channel]*sync.Mutex

	clients    sync.Map // conn id (uint64) -> *clientConn
	nextID     atomic.Uint64
	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	unsubAll   func()
	httpRoutes []httpRoute
	startTime  time.Time
	sweepStop  chan struct{}
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server. The registry, router and bus are
// injected so their lifetimes are explicit and testable.
func NewServer(cfg ServerConfig, bus domain.EventBus, identities domain.IdentityStore, registry *Registry, router *Router, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:        cfg,
		bus:        bus,
		identities: identities,
		registry:   registry,
		router:     router,
		sequencer:  NewSequencer(),
		nonces:     newNonceStore(),
		metrics:    &Metrics{},
		logger:     logger,
		serverCaps: []string{"chat", "subscriptions", "health"},
		chanLocks:  make(map[domain.Channel]*sync.Mutex),
		startTime:  time.Now(),
		sweepStop:  make(chan struct{}),
	}
}

// SetSessionLocker enables cross-node session ownership: each new
// session takes a lock keyed by its client id, released on teardown.
// Must be called before Start.
func (s *Server) SetSessionLocker(l SessionLocker) { s.locks = l }

// SetSessionCloseHook registers a callback invoked after a session's
// connection tears down, once the registry entry and abort handles are
// gone. Must be called before Start.
func (s *Server) SetSessionCloseHook(fn func(*Session)) { s.onSessionClose = fn }

// Metrics exposes the server's counters to the status and metrics
// endpoints.
func (s *Server) Metrics() *Metrics { return s.metrics }

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until the context
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{Handler: mux}

	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.broadcast(event)
	})

	go s.sweepLoop()

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	select {
	case <-s.sweepStop:
	default:
		close(s.sweepStop)
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close("server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid
// after Start.
func (s *Server) BoundAddr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// channelLock returns the broadcast lock for ch, creating it on first use.
func (s *Server) channelLock(ch domain.Channel) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.chanLocks[ch]
	if !ok {
		l = &sync.Mutex{}
		s.chanLocks[ch] = l
	}
	return l
}

// broadcast stamps the event with the channel's next sequence number and
// delivers it to every subscribed session. Stamping and enqueueing are
// atomic per channel: if a later seq could reach a connection's queue
// first, subscribers would see an inversion and discard the earlier
// frame as stale instead of reporting a gap.
func (s *Server) broadcast(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal broadcast event", "channel", string(event.Channel), "error", err)
		return
	}

	l := s.channelLock(event.Channel)
	l.Lock()
	defer l.Unlock()

	seq := s.sequencer.Next(event.Channel)
	frame := protocol.Frame{
		Type:    protocol.FrameTypeEvent,
		Event:   string(event.Channel),
		Seq:     seq,
		Payload: payload,
	}

	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		sess := cc.getSession()
		if sess == nil || !sess.Subscribed(event.Channel) {
			return true
		}
		cc.send(frame)
		s.metrics.EventsSent.Add(1)
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxPayloadBytes)

	connID := s.nextID.Add(1)
	cc := &clientConn{
		id:     connID,
		ws:     ws,
		sendCh: make(chan protocol.Frame, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		nonce:  domain.NewID(),
		server: s,
	}
	s.clients.Store(connID, cc)
	s.logger.Info("client connected", "conn_id", connID)

	go s.writeLoop(cc)

	// Challenge first: nothing is processed before it goes out.
	s.nonces.Issue(cc.nonce, s.cfg.HandshakeWindow)
	challenge, err := protocol.EventFrame(protocol.EventChallenge, 0, protocol.ChallengePayload{
		Nonce: cc.nonce,
		TS:    time.Now().UnixMilli(),
	})
	if err == nil {
		cc.send(challenge)
	}

	// Close the transport if no connect arrives within the window.
	cc.mu.Lock()
	cc.hsTimer = time.AfterFunc(s.cfg.HandshakeWindow, func() {
		if !cc.authenticated() {
			s.logger.Warn("handshake window expired", "conn_id", connID)
			cc.close("handshake timeout")
		}
	})
	cc.mu.Unlock()

	s.readLoop(r.Context(), cc)
	s.teardown(cc)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame protocol.Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if err := frame.Validate(); err != nil {
			// Corrupt framing is a severe violation; drop the connection.
			s.logger.Warn("malformed frame", "conn_id", cc.id, "error", err)
			cc.close("malformed frame")
			return
		}

		if frame.Type != protocol.FrameTypeRequest {
			// Clients only send requests in this protocol.
			continue
		}
		s.metrics.RequestsTotal.Add(1)

		if frame.Method == protocol.MethodConnect {
			s.handleConnect(ctx, cc, frame)
			continue
		}

		sess := cc.getSession()
		if sess == nil {
			// No privileged processing before authentication.
			cc.send(protocol.ErrorResponse(frame.ID, domain.CodeNotAuthenticated, "connect first"))
			continue
		}

		go s.router.Dispatch(ctx, &Request{
			ID:      frame.ID,
			Method:  frame.Method,
			Params:  frame.Params,
			Session: sess,
		}, cc.send)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
			s.metrics.FramesSent.Add(1)
		}
	}
}

// teardown releases everything the connection owned: its registry entry,
// its subscriptions, and any abortable work it started. Side effects
// already committed stay committed.
func (s *Server) teardown(cc *clientConn) {
	cc.stopHandshakeTimer()
	cc.close("")
	s.clients.Delete(cc.id)

	sess := cc.getSession()
	if sess == nil {
		s.logger.Info("client disconnected before handshake", "conn_id", cc.id)
		return
	}

	s.registry.Remove(sess.ID)
	aborted := sess.abortAll()
	if s.locks != nil {
		if err := s.locks.ReleaseSessionLock(context.Background(), sess.Client.ID); err != nil {
			s.logger.Warn("release session lock", "client", sess.Client.ID, "error", err)
		}
	}
	if s.onSessionClose != nil {
		s.onSessionClose(sess)
	}
	s.logger.Info("session torn down",
		"conn_id", cc.id,
		"session_id", sess.ID,
		"identity", sess.Identity.ID,
		"aborted_runs", aborted,
		"subscriptions", len(sess.Subscriptions()),
	)
}

// sweepLoop clears expired handshake nonces.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.HandshakeWindow)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.nonces.sweep()
		}
	}
}
