// Package gatewayclient is the client side of the relaygate protocol: it
// dials the gateway, performs the challenge/connect handshake, correlates
// requests with responses, tracks event sequences, and supervises the
// transport with exponential-backoff reconnects.
//
// Example:
//
//	client := gatewayclient.New(
//	    gatewayclient.WebSocketDialer("ws://gateway.example.com/ws"),
//	    gatewayclient.WithClientInfo(domain.ClientInfo{ID: "console-1", Version: "1.0", Platform: "web", Mode: "webchat"}),
//	    gatewayclient.WithRole(domain.RoleViewer),
//	    gatewayclient.WithCredentials(domain.Credentials{Token: "secret"}),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	payload, err := client.Call(ctx, "health", nil)
package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
)

// Default timing constants. Generous enough for network jitter, tight
// enough for interactive use.
const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffFloor     = 500 * time.Millisecond
	defaultBackoffCeiling   = 20 * time.Second
	defaultBackoffGrowth    = 1.6
)

// Client is a gateway connection with automatic reconnection.
type Client struct {
	dialer Dialer
	logger *slog.Logger
	clock  clock.Clock

	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	maxAttempts      int

	clientInfo  domain.ClientInfo
	role        domain.Role
	scopes      []string
	caps        []string
	creds       *domain.Credentials
	minProtocol int
	maxProtocol int

	pending *pendingTable
	streams *streamTracker
	events  *dispatcher
	backoff backoff

	nextID atomic.Uint64

	mu             sync.Mutex
	state          ConnState
	lastErr        error
	transport      Transport
	snapshot       *protocol.Snapshot
	authedCh       chan struct{} // closed when the handshake completes
	attemptCh      chan struct{} // non-nil while a connect attempt is in flight
	intentional    bool
	reconnecting   bool
	stateListeners map[uint64]StateListener
	listenerSeq    uint64
}

// New creates a Client. It does not touch the network until Connect.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:           dialer,
		logger:           slog.Default(),
		clock:            clock.New(),
		requestTimeout:   defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		role:             domain.RoleViewer,
		minProtocol:      protocol.Version,
		maxProtocol:      protocol.Version,
		pending:          newPendingTable(),
		backoff: backoff{
			floor:   defaultBackoffFloor,
			ceiling: defaultBackoffCeiling,
			growth:  defaultBackoffGrowth,
		},
		state:          StateDisconnected,
		authedCh:       make(chan struct{}),
		stateListeners: make(map[uint64]StateListener),
	}
	c.streams = newStreamTracker(c.logger)
	for _, opt := range opts {
		opt(c)
	}
	c.streams.logger = c.logger
	c.events = newDispatcher(c.logger)
	return c
}

// State returns the current connection state and the latest connection
// error (nil when connected).
func (c *Client) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Snapshot returns the session snapshot from the most recent successful
// handshake, or nil before the first one.
func (c *Client) Snapshot() *protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// GapCount returns the number of sequence gaps detected so far.
func (c *Client) GapCount() uint64 { return c.streams.gapCount() }

// LastSeq returns the last observed sequence number for channel.
func (c *Client) LastSeq(channel string) uint64 { return c.streams.last(channel) }

// On registers an event listener; the returned token removes it via Off.
func (c *Client) On(event string, fn EventListener) ListenerToken {
	return c.events.on(event, fn)
}

// Off removes a listener registered with On.
func (c *Client) Off(token ListenerToken) { c.events.off(token) }

// OnStateChange registers a listener for connection state transitions.
// The returned function removes it.
func (c *Client) OnStateChange(fn StateListener) func() {
	c.mu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.stateListeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}
}

// setState must be called without c.mu held.
func (c *Client) setState(state ConnState, err error) {
	c.mu.Lock()
	c.state = state
	c.lastErr = err
	listeners := make([]StateListener, 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state, err)
	}
}

// Connect establishes the connection and completes the handshake. If an
// attempt is already in flight, Connect waits for it instead of starting
// a duplicate transport.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch {
		case c.state == StateConnected:
			c.mu.Unlock()
			return nil
		case c.attemptCh != nil:
			ch := c.attemptCh
			c.mu.Unlock()
			select {
			case <-ch:
				// Attempt finished; loop to observe the outcome.
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case c.reconnecting:
			// The supervisor owns the retry schedule; observe it.
			authed := c.authedCh
			c.mu.Unlock()
			select {
			case <-authed:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case c.state == StateFailed:
			c.mu.Unlock()
			return domain.WrapOp("Client.Connect", domain.ErrConnectFailed)
		default:
			ch := make(chan struct{})
			c.attemptCh = ch
			c.intentional = false
			c.mu.Unlock()

			err := c.connectAttempt(ctx)

			c.mu.Lock()
			c.attemptCh = nil
			c.mu.Unlock()
			close(ch)
			return err
		}
	}
}

// connectAttempt runs one full dial + handshake. On success it installs
// the transport, resets backoff, and starts the read loop.
func (c *Client) connectAttempt(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	t, err := c.dialer(hsCtx)
	if err != nil {
		c.setState(StateDisconnected, err)
		return domain.WrapOp("Client.Connect", err)
	}

	snapshot, err := c.handshake(hsCtx, t)
	if err != nil {
		t.Close("handshake failed")
		c.setState(StateDisconnected, err)
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.snapshot = snapshot
	close(c.authedCh)
	c.mu.Unlock()

	c.backoff.reset()
	c.streams.reset()
	c.setState(StateConnected, nil)
	c.logger.Info("gateway connected", "session_id", snapshot.SessionID, "protocol", snapshot.Protocol)

	go c.readLoop(t)
	return nil
}

// handshake waits for the server challenge, sends the connect request and
// awaits its response, all synchronously on the fresh transport.
func (c *Client) handshake(ctx context.Context, t Transport) (*protocol.Snapshot, error) {
	// The challenge is the first frame the server sends.
	var challenge protocol.ChallengePayload
	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			return nil, domain.WrapOp("Client.handshake", err)
		}
		if f.Type == protocol.FrameTypeEvent && f.Event == protocol.EventChallenge {
			if err := json.Unmarshal(f.Payload, &challenge); err != nil {
				return nil, domain.NewDomainError("Client.handshake", domain.ErrMalformedFrame, "bad challenge payload")
			}
			break
		}
		// Anything else before the challenge is a protocol violation.
		return nil, domain.NewDomainError("Client.handshake", domain.ErrMalformedFrame,
			fmt.Sprintf("expected %s, got %s %q", protocol.EventChallenge, f.Type, f.Event))
	}

	params := protocol.ConnectParams{
		MinProtocol: c.minProtocol,
		MaxProtocol: c.maxProtocol,
		Client:      c.clientInfo,
		Caps:        c.caps,
		Role:        string(c.role),
		Scopes:      c.scopes,
		Auth:        c.creds,
	}
	id := c.correlationID()
	req, err := protocol.Request(id, protocol.MethodConnect, params)
	if err != nil {
		return nil, domain.WrapOp("Client.handshake", err)
	}
	if err := t.WriteFrame(ctx, req); err != nil {
		return nil, domain.WrapOp("Client.handshake", err)
	}

	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			return nil, domain.WrapOp("Client.handshake", err)
		}
		// Unsequenced events may interleave before the connect response.
		if f.Type != protocol.FrameTypeResponse {
			continue
		}
		if f.ID != id {
			continue
		}
		if !f.OK {
			return nil, domain.NewDomainError("Client.handshake", handshakeSentinel(f.Err), f.Err.Message)
		}
		var snapshot protocol.Snapshot
		if err := json.Unmarshal(f.Payload, &snapshot); err != nil {
			return nil, domain.NewDomainError("Client.handshake", domain.ErrMalformedFrame, "bad snapshot payload")
		}
		return &snapshot, nil
	}
}

// handshakeSentinel maps a wire error code back to a domain sentinel so
// callers can errors.Is on handshake failures.
func handshakeSentinel(e *protocol.ErrorInfo) error {
	if e == nil {
		return domain.ErrAuthInvalid
	}
	switch domain.ErrorCode(e.Code) {
	case domain.CodeProtocolMismatch:
		return domain.ErrProtocolMismatch
	case domain.CodeForbidden:
		return domain.ErrForbidden
	default:
		return domain.ErrAuthInvalid
	}
}

// readLoop pumps frames off the transport until it dies, then hands off
// to the reconnection path.
func (c *Client) readLoop(t Transport) {
	for {
		f, err := t.ReadFrame(context.Background())
		if err != nil {
			c.handleTransportLoss(t, err)
			return
		}
		switch f.Type {
		case protocol.FrameTypeResponse:
			c.handleResponse(f)
		case protocol.FrameTypeEvent:
			if c.streams.observe(f.Event, f.Seq) {
				c.events.emit(f.Event, f.Seq, f.Payload)
			}
		default:
			// Servers do not send req frames; drop them.
			c.logger.Warn("unexpected frame from server", "type", string(f.Type))
		}
	}
}

func (c *Client) handleResponse(f protocol.Frame) {
	if !f.OK {
		err := error(f.Err)
		if f.Err == nil {
			err = domain.ErrInvalidPayload
		}
		if !c.pending.reject(f.ID, err) {
			c.logger.Debug("late response discarded", "id", f.ID)
		}
		return
	}
	if !c.pending.resolve(f.ID, f.Payload) {
		c.logger.Debug("late response discarded", "id", f.ID)
	}
}

// handleTransportLoss bulk-rejects pending requests exactly once for this
// transport and, unless the close was intentional, starts the reconnect
// supervisor.
func (c *Client) handleTransportLoss(t Transport, cause error) {
	c.mu.Lock()
	if c.transport != t {
		// A newer transport already took over; this loss was handled.
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.authedCh = make(chan struct{})
	intentional := c.intentional
	alreadyReconnecting := c.reconnecting
	if !intentional {
		c.reconnecting = true
	}
	c.mu.Unlock()

	n := c.pending.failAll(domain.WrapOp("Client", domain.ErrConnectionClosed))
	if n > 0 {
		c.logger.Warn("rejected pending requests on transport loss", "count", n)
	}

	if intentional {
		c.setState(StateDisconnected, nil)
		return
	}
	c.setState(StateDisconnected, cause)
	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the full handshake with exponential backoff until
// it succeeds, the close becomes intentional, or the attempt budget runs out.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		if c.maxAttempts > 0 && c.backoff.attempts() >= c.maxAttempts {
			c.logger.Error("reconnect attempts exhausted", "attempts", c.backoff.attempts())
			c.setState(StateFailed, domain.ErrConnectFailed)
			c.mu.Lock()
			// Wake blocked callers so they observe the terminal state.
			close(c.authedCh)
			c.mu.Unlock()
			return
		}

		delay := c.backoff.next()
		c.setState(StateBackoff, c.currentErr())
		timer := c.clock.Timer(delay)
		<-timer.C

		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			return
		}
		ch := make(chan struct{})
		c.attemptCh = ch
		c.mu.Unlock()

		err := c.connectAttempt(context.Background())

		c.mu.Lock()
		c.attemptCh = nil
		c.mu.Unlock()
		close(ch)

		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", c.backoff.attempts(), "error", err)
	}
}

func (c *Client) currentErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close disconnects intentionally; no reconnect is scheduled afterward.
func (c *Client) Close() error {
	c.mu.Lock()
	c.intentional = true
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		return t.Close("client closing")
	}
	return nil
}

// correlationID returns an id unique for the lifetime of the connection:
// a monotonic counter joined with a timestamp.
func (c *Client) correlationID() string {
	return fmt.Sprintf("%d-%x", c.nextID.Add(1), time.Now().UnixNano())
}

// Call issues a request and blocks until the matching response, the
// per-request timeout, or connection loss. Exactly one of those resolves
// the call. A server response arriving after timeout is discarded.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.awaitConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, domain.WrapOp("Client.Call", domain.ErrConnectionClosed)
	}

	id := c.correlationID()
	req, err := protocol.Request(id, method, params)
	if err != nil {
		return nil, domain.WrapOp("Client.Call", err)
	}

	ch := c.pending.add(id)
	if err := t.WriteFrame(ctx, req); err != nil {
		c.pending.reject(id, err)
		<-ch
		return nil, domain.WrapOp("Client.Call", domain.ErrConnectionClosed)
	}

	timer := c.clock.Timer(c.requestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-timer.C:
		if _, ok := c.pending.take(id); ok {
			return nil, domain.NewDomainError("Client.Call", domain.ErrTimeout, method)
		}
		// Lost the race: the resolver already claimed the entry.
		r := <-ch
		return r.payload, r.err
	case <-ctx.Done():
		if _, ok := c.pending.take(id); ok {
			return nil, ctx.Err()
		}
		r := <-ch
		return r.payload, r.err
	}
}

// awaitConnected blocks callers until the handshake completes, so sends
// issued while connecting observe the in-flight attempt.
func (c *Client) awaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		authed := c.authedCh
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return domain.WrapOp("Client.Call", domain.ErrConnectFailed)
		case StateDisconnected:
			c.mu.Lock()
			retrying := c.reconnecting || c.attemptCh != nil
			c.mu.Unlock()
			if !retrying {
				return domain.WrapOp("Client.Call", domain.ErrConnectionClosed)
			}
		}

		select {
		case <-authed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
