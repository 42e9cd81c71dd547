package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"relaygate/internal/domain"
	"relaygate/internal/infra/tracer"
	"relaygate/internal/protocol"
	"relaygate/internal/usecase/quota"
)

// Request is what a handler receives: the authenticated session, the
// method's raw params, and the correlation id of the originating frame.
type Request struct {
	ID      string
	Method  string
	Params  json.RawMessage
	Session *Session
}

// Bind unmarshals the request params into v, returning ErrInvalidPayload
// on malformed input.
func (r *Request) Bind(v any) error {
	if err := json.Unmarshal(r.Params, v); err != nil {
		return domain.NewDomainError("Router.Bind", domain.ErrInvalidPayload, err.Error())
	}
	return nil
}

// Responder delivers exactly one response for a request. The single-use
// contract is enforced structurally: the second call is a no-op.
type Responder struct {
	id     string
	send   func(protocol.Frame)
	once   sync.Once
	used   bool
	logger *slog.Logger
}

// OK resolves the request with a payload.
func (r *Responder) OK(payload any) {
	r.once.Do(func() {
		r.used = true
		f, err := protocol.Response(r.id, payload)
		if err != nil {
			f = protocol.ErrorResponseFrom(r.id, err)
		}
		r.send(f)
	})
}

// Fail resolves the request with a structured error.
func (r *Responder) Fail(err error) {
	r.once.Do(func() {
		r.used = true
		r.send(protocol.ErrorResponseFrom(r.id, err))
	})
}

// HandlerFunc handles one RPC method call. It must call the responder
// exactly once before returning; the router backstops handlers that
// forget and swallows the second call of ones that repeat.
type HandlerFunc func(ctx context.Context, req *Request, res *Responder)

// Router dispatches authenticated requests to named handlers. Handler
// errors and panics are converted to structured error responses at this
// boundary and never crash the connection loop.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	quota    *quota.Manager // nil disables rate limiting
	logger   *slog.Logger
}

// NewRouter creates a router. quota may be nil.
func NewRouter(q *quota.Manager, logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		quota:    q,
		logger:   logger,
	}
}

// Register adds a handler for the given method name. Safe to call
// concurrently with active connections.
func (r *Router) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// Dispatch routes one request. send is the per-connection outbound path;
// it is invoked at most once.
func (r *Router) Dispatch(ctx context.Context, req *Request, send func(protocol.Frame)) {
	ctx, span := tracer.StartSpan(ctx, "rpc."+req.Method)
	span.SetAttributes(
		tracer.StringAttr("rpc.method", req.Method),
		tracer.StringAttr("session.id", req.Session.ID),
	)
	defer span.End()

	res := &Responder{id: req.ID, send: send, logger: r.logger}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		res.Fail(domain.NewDomainError("Router.Dispatch", domain.ErrMethodNotFound, req.Method))
		return
	}

	// The reserved health method stays reachable under quota pressure.
	if r.quota != nil && req.Method != protocol.MethodHealth {
		if !r.quota.Allow(req.Session.Identity.ID) {
			res.Fail(domain.NewDomainError("Router.Dispatch", domain.ErrRateLimit, req.Method))
			return
		}
	}

	req.Session.Touch()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "method", req.Method, "panic", p)
			res.Fail(fmt.Errorf("internal handler failure"))
			return
		}
		if !res.used {
			// Every accepted req produces exactly one res.
			r.logger.Error("handler returned without responding", "method", req.Method)
			res.Fail(fmt.Errorf("handler produced no response"))
		}
	}()

	handler(ctx, req, res)
}
