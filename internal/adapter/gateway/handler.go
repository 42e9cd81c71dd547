package gateway

import (
	"context"
	"log/slog"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
	"relaygate/internal/usecase/runs"
)

// Handlers wires the built-in RPC methods to their backing services.
type Handlers struct {
	Registry   *Registry
	Runs       *runs.Manager
	Identities domain.IdentityStore
	Logger     *slog.Logger

	started time.Time
}

// RegisterAll attaches every built-in method to the router.
func (h *Handlers) RegisterAll(router *Router) {
	h.started = time.Now()
	h.Runs.SetOnFinish(func(run *runs.Run) {
		// Drop the teardown abort handle once the run's goroutine exits,
		// so long-lived sessions do not accumulate handles for finished
		// runs.
		if sess, ok := h.Registry.Get(run.SessionID); ok {
			sess.ReleaseAbort(run.ID)
		}
	})
	router.Register(protocol.MethodHealth, h.Health)
	router.Register("session.info", h.SessionInfo)
	router.Register("sub.add", h.SubAdd)
	router.Register("sub.remove", h.SubRemove)
	router.Register("chat.run", h.ChatRun)
	router.Register("chat.abort", h.ChatAbort)
}

// HealthPayload is the response body of the reserved health method.
type HealthPayload struct {
	OK            bool  `json:"ok"`
	Protocol      int   `json:"protocol"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
	Sessions      int   `json:"sessions"`
}

// Health reports liveness. Reserved: always registered, exempt from
// quota, usable as a keepalive probe.
func (h *Handlers) Health(_ context.Context, _ *Request, res *Responder) {
	res.OK(HealthPayload{
		OK:            true,
		Protocol:      protocol.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Sessions:      h.Registry.Len(),
	})
}

// SessionInfoPayload describes the caller's own session.
type SessionInfoPayload struct {
	SessionID     string            `json:"sessionId"`
	Identity      string            `json:"identity"`
	Role          string            `json:"role"`
	Client        domain.ClientInfo `json:"client"`
	Protocol      int               `json:"protocol"`
	Subscriptions []string          `json:"subscriptions"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastSeenAt    time.Time         `json:"lastSeenAt"`
}

// SessionInfo returns the caller's session state.
func (h *Handlers) SessionInfo(_ context.Context, req *Request, res *Responder) {
	sess := req.Session
	subs := sess.Subscriptions()
	names := make([]string, len(subs))
	for i, ch := range subs {
		names[i] = string(ch)
	}
	res.OK(SessionInfoPayload{
		SessionID:     sess.ID,
		Identity:      sess.Identity.ID,
		Role:          string(sess.Identity.Role),
		Client:        sess.Client,
		Protocol:      sess.Protocol,
		Subscriptions: names,
		CreatedAt:     sess.CreatedAt,
		LastSeenAt:    sess.LastSeenAt(),
	})
}

type subParams struct {
	Channels []string `json:"channels"`
}

type subResult struct {
	Subscriptions []string `json:"subscriptions"`
}

// SubAdd subscribes the session to broadcast channels. Subscribing to a
// channel twice is a no-op.
func (h *Handlers) SubAdd(_ context.Context, req *Request, res *Responder) {
	var params subParams
	if err := req.Bind(&params); err != nil {
		res.Fail(err)
		return
	}
	for _, name := range params.Channels {
		ch, ok := domain.ParseChannel(name)
		if !ok {
			res.Fail(domain.NewDomainError("Handlers.SubAdd", domain.ErrInvalidPayload, "unknown channel "+name))
			return
		}
		req.Session.Subscribe(ch)
	}
	res.OK(subResult{Subscriptions: channelNames(req.Session.Subscriptions())})
}

// SubRemove unsubscribes the session from broadcast channels. Removing a
// channel the session never subscribed to is a no-op.
func (h *Handlers) SubRemove(_ context.Context, req *Request, res *Responder) {
	var params subParams
	if err := req.Bind(&params); err != nil {
		res.Fail(err)
		return
	}
	for _, name := range params.Channels {
		ch, ok := domain.ParseChannel(name)
		if !ok {
			res.Fail(domain.NewDomainError("Handlers.SubRemove", domain.ErrInvalidPayload, "unknown channel "+name))
			return
		}
		req.Session.Unsubscribe(ch)
	}
	res.OK(subResult{Subscriptions: channelNames(req.Session.Subscriptions())})
}

func channelNames(channels []domain.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return names
}

type chatRunParams struct {
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type chatRunResult struct {
	RunID     string `json:"runId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ChatRun starts a chat run for the session. Progress streams on the
// chat channel; repeating the request with the same idempotency key
// returns the original run without starting a second one. Each fresh
// run charges one unit of the identity's durable chat quota; duplicates
// are free.
func (h *Handlers) ChatRun(ctx context.Context, req *Request, res *Responder) {
	var params chatRunParams
	if err := req.Bind(&params); err != nil {
		res.Fail(err)
		return
	}
	if params.Prompt == "" {
		res.Fail(domain.NewDomainError("Handlers.ChatRun", domain.ErrInvalidPayload, "prompt is required"))
		return
	}

	if existing, ok := h.Runs.Lookup(req.Session.ID, params.IdempotencyKey); ok {
		res.OK(chatRunResult{RunID: existing.ID, Duplicate: true})
		return
	}

	allowed, err := h.Identities.CheckQuota(ctx, req.Session.Identity.ID, "chat", 1)
	if err != nil {
		res.Fail(err)
		return
	}
	if !allowed {
		res.Fail(domain.NewDomainError("Handlers.ChatRun", domain.ErrQuotaExceeded, "chat quota exhausted"))
		return
	}

	run, duplicate := h.Runs.Start(req.Session.ID, params.IdempotencyKey, params.Prompt)
	if !duplicate {
		runID := run.ID
		req.Session.RegisterAbort(runID, func() { h.Runs.Abort(runID) })
		if h.Runs.Get(runID) == nil {
			// The run finished before the handle landed; the finish hook
			// fired too early to see it.
			req.Session.ReleaseAbort(runID)
		}
	}
	res.OK(chatRunResult{RunID: run.ID, Duplicate: duplicate})
}

type chatAbortParams struct {
	RunID string `json:"runId"`
}

type chatAbortResult struct {
	Aborted bool `json:"aborted"`
}

// ChatAbort cancels a run. Aborting an unknown or finished run succeeds
// with aborted=false; repeated aborts are harmless.
func (h *Handlers) ChatAbort(_ context.Context, req *Request, res *Responder) {
	var params chatAbortParams
	if err := req.Bind(&params); err != nil {
		res.Fail(err)
		return
	}
	if params.RunID == "" {
		res.Fail(domain.NewDomainError("Handlers.ChatAbort", domain.ErrInvalidPayload, "runId is required"))
		return
	}
	aborted := h.Runs.Abort(params.RunID)
	if aborted {
		req.Session.ReleaseAbort(params.RunID)
	}
	res.OK(chatAbortResult{Aborted: aborted})
}
