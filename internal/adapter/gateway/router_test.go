package gateway

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
	"relaygate/internal/usecase/quota"
)

// frameSink collects frames sent through a responder.
type frameSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *frameSink) send(f protocol.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *frameSink) all() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func routerRequest(method string) *Request {
	return &Request{
		ID:      "req-1",
		Method:  method,
		Params:  []byte(`{}`),
		Session: newSession("s1", testIdentity(), testClientInfo(), 3, nil),
	}
}

func TestRouterMethodNotFound(t *testing.T) {
	r := NewRouter(nil, slog.Default())
	sink := &frameSink{}

	r.Dispatch(context.Background(), routerRequest("no.such"), sink.send)

	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Err == nil || frames[0].Err.Code != string(domain.CodeMethodNotFound) {
		t.Errorf("error = %+v, want METHOD_NOT_FOUND", frames[0].Err)
	}
}

func TestRouterExactlyOneResponse(t *testing.T) {
	r := NewRouter(nil, slog.Default())
	r.Register("double", func(_ context.Context, _ *Request, res *Responder) {
		res.OK(map[string]int{"n": 1})
		res.OK(map[string]int{"n": 2}) // swallowed
		res.Fail(domain.ErrTimeout)    // swallowed
	})
	sink := &frameSink{}

	r.Dispatch(context.Background(), routerRequest("double"), sink.send)

	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want exactly 1", len(frames))
	}
	if !frames[0].OK {
		t.Error("first response should win")
	}
}

func TestRouterPanicRecovery(t *testing.T) {
	r := NewRouter(nil, slog.Default())
	r.Register("boom", func(_ context.Context, _ *Request, _ *Responder) {
		panic("handler bug")
	})
	sink := &frameSink{}

	r.Dispatch(context.Background(), routerRequest("boom"), sink.send)

	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Err == nil || frames[0].Err.Code != string(domain.CodeInternal) {
		t.Errorf("error = %+v, want INTERNAL", frames[0].Err)
	}
}

func TestRouterSilentHandlerBackstop(t *testing.T) {
	r := NewRouter(nil, slog.Default())
	r.Register("mute", func(_ context.Context, _ *Request, _ *Responder) {})
	sink := &frameSink{}

	r.Dispatch(context.Background(), routerRequest("mute"), sink.send)

	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].OK {
		t.Error("silent handler must produce an error response")
	}
}

func TestRouterQuotaLimit(t *testing.T) {
	// One request allowed, everything after is limited.
	q := quota.NewManager(0.0001, 1)
	r := NewRouter(q, slog.Default())
	r.Register("work", func(_ context.Context, _ *Request, res *Responder) {
		res.OK(nil)
	})
	r.Register(protocol.MethodHealth, func(_ context.Context, _ *Request, res *Responder) {
		res.OK(nil)
	})
	sink := &frameSink{}

	r.Dispatch(context.Background(), routerRequest("work"), sink.send)
	r.Dispatch(context.Background(), routerRequest("work"), sink.send)

	frames := sink.all()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !frames[0].OK {
		t.Error("first request should pass")
	}
	if frames[1].Err == nil || frames[1].Err.Code != string(domain.CodeRateLimit) {
		t.Errorf("second request error = %+v, want RATE_LIMIT", frames[1].Err)
	}

	// The reserved health method bypasses quota even when exhausted.
	healthSink := &frameSink{}
	r.Dispatch(context.Background(), routerRequest(protocol.MethodHealth), healthSink.send)
	if frames := healthSink.all(); len(frames) != 1 || !frames[0].OK {
		t.Error("health must stay reachable under quota pressure")
	}
}
