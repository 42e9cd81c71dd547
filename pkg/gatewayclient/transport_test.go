package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
)

// fakeTransport is an in-memory Transport driven by the test: the test
// pushes server frames into in and observes client frames on out.
type fakeTransport struct {
	in        chan protocol.Frame
	out       chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan protocol.Frame, 16),
		out:    make(chan protocol.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return protocol.Frame{}, errors.New("transport closed")
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, f protocol.Frame) error {
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server frame to the client's read loop.
func (t *fakeTransport) push(f protocol.Frame) { t.in <- f }

// nextOut returns the next frame the client wrote, failing the test on
// timeout.
func (t *fakeTransport) nextOut(tt *testing.T) protocol.Frame {
	tt.Helper()
	select {
	case f := <-t.out:
		return f
	case <-time.After(3 * time.Second):
		tt.Fatal("client wrote no frame in time")
		return protocol.Frame{}
	}
}

// fakeGateway scripts dial outcomes and answers handshakes.
type fakeGateway struct {
	mu         sync.Mutex
	dials      int
	failUntil  int // dials numbered <= failUntil fail
	transports []*fakeTransport
}

func (g *fakeGateway) dialer() Dialer {
	return func(_ context.Context) (Transport, error) {
		g.mu.Lock()
		g.dials++
		n := g.dials
		if n <= g.failUntil {
			g.mu.Unlock()
			return nil, errors.New("dial refused")
		}
		t := newFakeTransport()
		g.transports = append(g.transports, t)
		g.mu.Unlock()

		go g.serveHandshake(t, n)
		return t, nil
	}
}

// serveHandshake plays the server half of the handshake, then returns,
// leaving the transport to the test.
func (g *fakeGateway) serveHandshake(t *fakeTransport, session int) {
	challenge, _ := protocol.EventFrame(protocol.EventChallenge, 0, protocol.ChallengePayload{
		Nonce: fmt.Sprintf("nonce-%d", session),
		TS:    time.Now().UnixMilli(),
	})
	t.push(challenge)

	select {
	case req := <-t.out:
		if req.Method != protocol.MethodConnect {
			resp := protocol.ErrorResponse(req.ID, domain.CodeNotAuthenticated, "connect first")
			t.push(resp)
			return
		}
		resp, _ := protocol.Response(req.ID, protocol.Snapshot{
			SessionID:  fmt.Sprintf("sess-%d", session),
			Protocol:   protocol.Version,
			ServerCaps: []string{"chat"},
			Policy:     protocol.Policy{RequestTimeoutMS: 30000, HandshakeWindowMS: 10000, MaxPayloadBytes: 1 << 20},
		})
		t.push(resp)
	case <-t.closed:
	case <-time.After(5 * time.Second):
	}
}

// failNext makes the next n dials fail.
func (g *fakeGateway) failNext(n int) {
	g.mu.Lock()
	g.failUntil = g.dials + n
	g.mu.Unlock()
}

func (g *fakeGateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

func (g *fakeGateway) transport(i int) *fakeTransport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transports[i]
}

func testClient(g *fakeGateway, opts ...Option) *Client {
	base := []Option{
		WithClientInfo(domain.ClientInfo{ID: "test", Version: "1.0", Platform: "test", Mode: "test"}),
		WithCredentials(domain.Credentials{Token: "tok"}),
	}
	return New(g.dialer(), append(base, opts...)...)
}

// waitForState polls until the client reaches state or the deadline hits.
func waitForState(t *testing.T, c *Client, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := c.State(); got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, err := c.State()
	t.Fatalf("state = %s (err %v), want %s", got, err, want)
}

// waitFor polls cond until it holds or the deadline hits.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// okResponse builds a successful res frame with a JSON payload.
func okResponse(t *testing.T, id string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.Response(id, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}
