package gatewayclient

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"relaygate/internal/protocol"
)

// Transport is one live connection to the gateway. The client never
// assumes anything survives a transport change; every reconnect replays
// the full handshake on a fresh Transport.
type Transport interface {
	// ReadFrame blocks until the next frame arrives or the transport dies.
	ReadFrame(ctx context.Context) (protocol.Frame, error)
	// WriteFrame sends a single frame.
	WriteFrame(ctx context.Context, f protocol.Frame) error
	// Close tears the transport down. Safe to call more than once.
	Close(reason string) error
}

// Dialer opens a new Transport. Tests inject fakes; production code uses
// WebSocketDialer.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketDialer dials the gateway's /ws endpoint.
func WebSocketDialer(url string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		ws, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial gateway: %w", err)
		}
		return &wsTransport{ws: ws}, nil
	}
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	if err := wsjson.Read(ctx, t.ws, &f); err != nil {
		return protocol.Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return wsjson.Write(ctx, t.ws, f)
}

func (t *wsTransport) Close(reason string) error {
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}
