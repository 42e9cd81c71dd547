package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"relaygate/internal/domain"
	"relaygate/pkg/gatewayclient"
)

// runHealth dials a running gateway over the wire protocol, performs a
// full handshake, and invokes the health method. Exit status reflects
// the probe result, so it slots into service monitors directly.
func runHealth() error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:8790/ws", "gateway WebSocket URL")
	token := fs.String("token", "", "auth token")
	timeout := fs.Duration("timeout", 10*time.Second, "probe timeout")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := gatewayclient.New(gatewayclient.WebSocketDialer(*url),
		gatewayclient.WithClientInfo(domain.ClientInfo{
			ID:       "relaygate-health",
			Version:  "dev",
			Platform: "cli",
			Mode:     "probe",
		}),
		gatewayclient.WithCredentials(domain.Credentials{Token: *token}),
		gatewayclient.WithMaxAttempts(1),
	)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	raw, err := client.Call(ctx, "health", struct{}{})
	if err != nil {
		return fmt.Errorf("health call: %w", err)
	}

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode health payload: %w", err)
	}

	var pretty json.RawMessage = raw
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		out = raw
	}
	fmt.Println(string(out))

	if !body.OK {
		os.Exit(1)
	}
	return nil
}
