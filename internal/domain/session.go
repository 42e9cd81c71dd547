package domain

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ClientInfo describes the connecting program as declared at handshake time.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"` // e.g. "webchat", "shell", "node"
}

// NewID returns a fresh ULID string, used for session ids, challenge
// nonces and run ids.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
