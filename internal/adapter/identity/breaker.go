package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"relaygate/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// BreakerStore wraps an identity store with circuit breaker protection.
// When the backing store fails repeatedly, the circuit opens and
// handshakes fail fast instead of queueing behind a dying database.
// Auth rejections are not failures; only store errors trip the breaker.
type BreakerStore struct {
	inner   domain.IdentityStore
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewBreakerStore wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerStore(inner domain.IdentityStore, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "identity-store",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A rejected credential is a working store.
			return err == nil || !errors.Is(err, domain.ErrIdentityStore)
		},
	})

	return &BreakerStore{inner: inner, breaker: cb, logger: logger}
}

// ResolveIdentity implements domain.IdentityStore through the breaker.
func (b *BreakerStore) ResolveIdentity(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.ResolveIdentity(ctx, creds)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("identity store circuit open: %w", err)
		}
		return nil, err
	}
	return v.(*domain.Identity), nil
}

// CheckQuota implements domain.IdentityStore through the breaker.
func (b *BreakerStore) CheckQuota(ctx context.Context, identityID, resource string, amount int64) (bool, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		ok, err := b.inner.CheckQuota(ctx, identityID, resource, amount)
		return ok, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return false, fmt.Errorf("identity store circuit open: %w", err)
		}
		return false, err
	}
	return v.(bool), nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

var _ domain.IdentityStore = (*BreakerStore)(nil)
