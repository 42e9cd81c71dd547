package identity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/domain"
)

// scriptedStore fails or rejects on demand.
type scriptedStore struct {
	err      error
	identity domain.Identity
}

func (s *scriptedStore) ResolveIdentity(context.Context, domain.Credentials) (*domain.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	id := s.identity
	return &id, nil
}

func (s *scriptedStore) CheckQuota(context.Context, string, string, int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return true, nil
}

func TestBreakerOpensOnStoreFailures(t *testing.T) {
	inner := &scriptedStore{err: domain.NewDomainError("db", domain.ErrIdentityStore, "locked")}
	store := NewBreakerStore(inner, BreakerConfig{MaxFailures: 3}, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "t"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	// Fast failure without reaching the store.
	_, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "t"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresAuthRejections(t *testing.T) {
	inner := &scriptedStore{err: domain.NewDomainError("auth", domain.ErrAuthInvalid, "bad token")}
	store := NewBreakerStore(inner, BreakerConfig{MaxFailures: 2}, slog.Default())
	ctx := context.Background()

	// Many rejections: a working store saying "no" must not trip the circuit.
	for i := 0; i < 10; i++ {
		_, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "bad"})
		assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	}
	assert.Equal(t, gobreaker.StateClosed, store.State())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &scriptedStore{identity: domain.Identity{ID: "ops", Role: domain.RoleOperator}}
	store := NewBreakerStore(inner, BreakerConfig{}, slog.Default())

	id, err := store.ResolveIdentity(context.Background(), domain.Credentials{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "ops", id.ID)

	ok, err := store.CheckQuota(context.Background(), "ops", "requests", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
