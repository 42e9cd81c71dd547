package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "identities.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteResolveIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Provision(ctx, "tok-1", domain.Identity{
		ID:          "ops",
		DisplayName: "Operations",
		Role:        domain.RoleOperator,
		Scopes:      []string{"*"},
	}))

	id, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "ops", id.ID)
	assert.Equal(t, domain.RoleOperator, id.Role)
	assert.Equal(t, []string{"*"}, id.Scopes)

	_, err = store.ResolveIdentity(ctx, domain.Credentials{Token: "nope"})
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestSQLiteProvisionUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Provision(ctx, "tok-1", domain.Identity{ID: "ops", Role: domain.RoleViewer}))
	require.NoError(t, store.Provision(ctx, "tok-2", domain.Identity{ID: "ops", Role: domain.RoleOperator}))

	// Old token rotated out.
	_, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "tok-1"})
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	id, err := store.ResolveIdentity(ctx, domain.Credentials{Token: "tok-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOperator, id.Role)
}

func TestSQLiteQuotaLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No cap row means unlimited.
	ok, err := store.CheckQuota(ctx, "ops", "requests", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SetQuotaCap(ctx, "capped", "requests", 10))

	ok, err = store.CheckQuota(ctx, "capped", "requests", 8)
	require.NoError(t, err)
	assert.True(t, ok)

	// 8 used, 10 cap: another 8 would overflow.
	ok, err = store.CheckQuota(ctx, "capped", "requests", 8)
	require.NoError(t, err)
	assert.False(t, ok)

	// But 2 still fits.
	ok, err = store.CheckQuota(ctx, "capped", "requests", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}
