// Package identity persists gateway identities and quota ledgers in
// SQLite.
package identity

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"relaygate/internal/domain"
)

// SQLiteStore implements domain.IdentityStore using SQLite. Tokens are
// the lookup key; quota usage is a daily ledger per identity and
// resource.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			id           TEXT PRIMARY KEY,
			token        TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT 'viewer',
			scopes       TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS quota_usage (
			identity_id TEXT NOT NULL,
			resource    TEXT NOT NULL,
			day         TEXT NOT NULL,
			used        INTEGER NOT NULL DEFAULT 0,
			cap         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (identity_id, resource, day)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResolveIdentity looks the token up and returns the identity it maps
// to. Unknown tokens fail with ErrAuthInvalid.
func (s *SQLiteStore) ResolveIdentity(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, token, display_name, role, scopes FROM identities WHERE token = ?", creds.Token,
	)
	var id domain.Identity
	var storedToken, role, scopesStr string
	if err := row.Scan(&id.ID, &storedToken, &id.DisplayName, &role, &scopesStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError("SQLiteStore.ResolveIdentity", domain.ErrAuthInvalid, "unknown token")
		}
		return nil, domain.NewDomainError("SQLiteStore.ResolveIdentity", domain.ErrIdentityStore, err.Error())
	}
	// The index found the row; compare again in constant time anyway.
	if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(storedToken)) != 1 {
		return nil, domain.NewDomainError("SQLiteStore.ResolveIdentity", domain.ErrAuthInvalid, "unknown token")
	}
	id.Role = domain.Role(role)
	if err := json.Unmarshal([]byte(scopesStr), &id.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal identity scopes: %w", err)
	}
	return &id, nil
}

// CheckQuota consumes amount from the identity's daily ledger for the
// resource. A zero cap means unlimited.
func (s *SQLiteStore) CheckQuota(ctx context.Context, identityID, resource string, amount int64) (bool, error) {
	day := time.Now().UTC().Format("2006-01-02")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.NewDomainError("SQLiteStore.CheckQuota", domain.ErrIdentityStore, err.Error())
	}
	defer tx.Rollback()

	var used, cap int64
	err = tx.QueryRowContext(ctx,
		"SELECT used, cap FROM quota_usage WHERE identity_id = ? AND resource = ? AND day = ?",
		identityID, resource, day,
	).Scan(&used, &cap)
	switch {
	case err == sql.ErrNoRows:
		used, cap = 0, 0
	case err != nil:
		return false, domain.NewDomainError("SQLiteStore.CheckQuota", domain.ErrIdentityStore, err.Error())
	}

	if cap > 0 && used+amount > cap {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_usage (identity_id, resource, day, used, cap) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity_id, resource, day) DO UPDATE SET used = used + ?`,
		identityID, resource, day, amount, cap, amount,
	)
	if err != nil {
		return false, domain.NewDomainError("SQLiteStore.CheckQuota", domain.ErrIdentityStore, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return false, domain.NewDomainError("SQLiteStore.CheckQuota", domain.ErrIdentityStore, err.Error())
	}
	return true, nil
}

// Provision inserts or replaces an identity row. Used by setup tooling
// and tests.
func (s *SQLiteStore) Provision(ctx context.Context, token string, identity domain.Identity) error {
	scopes, err := json.Marshal(identity.Scopes)
	if err != nil {
		return fmt.Errorf("marshal identity scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (id, token, display_name, role, scopes, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET token = excluded.token, display_name = excluded.display_name,
			role = excluded.role, scopes = excluded.scopes`,
		identity.ID, token, identity.DisplayName, string(identity.Role), string(scopes),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.Provision", domain.ErrIdentityStore, err.Error())
	}
	return nil
}

// SetQuotaCap sets the daily cap for an identity's resource. Zero means
// unlimited.
func (s *SQLiteStore) SetQuotaCap(ctx context.Context, identityID, resource string, cap int64) error {
	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (identity_id, resource, day, used, cap) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (identity_id, resource, day) DO UPDATE SET cap = excluded.cap`,
		identityID, resource, day, cap,
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SetQuotaCap", domain.ErrIdentityStore, err.Error())
	}
	return nil
}

var _ domain.IdentityStore = (*SQLiteStore)(nil)
