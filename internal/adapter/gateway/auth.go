package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"relaygate/internal/domain"
)

// TokenEntry declares one credential the static store accepts.
type TokenEntry struct {
	Token        string
	ID           string
	DisplayName  string
	Role         domain.Role
	Scopes       []string
	PasswordHash string // optional, "salt:hash" hex of argon2id
}

type staticEntry struct {
	token    []byte
	passSalt []byte
	passHash []byte
	identity domain.Identity
}

// StaticIdentityStore resolves identities against a fixed credential list
// using constant-time comparison to prevent timing attacks. It backs
// development setups and tests; production deployments use the SQLite
// store behind the circuit breaker.
type StaticIdentityStore struct {
	entries []staticEntry
}

// NewStaticIdentityStore builds a store from token entries. Entries with
// a malformed password hash are rejected.
func NewStaticIdentityStore(entries []TokenEntry) (*StaticIdentityStore, error) {
	s := &StaticIdentityStore{entries: make([]staticEntry, len(entries))}
	for i, e := range entries {
		se := staticEntry{
			token: []byte(e.Token),
			identity: domain.Identity{
				ID:          e.ID,
				DisplayName: e.DisplayName,
				Role:        e.Role,
				Scopes:      e.Scopes,
			},
		}
		if e.PasswordHash != "" {
			salt, hash, err := decodePasswordHash(e.PasswordHash)
			if err != nil {
				return nil, fmt.Errorf("token entry %q: %w", e.ID, err)
			}
			se.passSalt, se.passHash = salt, hash
		}
		s.entries[i] = se
	}
	return s, nil
}

// ResolveIdentity validates credentials. Token match is required; when
// the entry carries a password hash, the password must verify too.
func (s *StaticIdentityStore) ResolveIdentity(_ context.Context, creds domain.Credentials) (*domain.Identity, error) {
	token := []byte(creds.Token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(token, e.token) != 1 {
			continue
		}
		if len(e.passHash) > 0 && !verifyPassword(creds.Password, e.passSalt, e.passHash) {
			return nil, domain.NewDomainError("StaticIdentityStore.ResolveIdentity", domain.ErrAuthInvalid, "password mismatch")
		}
		id := e.identity
		return &id, nil
	}
	return nil, domain.NewDomainError("StaticIdentityStore.ResolveIdentity", domain.ErrAuthInvalid, "unknown token")
}

// CheckQuota always allows; static deployments carry no quota ledger.
func (s *StaticIdentityStore) CheckQuota(context.Context, string, string, int64) (bool, error) {
	return true, nil
}

// HashPassword derives an argon2id "salt:hash" credential string from a
// password and salt. Exposed for provisioning tooling and tests.
func HashPassword(password string, salt []byte) string {
	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash)
}

func decodePasswordHash(s string) (salt, hash []byte, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("password hash must be salt:hash hex")
	}
	salt, err = hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	hash, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decode hash: %w", err)
	}
	return salt, hash, nil
}

func verifyPassword(password string, salt, want []byte) bool {
	got := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(got, want) == 1
}
