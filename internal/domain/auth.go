package domain

import "context"

// Role names a coarse access level requested at handshake time.
type Role string

const (
	RoleOperator Role = "operator" // admin consoles, desktop shells
	RoleNode     Role = "node"     // native device agents
	RoleViewer   Role = "viewer"   // read-only web consoles
)

// Credentials is the auth material presented in a connect request.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Identity is the resolved principal behind an authenticated connection.
type Identity struct {
	ID          string
	DisplayName string
	Role        Role
	Scopes      []string
}

// HasScope reports whether the identity carries the named scope.
// The wildcard scope "*" grants everything.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// AllowsRole reports whether the identity may assume the requested role.
// An identity's stored role is the ceiling: operator may downgrade to
// viewer, never the reverse; node identities are node-only.
func (id Identity) AllowsRole(requested Role) bool {
	if requested == id.Role {
		return true
	}
	return id.Role == RoleOperator && requested == RoleViewer
}

// IdentityStore resolves connect credentials to an identity and answers
// quota questions. Backed externally (relational store plus cache layer);
// the gateway core only sees this interface.
type IdentityStore interface {
	// ResolveIdentity validates credentials and returns the principal.
	// Returns ErrAuthInvalid (possibly wrapped) when they do not check out.
	ResolveIdentity(ctx context.Context, creds Credentials) (*Identity, error)
	// CheckQuota reports whether identity may consume amount units of resource.
	CheckQuota(ctx context.Context, identityID, resource string, amount int64) (bool, error)
}
