package gateway

import (
	"context"
	"sync"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/protocol"
)

// nonceStore tracks outstanding handshake nonces. Each nonce is single
// use: Consume removes it, and expired nonces are rejected even if never
// consumed.
type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> expiry
}

func newNonceStore() *nonceStore {
	return &nonceStore{nonces: make(map[string]time.Time)}
}

// Issue registers a fresh nonce valid for ttl.
func (n *nonceStore) Issue(nonce string, ttl time.Duration) {
	n.mu.Lock()
	n.nonces[nonce] = time.Now().Add(ttl)
	n.mu.Unlock()
}

// Consume claims the nonce. Returns false when the nonce is unknown,
// already consumed, or its handshake window has closed.
func (n *nonceStore) Consume(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	expiry, ok := n.nonces[nonce]
	if !ok {
		return false
	}
	delete(n.nonces, nonce)
	return time.Now().Before(expiry)
}

// sweep drops expired nonces so abandoned connections do not leak them.
func (n *nonceStore) sweep() {
	now := time.Now()
	n.mu.Lock()
	for nonce, expiry := range n.nonces {
		if now.After(expiry) {
			delete(n.nonces, nonce)
		}
	}
	n.mu.Unlock()
}

// handleConnect drives the server half of the handshake for one connect
// request. Called from the connection's read loop, so connect handling is
// serialized per connection.
func (s *Server) handleConnect(ctx context.Context, cc *clientConn, f protocol.Frame) {
	params, err := protocol.ParseConnectParams(f.Params)
	if err != nil {
		s.metrics.HandshakeFailures.Add(1)
		cc.send(protocol.ErrorResponseFrom(f.ID, err))
		return
	}

	version, err := protocol.NegotiateVersion(params)
	if err != nil {
		s.metrics.HandshakeFailures.Add(1)
		cc.send(protocol.ErrorResponseFrom(f.ID, err))
		s.closeAfterGrace(cc, "protocol mismatch")
		return
	}

	refresh := cc.authenticated()
	if !refresh {
		// First connect on this transport: the challenge nonce must still
		// be open. A consumed or expired nonce means the handshake window
		// closed underneath the client.
		if !s.nonces.Consume(cc.nonce) {
			s.metrics.HandshakeFailures.Add(1)
			cc.send(protocol.ErrorResponse(f.ID, domain.CodeAuthInvalid, "handshake window closed"))
			s.closeAfterGrace(cc, "handshake expired")
			return
		}
	}

	var creds domain.Credentials
	if params.Auth != nil {
		creds = *params.Auth
	}
	identity, err := s.identities.ResolveIdentity(ctx, creds)
	if err != nil {
		s.metrics.HandshakeFailures.Add(1)
		s.logger.Warn("handshake auth failed", "client", params.Client.ID, "error", err)
		cc.send(protocol.ErrorResponseFrom(f.ID, err))
		s.closeAfterGrace(cc, "auth failed")
		return
	}

	if err := validateGrant(identity, params); err != nil {
		s.metrics.HandshakeFailures.Add(1)
		s.logger.Warn("handshake grant rejected", "client", params.Client.ID, "role", params.Role, "error", err)
		cc.send(protocol.ErrorResponseFrom(f.ID, err))
		s.closeAfterGrace(cc, "grant rejected")
		return
	}

	if refresh {
		// Idempotent refresh: re-issue the snapshot, keep subscriptions.
		sess := cc.getSession()
		sess.Touch()
		cc.send(s.snapshotResponse(f.ID, sess))
		return
	}

	if s.locks != nil {
		// One live session per client id across the cluster. A lock store
		// outage degrades to single-node behavior rather than refusing
		// every handshake.
		ok, err := s.locks.AcquireSessionLock(ctx, params.Client.ID)
		if err != nil {
			s.logger.Warn("session lock unavailable, proceeding", "client", params.Client.ID, "error", err)
		} else if !ok {
			s.metrics.HandshakeFailures.Add(1)
			cc.send(protocol.ErrorResponse(f.ID, domain.CodeConnectFailed, "client already connected on another node"))
			s.closeAfterGrace(cc, "session owned elsewhere")
			return
		}
	}

	sess := newSession(domain.NewID(), *identity, params.Client, version, params.Caps)
	s.registry.Add(sess)
	cc.setSession(sess)
	cc.stopHandshakeTimer()
	s.metrics.SessionsTotal.Add(1)

	s.logger.Info("session authenticated",
		"session_id", sess.ID,
		"identity", identity.ID,
		"role", string(identity.Role),
		"client", params.Client.ID,
		"protocol", version,
	)

	cc.send(s.snapshotResponse(f.ID, sess))
}

// validateGrant checks role and scope legality against the identity.
func validateGrant(identity *domain.Identity, params *protocol.ConnectParams) error {
	if !identity.AllowsRole(domain.Role(params.Role)) {
		return domain.NewDomainError("Handshake.Grant", domain.ErrForbidden, "role not allowed for identity")
	}
	for _, scope := range params.Scopes {
		if !identity.HasScope(scope) {
			return domain.NewDomainError("Handshake.Grant", domain.ErrForbidden, "scope "+scope+" not granted")
		}
	}
	return nil
}

func (s *Server) snapshotResponse(id string, sess *Session) protocol.Frame {
	f, err := protocol.Response(id, protocol.Snapshot{
		SessionID:  sess.ID,
		Protocol:   sess.Protocol,
		ServerCaps: s.serverCaps,
		Policy: protocol.Policy{
			RequestTimeoutMS:  s.cfg.RequestTimeout.Milliseconds(),
			HandshakeWindowMS: s.cfg.HandshakeWindow.Milliseconds(),
			MaxPayloadBytes:   s.cfg.MaxPayloadBytes,
		},
	})
	if err != nil {
		return protocol.ErrorResponseFrom(id, err)
	}
	return f
}

// closeAfterGrace closes the transport after a short delay so the error
// response has a chance to reach the client first.
func (s *Server) closeAfterGrace(cc *clientConn, reason string) {
	time.AfterFunc(s.cfg.GraceDelay, func() {
		cc.close(reason)
	})
}
