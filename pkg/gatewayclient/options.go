package gatewayclient

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"relaygate/internal/domain"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock injects a clock, letting tests drive timeouts and backoff
// with a fake.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithHandshakeTimeout bounds how long a single connect attempt may take,
// from dial through the connect response.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithBackoff sets the reconnect delay floor, ceiling and growth factor.
func WithBackoff(floor, ceiling time.Duration, growth float64) Option {
	return func(c *Client) {
		c.backoff.floor = floor
		c.backoff.ceiling = ceiling
		c.backoff.growth = growth
	}
}

// WithMaxAttempts bounds consecutive failed reconnect attempts before the
// client enters the terminal StateFailed. Zero means retry forever.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithClientInfo declares the connecting program's identity.
func WithClientInfo(info domain.ClientInfo) Option {
	return func(c *Client) { c.clientInfo = info }
}

// WithRole sets the role requested at handshake time.
func WithRole(role domain.Role) Option {
	return func(c *Client) { c.role = role }
}

// WithScopes sets the scopes requested at handshake time.
func WithScopes(scopes ...string) Option {
	return func(c *Client) { c.scopes = scopes }
}

// WithCaps declares client capabilities.
func WithCaps(caps ...string) Option {
	return func(c *Client) { c.caps = caps }
}

// WithCredentials sets the auth material presented in the connect request.
func WithCredentials(creds domain.Credentials) Option {
	return func(c *Client) { c.creds = &creds }
}

// WithProtocolRange overrides the advertised protocol range. Intended for
// tests; production clients speak exactly protocol.Version.
func WithProtocolRange(min, max int) Option {
	return func(c *Client) {
		c.minProtocol = min
		c.maxProtocol = max
	}
}

// OnGap registers a listener fired when a sequence gap is detected.
func OnGap(fn GapListener) Option {
	return func(c *Client) { c.streams.onGap = fn }
}
