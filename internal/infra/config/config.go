// Package config loads and validates the relaygate configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"relaygate/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig  `yaml:"gateway"`
	Auth    AuthConfig     `yaml:"auth"`
	Quota   QuotaConfig    `yaml:"quota"`
	Logger  LoggerConfig   `yaml:"logger"`
	Tracer  TracerConfig   `yaml:"tracer"`
	Cluster *ClusterConfig `yaml:"cluster,omitempty"` // nil = standalone mode
}

// GatewayConfig holds listener and protocol policy settings.
// Durations are strings ("10s", "250ms") parsed at load time.
type GatewayConfig struct {
	Addr            string   `yaml:"addr"`
	HandshakeWindow string   `yaml:"handshake_window"`
	GraceDelay      string   `yaml:"grace_delay"`
	RequestTimeout  string   `yaml:"request_timeout"`
	MaxPayloadBytes int64    `yaml:"max_payload_bytes"`
	SendBuffer      int      `yaml:"send_buffer"`
	Origins         []string `yaml:"origins,omitempty"`
}

// AuthConfig selects and parameterizes the identity store.
type AuthConfig struct {
	// Mode is "static" (inline token list) or "sqlite".
	Mode   string        `yaml:"mode"`
	DBPath string        `yaml:"db_path,omitempty"`
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig declares one credential for the static store.
type TokenConfig struct {
	Token        string   `yaml:"token"`
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name,omitempty"`
	Role         string   `yaml:"role"`
	Scopes       []string `yaml:"scopes,omitempty"`
	PasswordHash string   `yaml:"password_hash,omitempty"`
}

// QuotaConfig holds per-identity request rate limits.
type QuotaConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// ClusterConfig holds horizontal scaling settings.
type ClusterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NodeID        string `yaml:"node_id"` // auto-generated if empty
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	LockTTL       string `yaml:"lock_ttl"` // duration string (default: 30s)
}

// Defaults returns a configuration suitable for local development.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:            "127.0.0.1:8790",
			HandshakeWindow: "10s",
			GraceDelay:      "250ms",
			RequestTimeout:  "30s",
			MaxPayloadBytes: 1 << 20,
			SendBuffer:      64,
		},
		Auth: AuthConfig{
			Mode: "static",
		},
		Quota: QuotaConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path, applies environment overrides, and
// validates the result. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse config: "+err.Error())
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets the environment win over file values for the
// settings that differ per deployment.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYGATE_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("RELAYGATE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYGATE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYGATE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYGATE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("RELAYGATE_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("RELAYGATE_AUTH_DB_PATH"); v != "" {
		cfg.Auth.DBPath = v
	}
	if v := os.Getenv("RELAYGATE_REDIS_ADDR"); v != "" {
		if cfg.Cluster == nil {
			cfg.Cluster = &ClusterConfig{Enabled: true}
		}
		cfg.Cluster.RedisAddr = v
	}
	if v := os.Getenv("RELAYGATE_QUOTA_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Quota.RequestsPerSecond = f
		}
	}
}

// Validate rejects configurations that cannot produce a working gateway.
func Validate(cfg *Config) error {
	if cfg.Gateway.Addr == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, "gateway.addr is required")
	}
	for _, field := range []struct{ name, value string }{
		{"gateway.handshake_window", cfg.Gateway.HandshakeWindow},
		{"gateway.grace_delay", cfg.Gateway.GraceDelay},
		{"gateway.request_timeout", cfg.Gateway.RequestTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("%s: %v", field.name, err))
		}
	}
	switch cfg.Auth.Mode {
	case "static", "sqlite":
	default:
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
			"auth.mode must be static or sqlite, got "+cfg.Auth.Mode)
	}
	if cfg.Auth.Mode == "sqlite" && cfg.Auth.DBPath == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
			"auth.db_path is required for sqlite mode")
	}
	for _, t := range cfg.Auth.Tokens {
		switch domain.Role(t.Role) {
		case domain.RoleOperator, domain.RoleNode, domain.RoleViewer:
		default:
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				"auth token "+t.ID+": unknown role "+t.Role)
		}
	}
	if cfg.Cluster != nil && cfg.Cluster.Enabled && cfg.Cluster.RedisAddr == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
			"cluster.redis_addr is required when cluster is enabled")
	}
	return nil
}

// Duration parses a duration string, falling back to def when the value
// is empty or malformed. Validate already rejected malformed values in
// loaded configs; the fallback covers hand-built ones.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
