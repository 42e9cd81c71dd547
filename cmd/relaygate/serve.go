package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relaygate/internal/adapter/cluster"
	"relaygate/internal/adapter/gateway"
	"relaygate/internal/adapter/identity"
	"relaygate/internal/domain"
	"relaygate/internal/infra/config"
	"relaygate/internal/infra/logger"
	"relaygate/internal/infra/tracer"
	"relaygate/internal/usecase/eventbus"
	"relaygate/internal/usecase/quota"
	"relaygate/internal/usecase/runs"
)

func runServe() error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file path")
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	identities, closeStore, err := buildIdentityStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	limits := quota.NewManager(cfg.Quota.RequestsPerSecond, cfg.Quota.Burst)
	runMgr := runs.NewManager(bus, nil, log)
	defer runMgr.Close()

	registry := gateway.NewRegistry()
	router := gateway.NewRouter(limits, log)
	handlers := &gateway.Handlers{Registry: registry, Runs: runMgr, Identities: identities, Logger: log}
	handlers.RegisterAll(router)

	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:            cfg.Gateway.Addr,
		HandshakeWindow: config.Duration(cfg.Gateway.HandshakeWindow, 0),
		GraceDelay:      config.Duration(cfg.Gateway.GraceDelay, 0),
		RequestTimeout:  config.Duration(cfg.Gateway.RequestTimeout, 0),
		MaxPayloadBytes: cfg.Gateway.MaxPayloadBytes,
		SendBuffer:      cfg.Gateway.SendBuffer,
		OriginPatterns:  cfg.Gateway.Origins,
	}, bus, identities, registry, router, log)
	srv.RegisterHTTPRoute("/api/v1/status", srv.StatusHandler())
	srv.RegisterHTTPRoute("/metrics", srv.MetricsHandler())

	// Disconnect teardown sweeps the session's runs and idempotency keys
	// and returns its rate-limit bucket.
	srv.SetSessionCloseHook(func(sess *gateway.Session) {
		runMgr.AbortSession(sess.ID)
		limits.Reset(sess.Identity.ID)
	})

	if cfg.Cluster != nil && cfg.Cluster.Enabled {
		client := cluster.NewGoRedisClient(cfg.Cluster.RedisAddr, cfg.Cluster.RedisPassword, cfg.Cluster.RedisDB)
		bridge := cluster.NewBridge(client, bus, cluster.BridgeConfig{
			NodeID:  cfg.Cluster.NodeID,
			LockTTL: config.Duration(cfg.Cluster.LockTTL, 0),
		}, log)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start cluster bridge: %w", err)
		}
		defer bridge.Stop()
		srv.SetSessionLocker(bridge)
		log.Info("cluster bridge started", "node_id", bridge.NodeID())
	}

	return srv.Start(ctx)
}

func buildIdentityStore(cfg *config.Config, log *slog.Logger) (domain.IdentityStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Auth.Mode {
	case "sqlite":
		store, err := identity.NewSQLiteStore(cfg.Auth.DBPath)
		if err != nil {
			return nil, nil, err
		}
		wrapped := identity.NewBreakerStore(store, identity.BreakerConfig{}, log)
		return wrapped, store.Close, nil
	default:
		entries := make([]gateway.TokenEntry, len(cfg.Auth.Tokens))
		for i, t := range cfg.Auth.Tokens {
			entries[i] = gateway.TokenEntry{
				Token:        t.Token,
				ID:           t.ID,
				DisplayName:  t.DisplayName,
				Role:         domain.Role(t.Role),
				Scopes:       t.Scopes,
				PasswordHash: t.PasswordHash,
			}
		}
		if len(entries) == 0 {
			log.Warn("no auth tokens configured; all handshakes will be rejected")
		}
		store, err := gateway.NewStaticIdentityStore(entries)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	}
}
