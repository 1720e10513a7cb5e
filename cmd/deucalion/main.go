package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dtrefilov-piterbyte/deucalion/internal/admin"
	"github.com/dtrefilov-piterbyte/deucalion/internal/clock"
	"github.com/dtrefilov-piterbyte/deucalion/internal/config"
	"github.com/dtrefilov-piterbyte/deucalion/internal/metrics"
	"github.com/dtrefilov-piterbyte/deucalion/internal/poller"
	"github.com/dtrefilov-piterbyte/deucalion/internal/query"
	"github.com/dtrefilov-piterbyte/deucalion/internal/relay"
	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
	"github.com/dtrefilov-piterbyte/deucalion/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting deucalion",
		slog.String("log_level", cfg.LogLevel.String()),
		slog.String("listen_on", cfg.ListenOn),
		slog.String("admin_listen_on", cfg.AdminListenOn),
		slog.Duration("read_timeout", cfg.ReadTimeout),
		slog.Duration("keep_alive_timeout", cfg.KeepAliveTimeout),
		slog.Duration("polling_period", cfg.PollingPeriod),
		slog.Bool("tls", cfg.TLSEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New(cfg.AWS.ExposeTags)
	store := state.NewStore()
	clk := clock.Real()

	// Credential and permission problems surface here, before anything
	// binds a port.
	refresher, err := poller.NewEC2Refresher(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("initializing EC2 refresher: %w", err)
	}

	pol := poller.New(poller.Config{Period: cfg.PollingPeriod}, refresher, store, m, clk, logger)

	var tlsCfg *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("loading TLS material: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	listener := relay.NewListener(relay.ListenerConfig{
		Addr:       cfg.ListenOn,
		TLS:        tlsCfg,
		MaxConns:   cfg.MaxConns,
		AcceptRate: cfg.AcceptRate,
		Session: relay.SessionConfig{
			ReadTimeout:      cfg.ReadTimeout,
			KeepAliveTimeout: cfg.KeepAliveTimeout,
		},
	}, clk, store, query.New(), m, logger)
	if err := listener.Bind(); err != nil {
		return err
	}

	adminSrv := admin.New(admin.Config{ListenAddr: cfg.AdminListenOn}, m.Registry(),
		func() admin.Status {
			completed, skipped, failed := m.PollCounts()
			return admin.Status{
				OpenConnections: m.OpenConns(),
				SnapshotVersion: store.Load().Version,
				PollsCompleted:  completed,
				PollsSkipped:    skipped,
				PollsFailed:     failed,
				Degraded:        pol.Degraded(),
			}
		},
		func() bool {
			return store.Load().Version > 0 && !pol.Degraded()
		},
		logger)

	sup := supervisor.New(listener, pol, adminSrv, clk, cfg.ShutdownGrace, logger)

	// Second signal during shutdown = hard exit.
	go func() {
		<-ctx.Done()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		logger.Warn("forced shutdown",
			slog.String("signal", sig.String()),
		)
		os.Exit(1)
	}()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrForcedShutdown) {
			return err
		}
		return fmt.Errorf("running daemon: %w", err)
	}
	return nil
}
