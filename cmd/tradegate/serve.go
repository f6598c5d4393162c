package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradegate/tradegate/internal/audit"
	"github.com/tradegate/tradegate/internal/cache"
	"github.com/tradegate/tradegate/internal/config"
	"github.com/tradegate/tradegate/internal/copytrade"
	"github.com/tradegate/tradegate/internal/credstore"
	"github.com/tradegate/tradegate/internal/dispatch"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/infrastructure/db"
	httpapi "github.com/tradegate/tradegate/internal/interfaces/http"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/mlgate"
	"github.com/tradegate/tradegate/internal/reconcile"
	"github.com/tradegate/tradegate/internal/risk"
	"github.com/tradegate/tradegate/internal/tracker"
	"github.com/tradegate/tradegate/internal/venue"
	"github.com/tradegate/tradegate/internal/venue/bybit"
	"github.com/tradegate/tradegate/internal/venue/factory"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Start the webhook listener, the reconciliation loop and the audit writer, and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Str("version", version).
		Str("env", cfg.Env).
		Int("port", cfg.Server.Port).
		Msg("tradegate starting")

	// Postgres is the system of record; nothing starts without it.
	manager, err := db.NewManager(db.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer manager.Close()
	repos := manager.Repository()

	c, err := cache.NewAuto(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if cfg.Redis.URL == "" {
		log.Warn().Msg("REDIS_URL not set, using in-process cache")
	}

	creds := credstore.New(repos.Users, repos.Credentials, c, credstore.Config{
		SecretTTL:     cfg.Auth.SecretTTL,
		CredentialTTL: cfg.Auth.CredentialTTL,
		NegativeTTL:   cfg.Auth.NegativeTTL,
		LegacySecret:  cfg.Auth.LegacySecret,
		LegacyUserID:  cfg.LegacyUser(),
	})
	if cfg.Auth.LegacySecret != "" {
		log.Warn().Str("user_id", cfg.LegacyUser().String()).Msg("legacy master secret enabled")
	}

	m := metrics.NewRegistry()

	registry := venue.DefaultRegistry()
	if cfg.Venues.RegistryFile != "" {
		registry, err = venue.LoadRegistry(cfg.Venues.RegistryFile)
		if err != nil {
			return fmt.Errorf("venue registry: %w", err)
		}
	}

	// The shared bybit ticker stream serves mark prices without
	// spending REST budget. Adapters fall back to REST on cache miss.
	var tickers *bybit.TickerCache
	if registry.Enabled(domain.VenueBybit) {
		tickers = bybit.NewTickerCache()
		stream := bybit.NewStream(bybit.StreamURL(false), tickers)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("bybit ticker stream stopped")
			}
		}()
	}

	adapters := factory.New(factory.Config{
		Credentials:  creds,
		Registry:     registry,
		BybitTickers: tickers,
		Metrics:      m,
	})

	trk := tracker.New()
	warmCtx, warmCancel := context.WithTimeout(ctx, 15*time.Second)
	open, err := repos.Positions.ListOpen(warmCtx)
	warmCancel()
	if err != nil {
		return fmt.Errorf("warm position book: %w", err)
	}
	trk.Warm(open)
	log.Info().Int("positions", trk.Count()).Msg("position book warmed")

	m.OpenPositions.Set(float64(trk.Count()))

	sink := audit.New(repos, cfg.Audit.QueueSize, m)
	sink.Start(ctx)

	policies := risk.DefaultPolicies()
	if cfg.Risk.PoliciesFile != "" {
		policies, err = risk.LoadPolicies(cfg.Risk.PoliciesFile)
		if err != nil {
			return fmt.Errorf("risk policies: %w", err)
		}
	}
	gate := risk.NewGate(repos.Trades, repos.Usage, c, sink, risk.Config{
		Policies:   policies,
		CounterTTL: cfg.Risk.CounterTTL,
	})

	// A nil validator disables ML checks entirely; the dispatcher and
	// the health endpoint both understand the absence.
	var validator dispatch.Validator
	var mlHealth httpapi.MLHealth
	if cfg.ML.URL != "" {
		ml := mlgate.New(mlgate.Config{BaseURL: cfg.ML.URL, Timeout: cfg.ML.Timeout})
		validator = ml
		mlHealth = ml
	} else {
		log.Warn().Msg("ML_SERVICE_URL not set, signal validation disabled")
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Secrets:    creds,
		Adapters:   adapters,
		Risk:       gate,
		ML:         validator,
		Strategies: repos.Strategies,
		Usage:      repos.Usage,
		Tracker:    trk,
		Sink:       sink,
		Metrics:    m,
		Registry:   registry,
	}, dispatch.Config{
		UserRPS:   cfg.Dispatch.UserRPS,
		UserBurst: cfg.Dispatch.UserBurst,
	})

	fanout := copytrade.New(repos.Copy, repos.Users, sink, copytrade.Config{
		Workers: cfg.Copy.Workers,
		Timeout: cfg.Copy.Timeout,
		Metrics: m,
	})
	fanout.Bind(dispatcher)
	dispatcher.BindCopies(fanout)

	loop := reconcile.New(trk, adapters, gate, sink, m, reconcile.Config{
		Interval:        cfg.Reconcile.Interval,
		FullSweepEvery:  cfg.Reconcile.FullSweepEvery,
		PendingLifetime: cfg.Reconcile.PendingLifetime,
	})
	go loop.Run(ctx)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, httpapi.Deps{
		Gateway: dispatcher,
		Tracker: trk,
		ML:      mlHealth,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr()).Msg("webhook listener up")
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Stop intake first, then the background loops, then flush audit.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	fanout.Wait()
	sink.Close(5 * time.Second)

	log.Info().Msg("tradegate stopped")
	return nil
}
