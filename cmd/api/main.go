package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"helpdesk.org/internal/audit"
	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/category"
	"helpdesk.org/internal/config"
	"helpdesk.org/internal/denylist"
	"helpdesk.org/internal/httpapi"
	"helpdesk.org/internal/janitor"
	"helpdesk.org/internal/migrate"
	"helpdesk.org/internal/obs"
	"helpdesk.org/internal/store/memory"
	"helpdesk.org/internal/store/pg"
	"helpdesk.org/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := obs.NewLogger("helpdesk-api", cfg.LogLevel, os.Stdout)
	obs.SetLogger(logger)
	slog.SetDefault(logger)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		logger.Error("api stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := obs.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]func(context.Context) error{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// Storage: Postgres when configured, process memory otherwise.
	var (
		store      auth.Store
		categories category.Store
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pgStore.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pgStore.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		if cfg.MigrateOnStart {
			mgr := migrate.NewManager(pgStore.DB(), migrations.Schema(), migrations.Seeds())
			if err := mgr.Up(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store, categories = pgStore, pgStore
		checks["postgres"] = pgStore.Ping
	} else {
		if !cfg.IsDevelopment() {
			return errors.New("HELPDESK_PG_DSN is required outside development")
		}
		logger.Warn("no database configured, using in-memory store")
		store, categories = memory.New(), category.NewMemoryStore()
	}

	// Denylist: Redis when configured.
	var deny auth.Denylist
	if cfg.RedisAddr != "" {
		client, err := denylist.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		closers = append(closers, client.Close)
		deny = denylist.NewRedis(client, cfg.AccessTTL)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		logger.Warn("no redis configured, using in-memory denylist")
		deny = denylist.NewMemory(cfg.AccessTTL)
	}

	// Audit sinks.
	sinks := []auth.EventSink{audit.LogSink{}}
	if len(cfg.KafkaBrokers) > 0 {
		pub := audit.NewPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		closers = append(closers, pub.Close)
		sinks = append(sinks, pub)
	}

	tokenOpts := []auth.TokenOption{
		auth.WithHMACSecret(cfg.JWTSecret),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
	}
	if cfg.UsesRS256() {
		tokenOpts = append(tokenOpts, auth.WithRS256Keys(cfg.JWTPrivateKey, cfg.JWTPublicKey), auth.WithKeyID(cfg.JWTKeyID))
	}
	tokens, err := auth.NewTokenService(tokenOpts...)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, tokens,
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithReuseGrace(cfg.ReuseGrace),
		auth.WithRevokeAllOnReuse(cfg.RevokeAllOnReuse),
		auth.WithDenylist(deny),
		auth.WithEvents(audit.Multi(sinks...)),
	)
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Checks: checks}
	api := httpapi.New(httpapi.Options{
		Version:     version,
		Ready:       probe,
		Auth:        svc,
		Categories:  category.NewService(categories),
		Cookies:     httpapi.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain},
		RateBurst:   cfg.RateBurst,
		RatePerSec:  cfg.RatePerSec,
		CORSOrigins: cfg.CORSOrigins,

		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	introspection := httpapi.NewGRPCServer(svc.Guard(), probe, cfg.ServiceKeys)
	introspection.Register(grpcSrv)
	if err := introspection.UpdateHealth(ctx); err != nil {
		logger.Warn("dependencies not ready", slog.String("error", err.Error()))
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	sweeper, err := janitor.New(svc, cfg.SessionSweep)
	if err != nil {
		return err
	}
	sweeper.Start()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	introspection.Shutdown()
	sweeper.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return runErr
}
