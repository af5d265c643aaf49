package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/config"
	"github.com/Tyrowin/orbit/internal/conversation"
	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/logging"
	"github.com/Tyrowin/orbit/internal/message"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/presence"
	"github.com/Tyrowin/orbit/internal/server"
	"github.com/Tyrowin/orbit/internal/store"
	"github.com/Tyrowin/orbit/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orbit: %v\n", err)
		os.Exit(1)
	}
}

// newBackend returns the configured cross-process backend, or nil for a
// single instance.
func newBackend(cfg config.FanoutConfig, log *zap.Logger) (fanout.Backend, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		return fanout.NewNATSBackend(cfg.URL, cfg.Subject, "orbit", log), nil
	case config.BackendRedis:
		return fanout.NewRedisBackend(cfg.URL, cfg.Subject, log)
	}
	return nil, nil
}

// openStore opens the configured store. Validate guarantees that instances
// fanning out to each other share the redis store.
func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (store.Store, error) {
	if cfg.Backend == config.StorageRedis {
		return store.OpenRedis(ctx, cfg.URL, cfg.Prefix, log)
	}
	return store.OpenPebble(cfg.Path, nil, log)
}

func run() error {
	cfg, err := config.Load(os.Getenv(config.PathEnv))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting orbit server", zap.String("port", cfg.Server.Port),
		zap.String("fanout", cfg.Fanout.Backend), zap.String("storage", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, log.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg.Storage, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store close failed", zap.Error(err))
		}
	}()

	verifier, err := identity.NewJWTVerifier(identity.JWTConfig{
		Secret:  cfg.Auth.JWTSecret,
		JWKSURL: cfg.Auth.JWKSURL,
		Issuer:  cfg.Auth.Issuer,
	}, log.Named("auth"))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	defer verifier.Close()

	backend, err := newBackend(cfg.Fanout, log.Named("fanout"))
	if err != nil {
		return fmt.Errorf("fanout backend: %w", err)
	}

	rooms := hub.NewRooms(m)
	conns := hub.NewConnections(rooms, log.Named("hub"), m)
	bus := fanout.NewBus(rooms, backend, fanout.Config{
		NodeID:            cfg.Fanout.NodeID,
		QueueSize:         cfg.Fanout.QueueSize,
		ReconnectInterval: cfg.Fanout.ReconnectInterval.Std(),
	}, log.Named("fanout"), m)

	bus.Start(ctx)
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("fanout close failed", zap.Error(err))
		}
	}()

	threads := conversation.New(st, log.Named("conversation"), m)
	srv := server.New(*cfg, server.Deps{
		Connections: conns,
		Presence:    presence.New(bus, log.Named("presence"), m),
		Publisher:   bus,
		Bus:         bus,
		Dispatcher:  message.NewDispatcher(st, threads, bus, log.Named("message")),
		Threads:     threads,
		Store:       st,
		Verifier:    verifier,
		Metrics:     m,
		Gatherer:    reg,
		Log:         log,
	})
	srv.Start()

	httpServer := server.CreateServer(cfg.Server, srv.Routes())
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout.Std()
	if err := server.ShutdownServer(httpServer, timeout, log); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(timeout); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
	log.Info("orbit server stopped")
	return nil
}
