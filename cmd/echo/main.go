// echo runs the Deep Tree Echo kernel client: one reconnecting streaming
// session, the frame dispatcher, the optional frame journal, a callback relay
// for outbound requests and a health/metrics server.
//
// Usage: go run ./cmd/echo --config configs/echo.yaml
//
// Without --config the endpoints come from ECHO_WS_URL, ECHO_API_URL and PORT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/deeptree/echo-kernel/internal/api"
	"github.com/deeptree/echo-kernel/internal/config"
	"github.com/deeptree/echo-kernel/internal/connection"
	"github.com/deeptree/echo-kernel/internal/database"
	"github.com/deeptree/echo-kernel/internal/dispatch"
	"github.com/deeptree/echo-kernel/internal/journal"
	"github.com/deeptree/echo-kernel/internal/metrics"
	"github.com/deeptree/echo-kernel/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (empty: defaults + environment)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("echo kernel failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.EchoConfig, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.LoadAndValidate(path)
}

// newLogger builds the process logger. Level and format are validated by config.
func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg *config.EchoConfig, logger *slog.Logger) error {
	logger.Info("starting echo kernel",
		"version", version.Version,
		"commit", version.Commit,
		"protocol", version.Protocol,
		"instance_id", cfg.Instance.ID,
	)
	logger.Info("configuration loaded",
		"ws_url", cfg.Echo.WSURL,
		"api_url", cfg.Echo.APIURL,
		"port", cfg.Echo.Port,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	// Frame journal
	var (
		pool   *pgxpool.Pool
		writer *journal.Writer
	)
	handlers := dispatch.Handlers{}

	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		var err error
		pool, err = database.Connect(ctx, db, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger.With("component", "journal"), m)

		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		handlers = writer.Handlers(handlers)
	}

	dispatcher := dispatch.NewDispatcher(handlers, logger.With("component", "dispatch"), dispatch.WithMetrics(m))

	mgr := connection.NewManager(connection.ManagerConfig{
		WSURL:              cfg.Echo.WSURL,
		MaxReconnects:      cfg.Session.MaxReconnects,
		ReconnectBaseDelay: cfg.Session.ReconnectBaseDelay,
		HandshakeTimeout:   cfg.Session.HandshakeTimeout,
		PingTimeout:        cfg.Session.PingTimeout,
		WriteTimeout:       cfg.Session.WriteTimeout,
		BufferSize:         cfg.Session.BufferSize,
	}, dispatcher, logger.With("component", "session"), connection.WithMetrics(m))

	apiClient := api.NewClient(cfg.Echo.APIURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithLogger(logger.With("component", "api")),
		api.WithMetrics(m),
	)

	var db pinger
	if pool != nil {
		db = pool
	}
	var journalStats statser
	if writer != nil {
		journalStats = writer
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(mgr, db, journalStats, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	relayServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Echo.Port),
		Handler:           newRelayHandler(apiClient, logger.With("component", "relay")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		return serve(healthServer)
	})
	g.Go(func() error {
		logger.Info("starting callback relay", "port", cfg.Echo.Port)
		return serve(relayServer)
	})

	g.Go(func() error {
		logger.Info("establishing echo session")
		if err := mgr.Connect(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("initial connect: %w", err)
		}

		logger.Info("echo kernel operational",
			"instance_id", cfg.Instance.ID,
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
		)

		select {
		case <-gctx.Done():
			return nil
		case <-mgr.Exhausted():
			return fmt.Errorf("echo session lost: %w", connection.ErrExhausted)
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		healthServer.Shutdown(shutdownCtx)
		relayServer.Shutdown(shutdownCtx)
		return nil
	})

	err := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopErr := mgr.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("echo session stop incomplete", "error", stopErr)
	}
	if writer != nil {
		if stopErr := writer.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("journal stop incomplete", "error", stopErr)
		}
	}

	if err != nil {
		return err
	}

	logger.Info("echo kernel stopped")
	return nil
}

// serve runs srv until Shutdown.
func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}
