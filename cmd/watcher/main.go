// watcher is the long-running daemon: it holds a session to the
// classification service, journals broadcast events to PostgreSQL, and
// exposes a local health endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/mgleason/proctor-stream/internal/api"
	"github.com/mgleason/proctor-stream/internal/auth"
	"github.com/mgleason/proctor-stream/internal/config"
	"github.com/mgleason/proctor-stream/internal/database"
	"github.com/mgleason/proctor-stream/internal/journal"
	"github.com/mgleason/proctor-stream/internal/router"
	"github.com/mgleason/proctor-stream/internal/session"
	"github.com/mgleason/proctor-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/watcher.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting watcher",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"endpoint", cfg.Service.Endpoint,
		"journal_enabled", cfg.Journal.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load bearer credential
	creds, err := auth.LoadCredentials(cfg.Service.Token, cfg.Service.TokenFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	// Create API client
	apiClient := api.NewClient(
		cfg.Service.Endpoint,
		creds.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Service.Timeout),
		api.WithRetries(cfg.Service.MaxRetries, cfg.Service.RetryBackoff),
	)

	// Check service status
	logger.Info("checking service status")
	status, err := apiClient.GetServiceStatus(ctx)
	if err != nil {
		logger.Error("failed to get service status", "error", err)
		os.Exit(1)
	}
	logger.Info("service status",
		"healthy", status.Healthy,
		"service_version", status.Version,
	)

	// Router and session
	rtr := router.New(logger)

	sessCfg := session.Config{
		Endpoint:           cfg.Service.Endpoint,
		Token:              creds.Token,
		PingInterval:       cfg.Session.PingInterval,
		WriteTimeout:       cfg.Session.WriteTimeout,
		HandshakeTimeout:   cfg.Session.HandshakeTimeout,
		ReconnectBaseDelay: cfg.Session.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Session.ReconnectMaxDelay,
		ReconnectThreshold: cfg.Session.ReconnectThreshold,
	}
	sess := session.New(sessCfg, rtr, logger)

	sess.OnConnect(func() {
		logger.Info("session connected", "connection_id", sess.ConnectionID())
	})
	sess.OnReconnect(func() {
		logger.Info("session reconnected", "resume_seq", rtr.ResumeSeq())
	})
	sess.OnClose(func(failures int) {
		logger.Warn("session connection lost", "failures", failures)
	})
	sess.OnError(func(err error) {
		logger.Error("session error", "error", err)
	})

	// Optional event journal
	var pool *pgxpool.Pool
	var jw *journal.Writer
	if cfg.Journal.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jw = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, sess.ConnectionID(), pool, logger)

		rtr.Subscribe("", jw.Handler())
		if err := jw.Start(ctx); err != nil {
			logger.Error("failed to start journal writer", "error", err)
			os.Exit(1)
		}
	}

	// Open the session
	if err := sess.Open(ctx); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, sess, rtr, jw, pool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	// Periodic stats
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := sess.Stats()
				routerStats := rtr.Stats()
				args := []any{
					"state", stats.State.String(),
					"epoch", stats.Epoch,
					"last_seq", stats.LastSeq,
					"resume_seq", rtr.ResumeSeq(),
					"events", routerStats.Events,
					"replies", routerStats.Replies,
					"dropped", routerStats.Dropped,
				}
				if jw != nil {
					jm := jw.Stats()
					args = append(args,
						"journal_inserts", jm.Inserts,
						"journal_duplicates", jm.Duplicates,
						"journal_errors", jm.Errors,
					)
				}
				logger.Info("stats", args...)
			}
		}
	}()

	logger.Info("watcher running",
		"instance_id", cfg.Instance.ID,
		"connection_id", sess.ConnectionID(),
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	if err := sess.Close(); err != nil {
		logger.Warn("session close", "error", err)
	}
	if jw != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		jw.Stop(stopCtx)
		stopCancel()
	}
	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("watcher stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(path string, sess *session.Session, rtr *router.Router, jw *journal.Writer, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := sess.Stats()
		health.Components["session"] = map[string]any{
			"state":         stats.State.String(),
			"connection_id": sess.ConnectionID(),
			"epoch":         stats.Epoch,
			"failures":      stats.Failures,
			"resume_seq":    rtr.ResumeSeq(),
		}
		if stats.State != session.StateOpen {
			health.Status = "degraded"
		}

		routerStats := rtr.Stats()
		health.Components["router"] = map[string]any{
			"events":       routerStats.Events,
			"replies":      routerStats.Replies,
			"dropped":      routerStats.Dropped,
			"parse_errors": routerStats.ParseErrors,
			"pending":      routerStats.Pending,
			"subscribers":  routerStats.Subscribers,
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}
		if jw != nil {
			jm := jw.Stats()
			spool := jw.SpoolStats()
			health.Components["journal"] = map[string]any{
				"inserts":     jm.Inserts,
				"duplicates":  jm.Duplicates,
				"errors":      jm.Errors,
				"flushes":     jm.Flushes,
				"spool_depth": spool.Depth,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
