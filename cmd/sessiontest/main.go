// sessiontest connects to the classification service and streams broadcast
// events to the console. With -submit it also submits a prediction payload
// and waits for its outcome.
// Usage: go run ./cmd/sessiontest --config configs/watcher.local.yaml -submit payload.json
//
// The bearer token can also come from the PROCTOR_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mgleason/proctor-stream/internal/api"
	"github.com/mgleason/proctor-stream/internal/auth"
	"github.com/mgleason/proctor-stream/internal/config"
	"github.com/mgleason/proctor-stream/internal/predict"
	"github.com/mgleason/proctor-stream/internal/router"
	"github.com/mgleason/proctor-stream/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/watcher.example.yaml", "path to config file")
	submitPath := flag.String("submit", "", "path to a JSON payload to submit as a prediction")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	creds, err := auth.LoadCredentials(cfg.Service.Token, cfg.Service.TokenFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	apiClient := api.NewClient(
		cfg.Service.Endpoint,
		creds.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Service.Timeout),
	)

	// Router with a catch-all console printer
	rtr := router.New(logger)
	rtr.Subscribe("", func(event string, data json.RawMessage, seq int64) {
		if *verbose {
			logger.Info("event", "event", event, "seq", seq, "data", string(data))
		} else {
			logger.Info("event", "event", event, "seq", seq)
		}
	})

	sess := session.New(session.Config{
		Endpoint:           cfg.Service.Endpoint,
		Token:              creds.Token,
		PingInterval:       cfg.Session.PingInterval,
		WriteTimeout:       cfg.Session.WriteTimeout,
		HandshakeTimeout:   cfg.Session.HandshakeTimeout,
		ReconnectBaseDelay: cfg.Session.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Session.ReconnectMaxDelay,
		ReconnectThreshold: cfg.Session.ReconnectThreshold,
	}, rtr, logger)

	sess.OnReconnect(func() {
		logger.Info("reconnected", "resume_seq", rtr.ResumeSeq())
	})

	logger.Info("opening session", "endpoint", cfg.Service.Endpoint)
	if err := sess.Open(ctx); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	tracker := predict.New(predict.Config{
		PollInterval: cfg.Predict.PollInterval,
	}, rtr, apiClient, sess.Done(), logger)
	defer tracker.Close()

	// Submit a prediction and wait for its outcome
	if *submitPath != "" {
		payload, err := os.ReadFile(*submitPath)
		if err != nil {
			logger.Error("failed to read payload", "error", err)
			os.Exit(1)
		}

		var body any
		if err := json.Unmarshal(payload, &body); err != nil {
			logger.Error("payload is not valid JSON", "error", err)
			os.Exit(1)
		}

		id, err := apiClient.SubmitPrediction(ctx, body)
		if err != nil {
			logger.Error("submit failed", "error", err)
			os.Exit(1)
		}
		logger.Info("prediction submitted", "prediction_id", id)

		go func() {
			result, err := tracker.Wait(ctx, id, cfg.Predict.WaitTimeout)
			if err != nil {
				logger.Error("prediction wait failed", "prediction_id", id, "error", err)
				cancel()
				return
			}
			logger.Info("prediction settled", "prediction_id", id, "result", string(result))
			cancel()
		}()
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := sess.Stats()
				routerStats := rtr.Stats()
				logger.Info("stats",
					"state", stats.State.String(),
					"epoch", stats.Epoch,
					"last_seq", stats.LastSeq,
					"resume_seq", rtr.ResumeSeq(),
					"events", routerStats.Events,
					"replies", routerStats.Replies,
					"outstanding_waits", tracker.Outstanding(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutdown complete")
}
