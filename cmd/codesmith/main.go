package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/config"
	"github.com/edoblanco/codesmith/internal/httpapi"
	"github.com/edoblanco/codesmith/internal/observability"
	"github.com/edoblanco/codesmith/internal/pipeline"
	"github.com/edoblanco/codesmith/internal/protocol"
	"github.com/edoblanco/codesmith/internal/realtime"
	"github.com/edoblanco/codesmith/internal/synth"
	"github.com/edoblanco/codesmith/internal/tasks"
	"github.com/edoblanco/codesmith/internal/verify"
)

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer store.Close()

	persistence := tasks.NewPersistence(store, tasks.PersistenceConfig{
		BaseDelay:         cfg.RetryBaseDelay,
		SaveMaxAttempts:   cfg.SaveMaxAttempts,
		DeleteMaxAttempts: cfg.DeleteMaxAttempts,
	}, logger)
	persistence.SetRetryObserver(metrics.ObserveRetry)

	ledger := tasks.NewDedupLedger(cfg.DedupTTL)

	hub := realtime.NewHub(realtime.Config{
		DebounceWindow: cfg.EventDebounceWindow,
		DedupWindow:    cfg.EventDedupWindow,
		RateWindow:     cfg.ConnRateWindow,
		RateLimit:      cfg.ConnRateLimit,
	}, metrics, logger)

	var runner verify.Runner
	cmdRunner := verify.NewCommandRunner(cfg.VerifyRunnerCmd, cfg.VerifyTimeout, cfg.VerifyMaxAttempt, logger)
	if cmdRunner.Available() {
		runner = cmdRunner
		logger.Info().Str("command", cfg.VerifyRunnerCmd).Msg("verify runner: command")
	} else {
		runner = verify.NewMockRunner()
		logger.Info().Str("command", cfg.VerifyRunnerCmd).Msg("verify runner: mock (command not found on PATH)")
	}

	controller := pipeline.NewController(pipeline.Config{
		StagingRoot:      cfg.StagingRoot,
		ApplyRoot:        cfg.ApplyRoot,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		ApplyMaxAttempts: cfg.SaveMaxAttempts,
	}, persistence, ledger, synth.NewKeywordParser(), synth.NewTemplateGenerator(), runner, hub, metrics, logger)

	// Client-originated events are logged and kept in the activity log.
	hub.SetInboundHandler(func(clientID string, msg any) {
		switch m := msg.(type) {
		case protocol.Feedback:
			logger.Info().Str("client_id", clientID).Str("color", m.Color).Str("message", m.Message).Msg("client feedback")
			persistence.AppendLog(ctx, tasks.LogEntry{
				ID:        uuid.NewString(),
				Level:     "info",
				Message:   "feedback: " + m.Message,
				CreatedAt: time.Now().UTC(),
			})
		case protocol.ClientError:
			logger.Warn().Str("client_id", clientID).Str("context", m.Context).Str("message", m.Message).Msg("client error report")
			persistence.AppendLog(ctx, tasks.LogEntry{
				ID:        uuid.NewString(),
				Level:     "error",
				Message:   "client error: " + m.Message,
				CreatedAt: time.Now().UTC(),
			})
		}
	})

	api := httpapi.New(cfg, controller, hub, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	// Let in-flight background processing land before the store closes.
	controller.Close()
	logger.Info().Msg("shutdown complete")
}
