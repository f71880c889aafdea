package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/events"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/transport"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, tracking endpoints and due-work scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	secret := os.Getenv(cfg.Auth.SecretEnv)
	if secret == "" {
		return fmt.Errorf("auth: %s environment variable not set", cfg.Auth.SecretEnv)
	}
	webhookToken := os.Getenv(cfg.Tracking.WebhookTokenEnv)
	if webhookToken == "" {
		logger.Warn("webhook token not configured, engagement webhooks will be rejected",
			zap.String("env", cfg.Tracking.WebhookTokenEnv))
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Step 1: telemetry.
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// Step 2: engine and its collaborators.
	a, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	defer a.close()
	if err != nil {
		return err
	}

	// Step 3: file-based definitions.
	seeded, err := seedDefinitions(ctx, a)
	if err != nil {
		return fmt.Errorf("definitions: %w", err)
	}

	// Step 4: background work.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Scanner.Enabled {
		go runScanner(bgCtx, a.engine, cfg.Scanner.Interval, a.scans, logger)
	}
	if a.events != nil {
		consumer, err := events.NewTriggerConsumer(bgCtx, a.events.Stream(), a.engine, events.ConsumerConfig{
			Name:          cfg.Events.ConsumerName,
			FilterSubject: cfg.Events.TriggerSubject,
			AckWait:       cfg.Events.AckWait,
			MaxDeliver:    cfg.Events.MaxDeliver,
		}, logger, a.metrics)
		if err != nil {
			return fmt.Errorf("trigger consumer: %w", err)
		}
		go func() {
			if err := consumer.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger consumer stopped", zap.Error(err))
			}
		}()
	}

	// Step 5: HTTP server.
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       a.engine,
		Leads:        a.leads,
		Authenticate: transport.JWTAuthenticator(cfg.Auth, []byte(secret)),
		WebhookToken: webhookToken,
		Logger:       logger,
		Metrics:      a.metrics,
		Readiness:    a.readiness(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions_seeded", seeded),
		zap.Bool("scanner", cfg.Scanner.Enabled),
		zap.Bool("events", cfg.Events.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown: drain requests, stop background work, flush traces.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// runScanner executes a due-work scan every interval until ctx ends, beating
// hb after each completed pass. Scans never overlap within a process; across
// replicas the dispatch claim keeps execution exactly-once.
func runScanner(ctx context.Context, engine *workflow.Engine, interval time.Duration, hb *observability.Heartbeat, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := engine.RunDueScan(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("due-work scan failed", zap.Error(err))
				continue
			}
			if hb != nil {
				hb.Beat()
			}
			if report.Scanned > 0 {
				logger.Info("due-work scan finished",
					zap.Int("scanned", report.Scanned),
					zap.Int("dispatched", report.Dispatched),
					zap.Int("skipped", report.Skipped),
					zap.Int("awaiting_hitl", report.AwaitingHITL),
					zap.Int("completed", report.Completed),
					zap.Int("failed", report.Failed),
					zap.Int("conflicts", report.Conflicts),
					zap.Int("errors", report.Errors),
				)
			}
		}
	}
}
