package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/definition"
	"github.com/soshogle/nexrel-crm-sub028/internal/events"
	"github.com/soshogle/nexrel-crm-sub028/internal/idempotency"
	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/schema"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	store    workflow.Store
	leads    lead.Store
	dedupe   idempotency.Store
	events   *events.Client
	handlers *channel.HandlerRegistry
	engine   *workflow.Engine
	scans    *observability.Heartbeat
	closers  []func()
}

// buildApp wires stores, channels, events and the engine from cfg. The
// caller must call close, also when an error is returned.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.InitMetrics(reg),
	}
	if cfg.Scanner.Enabled {
		// Three missed ticks before /readyz reports the scanner stuck.
		a.scans = observability.NewHeartbeat(3 * cfg.Scanner.Interval)
	}

	// Stores.
	store, leads, closeStores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		return a, err
	}
	a.store, a.leads = store, leads
	a.onClose(closeStores)

	dedupe, closeDedupe, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return a, err
	}
	a.dedupe = dedupe
	a.onClose(closeDedupe)

	// Channels and custom handlers.
	a.handlers = channel.NewHandlerRegistry()
	registerLeadHandlers(a.handlers, leads)
	router := buildChannelRouter(cfg.Channels, a.handlers, logger, a.metrics)

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(a.metrics),
		workflow.WithValidator(definition.NewValidator(a.handlers.Names()...)),
		workflow.WithBatchSize(cfg.Scanner.BatchSize),
		workflow.WithDispatchLease(cfg.Scanner.DispatchLease),
		workflow.WithDeduper(dedupe, cfg.Tracking.DedupeTTL),
	}
	if tracker := buildTracker(cfg.Tracking, logger); tracker != nil {
		opts = append(opts, workflow.WithTracker(tracker))
	}

	// Lifecycle events.
	if cfg.Events.Enabled {
		client, err := events.Connect(ctx, cfg.Events, logger)
		if err != nil {
			return a, err
		}
		a.events = client
		a.onClose(func() {
			if err := client.Close(); err != nil {
				logger.Warn("nats close failed", zap.Error(err))
			}
		})
		opts = append(opts, workflow.WithPublisher(events.NewPublisher(client.JetStream(), cfg.Events.EventPrefix)))
	}

	a.engine = workflow.NewEngine(store, leads, router, opts...)
	return a, nil
}

// buildTracker returns nil when tracking links are not configured. Click
// links are signed, so a base URL without a link secret disables tracking.
func buildTracker(cfg config.TrackingConfig, logger *zap.Logger) *channel.Tracker {
	if cfg.BaseURL == "" {
		return nil
	}
	tracker, err := channel.NewTracker(cfg.BaseURL, []byte(os.Getenv(cfg.LinkSecretEnv)))
	if err != nil {
		logger.Warn("link secret not configured, open and click tracking disabled",
			zap.String("env", cfg.LinkSecretEnv))
		return nil
	}
	return tracker
}

func (a *app) onClose(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// readiness returns the checks reported on /readyz.
func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		Store:       a.store,
		Idempotency: a.dedupe,
	}
	if a.events != nil {
		checks.Events = a.events
	}
	if a.scans != nil {
		checks.Scanner = a.scans
	}
	return checks
}

// openPool connects to PostgreSQL using the DSN from the configured
// environment variable.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// buildStores creates the engine and lead stores. Both share one driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, lead.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return workflow.NewMemoryStore(), lead.NewMemoryStore(), nil, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.AutoMigrate {
			applied, err := schema.Apply(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
			logger.Info("schema up to date", zap.Strings("applied", applied))
		}
		return workflow.NewPgStore(pool), lead.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the engagement de-duplication store.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		store := idempotency.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB}))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// buildChannelRouter picks a transport per channel. A disabled channel is
// left nil so its steps fail as malformed instead of silently succeeding.
func buildChannelRouter(cfg config.ChannelsConfig, handlers *channel.HandlerRegistry, logger *zap.Logger, metrics *observability.Metrics) *channel.Router {
	logTransport := channel.NewLogTransport(logger)

	var (
		email channel.EmailSender
		sms   channel.SMSSender
		voice channel.CallPlacer
	)
	if p := provider("email", cfg.Email, logger, metrics); p != nil {
		email = p
	} else if cfg.Email.Driver == "log" {
		email = logTransport
	}
	if p := provider("sms", cfg.SMS, logger, metrics); p != nil {
		sms = p
	} else if cfg.SMS.Driver == "log" {
		sms = logTransport
	}
	if p := provider("voice", cfg.Voice, logger, metrics); p != nil {
		voice = p
	} else if cfg.Voice.Driver == "log" {
		voice = logTransport
	}
	return channel.NewRouter(email, sms, voice, handlers)
}

// provider returns an HTTP provider for the http driver, nil otherwise.
func provider(name string, cfg config.ChannelConfig, logger *zap.Logger, metrics *observability.Metrics) *channel.HTTPProvider {
	if cfg.Driver != "http" {
		return nil
	}
	return channel.NewHTTPProvider(name, cfg, os.Getenv(cfg.APIKeyEnv), logger, metrics)
}

// seedDefinitions loads definition files and stores any the tenant does not
// already have. Files never overwrite API edits; the stored copy wins.
func seedDefinitions(ctx context.Context, a *app) (int, error) {
	dirs := a.cfg.Definitions.Directories
	if len(dirs) == 0 {
		return 0, nil
	}

	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		a.metrics.RecordDefinitionLoad("error")
		return 0, err
	}

	seeded := 0
	var errs []error
	for _, def := range defs {
		logger := a.logger.With(
			zap.String("workflow_id", def.ID),
			zap.String("tenant_id", def.TenantID),
			zap.String("file", def.SourceFile),
			zap.String("checksum", def.Checksum),
		)
		active := def.Active
		def.Active = false

		created, err := a.engine.CreateWorkflow(ctx, def)
		switch {
		case model.CodeOf(err) == model.ErrConflict:
			a.metrics.RecordDefinitionLoad("exists")
			logger.Debug("definition already stored")
			continue
		case err != nil:
			a.metrics.RecordDefinitionLoad("error")
			errs = append(errs, fmt.Errorf("%s: %w", def.SourceFile, err))
			continue
		}
		if active {
			if _, err := a.engine.ActivateWorkflow(ctx, created.TenantID, created.ID); err != nil {
				errs = append(errs, fmt.Errorf("%s: activate: %w", def.SourceFile, err))
			}
		}
		a.metrics.RecordDefinitionLoad("seeded")
		logger.Info("definition seeded", zap.Bool("active", active))
		seeded++
	}
	a.metrics.SetDefinitionsLoaded(seeded)
	return seeded, errors.Join(errs...)
}
