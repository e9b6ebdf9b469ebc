package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/beatnyk77/vibepe/internal/app"
	"github.com/beatnyk77/vibepe/internal/config"
	"github.com/beatnyk77/vibepe/internal/observability"
	"github.com/beatnyk77/vibepe/internal/store"
	"github.com/beatnyk77/vibepe/pkg/cashfree"
	"github.com/beatnyk77/vibepe/pkg/rabbitmq"
	"github.com/beatnyk77/vibepe/pkg/wise"
)

// runtime is the wired service graph shared by every command.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	repo    *store.PostgresRepository
	metrics *observability.Metrics
	jobs    *app.Jobs

	closers []func()
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	rt.pool = pool
	rt.closers = append(rt.closers, pool.Close)
	logger.Info("database connection established")

	rt.repo = store.NewPostgresRepository(pool)
	rt.metrics = observability.NewMetrics()

	guard, err := rt.runGuard(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	apportionment, err := app.ParseApportionment(cfg.FeeApportionment)
	if err != nil {
		rt.Close()
		return nil, err
	}
	policy := app.FeePolicy{
		FeeRate:          cfg.FeeRate,
		HomeRiskCurrency: cfg.HomeRiskCurrency,
		BetaCap:          cfg.BetaCap,
		Apportionment:    apportionment,
	}

	router := app.NewRouter(routingTable(cfg), rt.adapters(), app.RetryPolicy{
		MaxAttempts: cfg.ProviderMaxAttempts,
		BaseDelay:   cfg.ProviderRetryBaseDelay,
		MaxDelay:    cfg.ProviderRetryMaxDelay,
		CallTimeout: cfg.ProviderCallTimeout,
	}, logger, rt.metrics)

	notifier := rt.notifier()
	engine := app.NewEngine(
		app.NewSelector(rt.repo, cfg.PayoutAgeThreshold, cfg.PayoutBatchLimit),
		policy,
		router,
		app.NewRecorder(rt.repo, policy),
		notifier,
		logger,
		rt.metrics,
		app.EngineConfig{
			Workers:       cfg.PayoutWorkers,
			NotifyTimeout: cfg.NotifyTimeout,
			Narration:     cfg.PayoutNarration,
		},
	)
	reconciler := app.NewReconciler(rt.repo, router, policy, notifier, logger, rt.metrics, app.ReconcilerConfig{
		StuckAfter:    cfg.ReconcileAfter,
		Limit:         cfg.ReconcileLimit,
		LookupTimeout: cfg.ProviderCallTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	rt.jobs = app.NewJobs(engine, reconciler, guard, logger, cfg.RequeueFailedAfter)
	return rt, nil
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) runGuard(ctx context.Context) (app.RunGuard, error) {
	if rt.cfg.RedisURL == "" {
		rt.logger.Warn("REDIS_URL not set; run exclusion is limited to this process")
		return app.NewLocalRunGuard(), nil
	}
	opts, err := redis.ParseURL(rt.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	rt.closers = append(rt.closers, func() { client.Close() })
	rt.logger.Info("redis connection established")
	return app.NewRedisRunLock(client, rt.cfg.RunLockKey, rt.cfg.RunLockTTL, rt.logger), nil
}

func (rt *runtime) notifier() app.Notifier {
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: rt.logger}
	if rt.cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(rt.cfg.RabbitMQURL, rt.logger); err == nil {
			publisher = producer
			rt.closers = append(rt.closers, producer.Close)
		} else {
			rt.logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}
	return app.NewEventNotifier(publisher, rt.cfg.NotifyExchange, rt.cfg.NotifyRoutingKey)
}

// adapters builds one adapter per rail whose provider is configured. A rail
// without credentials has no adapter and its groups report an error.
func (rt *runtime) adapters() map[app.Rail]app.Adapter {
	cfg := rt.cfg
	adapters := make(map[app.Rail]app.Adapter)

	if cfg.CashfreeClientID != "" && cfg.CashfreeClientSecret != "" {
		client := cashfree.NewClient(cfg.CashfreeBaseURL, cfg.CashfreeClientID, cfg.CashfreeClientSecret)
		adapters[app.RailDomestic] = app.NewDomesticRailAdapter(client, cfg.CashfreeTransferMode)
	} else {
		rt.logger.Warn("cashfree credentials not set; domestic rail disabled")
	}

	if cfg.WiseAPIKey != "" && cfg.WiseProfileID != "" {
		client := wise.NewClient(cfg.WiseBaseURL, cfg.WiseAPIKey, cfg.WiseProfileID)
		adapters[app.RailCrossBorder] = app.NewCrossBorderRailAdapter(client, client, cfg.CrossBorderTargetCurrency, cfg.ConversionFeeRate)
	} else {
		rt.logger.Warn("wise credentials not set; cross-border rail disabled")
	}
	return adapters
}

func routingTable(cfg *config.Config) app.RoutingTable {
	table := app.RoutingTable{Default: app.RailCrossBorder, ByCurrency: make(map[string]app.Rail)}
	for _, code := range cfg.DomesticCurrencyList() {
		table.ByCurrency[strings.ToUpper(code)] = app.RailDomestic
	}
	return table
}
