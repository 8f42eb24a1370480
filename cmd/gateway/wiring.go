package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-gateway/internal/adapter"
	"github.com/LeventeLantos/messaging-gateway/internal/api"
	"github.com/LeventeLantos/messaging-gateway/internal/backoff"
	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/client"
	"github.com/LeventeLantos/messaging-gateway/internal/config"
	"github.com/LeventeLantos/messaging-gateway/internal/credit"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/ingest"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/pairing"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/scheduler"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
	"github.com/LeventeLantos/messaging-gateway/internal/session"
	"github.com/LeventeLantos/messaging-gateway/internal/supervisor"
)

const pingTimeout = 5 * time.Second

// store is everything the gateway reads and writes durably.
type store interface {
	repo.Store
	repo.TemplateStore
}

type app struct {
	store      store
	supervisor *supervisor.Supervisor
	jobs       *scheduler.Group
	handler    *api.Handler

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := repo.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func newPublisher(cfg config.EventsConfig, rdb *redis.Client, logger *slog.Logger) (events.Publisher, func(), error) {
	switch cfg.Sink {
	case config.EventsSinkRedis:
		return events.NewRedisPublisher(rdb, cfg.TopicPrefix), func() {}, nil
	case config.EventsSinkMQTT:
		p, err := events.NewMQTTPublisher(events.MQTTOptions{
			BrokerURL:   cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.TopicPrefix,
			QoS:         1,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return events.NewLogPublisher(logger), func() {}, nil
	}
}

// build wires every component from cfg. The caller owns a.close.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var meter credit.Meter
	switch cfg.Database.Driver {
	case config.StoreDriverPostgres:
		db, err := openPostgres(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := migrate(ctx, db); err != nil {
			return a, err
		}
		a.store = repo.NewPostgresStore(db)
		meter = credit.NewPostgresMeter(db)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		a.store = repo.NewMemoryStore()
		meter = credit.NewMemoryMeter(cfg.Credit.DefaultBalance)
	}

	var (
		rdb          *redis.Client
		msgCache     cache.MessageCache = cache.Noop{}
		pairingStore pairing.Store      = pairing.NewMemoryStore()
	)
	if cfg.Redis.Enabled {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		msgCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		pairingStore = cache.NewRedisPairingStore(rdb)
	}

	sink, closeSink, err := newPublisher(cfg.Events, rdb, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, closeSink)
	publisher := events.NewInstrumented(sink, m)

	pairingMgr := pairing.NewManager(pairingStore,
		pairing.WithTTL(cfg.Pairing.TTL),
		pairing.WithQRSize(cfg.Pairing.QRSize),
		pairing.WithLogger(logger),
	)

	container, err := session.OpenStore(ctx, cfg.Session.StorePath, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() { _ = container.Close() })

	normalizer := ingest.NewNormalizer(a.store, msgCache, publisher, m, logger)

	policy := backoff.DefaultPolicy()
	policy.Base = cfg.Supervisor.ReconnectBase
	policy.Max = cfg.Supervisor.ReconnectMax
	policy.MaxAttempts = cfg.Supervisor.ReconnectMaxAttempts

	a.supervisor = supervisor.New(
		session.NewWhatsmeowFactory(container, logger),
		a.store, pairingMgr, normalizer, publisher,
		supervisor.Options{Policy: policy, Metrics: m, Logger: logger},
	)

	selector := adapter.NewSelector(
		adapter.NewSessionAdapter(a.supervisor, a.store),
		adapter.NewCloudAdapter(client.NewCloudClient(cfg.Cloud.BaseURL, cfg.Cloud.APIVersion, cfg.Cloud.Timeout)),
	)

	reconcile, err := scheduler.New(cfg.Scheduler.ReconcileInterval,
		credit.NewReconciler(a.store, meter, cfg.Scheduler.ReconcileBatch, m, logger).Tick,
		scheduler.WithName("credit-reconcile"), scheduler.WithLogger(logger))
	if err != nil {
		return a, err
	}
	sweep, err := scheduler.New(cfg.Scheduler.SweepInterval, pairingMgr.Sweep,
		scheduler.WithName("pairing-sweep"), scheduler.WithLogger(logger))
	if err != nil {
		return a, err
	}
	a.jobs = scheduler.NewGroup(reconcile, sweep)

	a.handler = api.NewHandler(api.Deps{
		Devices:       service.NewDevices(a.store, a.supervisor, pairingMgr, selector, logger),
		Messages:      service.NewRouter(a.store, a.store, meter, selector, normalizer, m, logger),
		Conversations: service.NewConversations(a.store, a.store),
		Webhooks:      normalizer,
		Jobs:          a.jobs,
		Metrics:       m,
		Gatherer:      reg,
		VerifyToken:   cfg.Cloud.VerifyToken,
		AppSecret:     cfg.Cloud.AppSecret,
		Logger:        logger,
	})
	if cfg.Cloud.VerifyToken == "" {
		logger.Warn("CLOUD_WEBHOOK_VERIFY_TOKEN is empty; webhook verification will be refused")
	}
	return a, nil
}

// restore reconnects every session device that was paired before the last
// shutdown.
func (a *app) restore(ctx context.Context) error {
	devices, err := a.store.ListSessionDevices(ctx)
	if err != nil {
		return fmt.Errorf("list session devices: %w", err)
	}
	a.supervisor.Restore(ctx, devices)
	return nil
}
