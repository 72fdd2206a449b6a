// Command fabricd runs the trust fabric: event bus, resilient dispatch,
// trust equity ledger, workflow orchestrator, scheduler, and the ops HTTP
// server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/veritasec/trustfabric/internal/config"
	"github.com/veritasec/trustfabric/internal/httpapi"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
	"github.com/veritasec/trustfabric/services/scheduler"
	trustsvc "github.com/veritasec/trustfabric/services/trust"
	"github.com/veritasec/trustfabric/system/events"
	"github.com/veritasec/trustfabric/system/workflow"
)

func main() {
	cfg := config.Load()
	log := logger.New("fabricd", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	m := metrics.New()
	ctx := context.Background()

	var redisClient redis.UniversalClient
	needsRedis := cfg.Persistence.Backend == config.BackendRedis || cfg.Transport.Backend == config.BackendRedis
	if needsRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Persistence.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis unreachable")
		}
	}

	// Event store (C2)
	var store events.EventStore
	if cfg.Persistence.Enabled {
		switch cfg.Persistence.Backend {
		case config.BackendRedis:
			store = events.NewRedisStore(events.RedisStoreConfig{
				Client:     redisClient,
				DefaultTTL: cfg.Persistence.TTL,
				MaxEvents:  cfg.Persistence.MaxEvents,
			})
		case config.BackendPostgres:
			db, err := sqlx.Connect("postgres", cfg.Persistence.PostgresDSN)
			if err != nil {
				log.WithError(err).Fatal("postgres unreachable")
			}
			pgStore := events.NewPostgresStore(db, cfg.Persistence.TTL)
			if err := pgStore.EnsureSchema(ctx); err != nil {
				log.WithError(err).Fatal("postgres schema setup failed")
			}
			store = pgStore
		default:
			store = events.NewMemoryStore(events.MemoryStoreConfig{
				MaxEvents:  cfg.Persistence.MaxEvents,
				DefaultTTL: cfg.Persistence.TTL,
			})
		}
	}

	// Transport (C3)
	var transport events.Transport
	if cfg.Transport.Backend == config.BackendRedis {
		transport = events.NewRedisTransport(events.RedisTransportConfig{
			Client: redisClient,
			Logger: logger.New("transport", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		})
	} else {
		transport = events.NewMemoryTransport(logger.New("transport", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}))
	}

	// Dispatch (C6 wrapping the direct registry)
	direct := events.NewDirectDispatcher(log)
	resilient := events.NewResilientDispatcher(events.ResilientConfig{
		Next:               direct,
		Logger:             logger.New("resilience", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		Metrics:            m,
		BreakerThreshold:   cfg.Resilience.BreakerThreshold,
		BreakerOpenTimeout: cfg.Resilience.BreakerOpenTimeout,
		MaxRetryAttempts:   cfg.Resilience.MaxRetryAttempts,
		RetryDelay:         cfg.Resilience.RetryDelay,
		DispatchTimeout:    cfg.Resilience.DispatchTimeout,
		CacheEnabled:       cfg.Cache.Enabled,
		CacheSize:          cfg.Cache.Size,
		CacheTTL:           cfg.Cache.TTL,
		BatchWindow:        cfg.Resilience.BatchWindow,
		BatchMaxItems:      cfg.Resilience.BatchMaxItems,
	})

	// Core bus (C5)
	bus, err := events.NewBus(events.BusConfig{
		Store:          store,
		Transport:      transport,
		Router:         events.NewRouter(events.DefaultRules()),
		Dispatcher:     resilient,
		Logger:         logger.New("bus", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		Metrics:        m,
		PersistTTL:     cfg.Persistence.TTL,
		BatchSize:      cfg.Batch.Size,
		FlushInterval:  cfg.Batch.FlushInterval,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		QueueCapacity:  cfg.Batch.QueueCapacity,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		ShutdownGrace:  cfg.Dispatch.ShutdownGrace,
	})
	if err != nil {
		log.WithError(err).Fatal("bus setup failed")
	}
	if err := bus.Start(); err != nil {
		log.WithError(err).Fatal("bus start failed")
	}

	// Trust equity ledger (C7)
	ledger := trustsvc.New(trustsvc.Config{
		Logger:         logger.New("trust-ledger", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		Metrics:        m,
		Bus:            bus,
		TierThresholds: cfg.Trust.TierThresholds,
		ScoreWindow:    cfg.Trust.ScoreWindow,
		ScoreCap:       cfg.Trust.ScoreCap,
		Evidence:       bus.Seen,
	})
	if _, err := ledger.Attach(bus); err != nil {
		log.WithError(err).Fatal("ledger subscription failed")
	}

	// Workflow orchestrator (C8)
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Bus:                bus,
		Logger:             logger.New("orchestrator", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		Metrics:            m,
		DefaultStepTimeout: cfg.Resilience.DispatchTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("orchestrator setup failed")
	}

	// Scheduled workflows
	sched, err := scheduler.New(scheduler.Config{
		Runner: engine,
		Logger: logger.New("scheduler", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
	})
	if err != nil {
		log.WithError(err).Fatal("scheduler setup failed")
	}
	if expr := config.GetEnv("TF_TRUST_SCORE_CRON", ""); expr != "" {
		if err := sched.Add(scheduler.Schedule{
			Name: "trust-score-generation",
			Cron: expr,
			Kind: workflow.KindTrustScoreGeneration,
			Context: map[string]any{
				"entity_id": events.SystemEntityID,
				"period":    "daily",
				"scope":     map[string]any{"shareable_url": false},
			},
		}); err != nil {
			log.WithError(err).Fatal("trust score schedule invalid")
		}
	}
	sched.Start()

	// Ops HTTP surface
	server := httpapi.New(httpapi.Config{
		ListenAddr:   cfg.HTTP.ListenAddr,
		Logger:       logger.New("httpapi", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		Metrics:      m,
		Bus:          bus,
		Ledger:       ledger,
		Orchestrator: engine,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Error("ops server failed")
		}
	}()

	log.Info("trust fabric running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	sched.Stop()
	engine.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Dispatch.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ops server shutdown failed")
	}
	if err := bus.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("bus shutdown failed")
	}
	resilient.Close()
	if store != nil {
		store.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Info("trust fabric stopped")
}
