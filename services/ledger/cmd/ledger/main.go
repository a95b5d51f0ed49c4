package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/health"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/httpmiddleware"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/kafka"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/logging"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/metrics"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/trace"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/config"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/consumer"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/events"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/handlers"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/rate"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/scheduler"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env, cfg.App.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ledgerMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	stores, closeStores, err := buildStores(cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	producer, err := buildProducer(cfg, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := events.NewPublisher(producer, events.Topics{
		Ledger:     cfg.Kafka.Topics.LedgerEvents,
		Governance: cfg.Kafka.Topics.GovernanceEvents,
	}, logging.Component(logger, "events"))

	svc := service.Assemble(stores, service.Options{
		Credit: credit.Config{
			DefaultTTL:      cfg.Credit.DefaultReservationTTL,
			MaxTTL:          cfg.Credit.MaxReservationTTL,
			ExpireBatchSize: cfg.Credit.ExpireBatchSize,
		},
		Governance: governance.Config{
			Cooldown:             cfg.Governance.Cooldown,
			RequiredApprovals:    cfg.Governance.RequiredApprovals,
			OverrideMinApprovers: cfg.Governance.OverrideMinApprovers,
		},
	}, publisher, ledgerMetrics, logger)
	ready.AddCheck("ledger_store", svc.Health)

	jobs := scheduler.New(logging.Component(logger, "scheduler"), ledgerMetrics)
	for _, job := range svc.Jobs(service.Schedules{
		Activation: cfg.Scheduler.ActivationSchedule,
		Expiry:     cfg.Scheduler.ExpirySchedule,
		Timeout:    cfg.Scheduler.JobTimeout,
	}) {
		if err := jobs.Register(job); err != nil {
			logger.Error("scheduler register failed", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}

	limiter, closeLimiter, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLimiter()
	}()

	router := buildRouter(cfg, ready, registry, logger)
	handlers.New(svc, logging.Component(logger, "http")).Register(router, []byte(cfg.JWTSecret),
		rate.Middleware(limiter, logger, ledgerMetrics))
	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled {
		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logging.Component(logger, "consumer"),
			kafka.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter),
			kafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
		)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumerGroup.Close()

		deposits := consumer.NewDepositConsumer(svc.Credit(), logging.Component(logger, "consumer"), ledgerMetrics)
		go func() {
			logger.Info("ledger consumer starting", "topic", cfg.Kafka.Topics.Deposits)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.Deposits}, deposits); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	jobs.Start()
	ready.SetReady(true)

	go func() {
		logger.Info("ledger grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, jobs, ready, consumerCancel, logger)
}

func buildStores(cfg *config.Config, logger *slog.Logger) (service.Stores, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage, balances are lost on restart")
		return service.NewMemoryStores(), func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return service.Stores{}, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := storage.Migrate(ctx, pool, logging.Component(logger, "migrate")); err != nil {
		pool.Close()
		return service.Stores{}, nil, err
	}

	storeLogger := logging.Component(logger, "storage")
	return service.Stores{
		Ledger:  storage.NewPostgresStore(pool, storeLogger, cfg.Storage.MaxTxAttempts),
		Revenue: storage.NewPostgresRuleStore(pool, storage.RevenueRuleTable, storeLogger),
		Config:  storage.NewPostgresRuleStore(pool, storage.SystemConfigTable, storeLogger),
	}, pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildProducer returns the event producer. With Kafka disabled events are
// logged and dropped.
func buildProducer(cfg *config.Config, logger *slog.Logger, kafkaMetrics *kafka.ProducerMetrics) (kafka.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return kafka.NopPublisher{Logger: logging.Component(logger, "events")}, nil
	}
	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		return nil, err
	}
	if cfg.Kafka.Topics.DeadLetter == "" {
		return producer, nil
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger), nil
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (rate.Limiter, func() error, error) {
	if cfg.RateLimit.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.Env == "dev" || cfg.App.Env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), func() error { return nil }, nil
			}
			return nil, nil, err
		}

		return rate.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.RateLimit.Redis.Prefix), client.Close, nil
	}

	if cfg.App.Env == "dev" || cfg.App.Env == "test" {
		return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("rate limiter redis not configured")
}

func buildRouter(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	return router
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, jobs *scheduler.Scheduler, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := jobs.Stop(ctx); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	logger.Info("shutdown complete")
}
