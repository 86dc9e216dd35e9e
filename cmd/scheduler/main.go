// FlowCatalyst Dispatch Scheduler
//
// Standalone binary that polls PENDING dispatch jobs from the configured
// database backend and publishes one per message group at a time onto the
// configured queue for the router to pick up.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcatalyst/router/internal/common/health"
	"github.com/flowcatalyst/router/internal/common/lifecycle"
	"github.com/flowcatalyst/router/internal/config"
	"github.com/flowcatalyst/router/internal/platform/dispatchjob"
	"github.com/flowcatalyst/router/internal/queue"
	activemqqueue "github.com/flowcatalyst/router/internal/queue/activemq"
	embeddedqueue "github.com/flowcatalyst/router/internal/queue/embedded"
	natsqueue "github.com/flowcatalyst/router/internal/queue/nats"
	sqsqueue "github.com/flowcatalyst/router/internal/queue/sqs"
	"github.com/flowcatalyst/router/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Dispatch Scheduler",
		"version", version,
		"build_time", buildTime,
		"component", "scheduler")

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var cleanupFuncs []func() error
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			if err := cleanupFuncs[i](); err != nil {
				slog.Error("Cleanup error", "error", err)
			}
		}
	}
	defer cleanup()

	jobRepo, err := setupRepository(ctx, cfg, &cleanupFuncs)
	if err != nil {
		slog.Error("Failed to set up dispatch job repository", "error", err)
		os.Exit(1)
	}

	if err := jobRepo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create dispatch job schema", "error", err)
		os.Exit(1)
	}

	publisher, err := setupPublisher(ctx, cfg, &cleanupFuncs)
	if err != nil {
		slog.Error("Failed to set up queue publisher", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Leader.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanupFuncs = append(cleanupFuncs, redisClient.Close)
	}

	schedulerCfg := scheduler.DefaultSchedulerConfig()
	schedulerCfg.PollInterval = cfg.Scheduler.PollInterval
	schedulerCfg.BatchSize = cfg.Scheduler.BatchSize
	schedulerCfg.StaleThreshold = cfg.Scheduler.StaleThreshold
	schedulerCfg.ExpiredCheckInterval = cfg.Scheduler.ExpiredCheckInterval
	schedulerCfg.ProcessingEndpoint = cfg.Scheduler.ProcessingEndpoint
	schedulerCfg.DefaultDispatchPoolCode = cfg.Scheduler.DefaultDispatchPoolCode
	schedulerCfg.AppKey = cfg.Scheduler.AppKey
	schedulerCfg.LeaderElection = scheduler.LeaderElectionConfig{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	sched := scheduler.NewScheduler(jobRepo, publisher, redisClient, schedulerCfg)
	sched.Start()
	defer sched.Stop()

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.QueueCheck("scheduler", func() error {
		if !sched.IsRunning() {
			return fmt.Errorf("scheduler stopped")
		}
		return nil
	}))

	httpRouter := chi.NewRouter()
	httpRouter.Use(middleware.RequestID)
	httpRouter.Use(middleware.RealIP)
	httpRouter.Use(middleware.Recoverer)
	httpRouter.Get("/q/health", healthChecker.HandleHealth)
	httpRouter.Get("/q/health/live", healthChecker.HandleLive)
	httpRouter.Get("/q/health/ready", healthChecker.HandleReady)
	httpRouter.Handle("/metrics", promhttp.Handler())
	httpRouter.Handle("/q/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpService := lifecycle.NewHTTPService("scheduler-http", httpServer)

	slog.Info("Scheduler ready",
		"port", cfg.HTTP.Port,
		"dbDriver", cfg.Database.Driver,
		"queueType", cfg.Queue.Type,
		"leaderElection", cfg.Leader.Enabled)

	if err := lifecycle.Run(ctx, httpService); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Dispatch Scheduler stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupRepository connects to the configured database backend and returns
// the dispatch job repository. Cleanup functions for the underlying
// connection are appended to cleanupFuncs.
func setupRepository(ctx context.Context, cfg *config.Config, cleanupFuncs *[]func() error) (dispatchjob.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		slog.Info("Connecting to Postgres")
		pool, err := pgxpool.New(ctx, cfg.Database.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, func() error {
			pool.Close()
			return nil
		})
		return dispatchjob.NewPostgresRepository(pool), nil

	case "mysql":
		slog.Info("Connecting to MySQL")
		db, err := sql.Open("mysql", cfg.Database.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, db.Close)
		return dispatchjob.NewMySQLRepository(db), nil

	case "mongo", "":
		slog.Info("Connecting to MongoDB", "database", cfg.MongoDB.Database)
		clientOpts := options.Client().
			ApplyURI(cfg.MongoDB.URI).
			SetConnectTimeout(10 * time.Second).
			SetServerSelectionTimeout(10 * time.Second)

		client, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, func() error {
			return client.Disconnect(context.Background())
		})
		return dispatchjob.NewMongoRepository(client.Database(cfg.MongoDB.Database)), nil

	default:
		return nil, fmt.Errorf("unknown database driver: %s (use 'mongo', 'postgres', or 'mysql')", cfg.Database.Driver)
	}
}

// setupPublisher connects to the configured queue backend and returns a
// publisher. Cleanup functions for the underlying connection are appended
// to cleanupFuncs.
func setupPublisher(ctx context.Context, cfg *config.Config, cleanupFuncs *[]func() error) (queue.Publisher, error) {
	switch cfg.Queue.Type {
	case "embedded":
		slog.Info("Opening embedded queue", "path", cfg.Queue.Embedded.Path)
		client, err := embeddedqueue.NewClient(&embeddedqueue.Config{
			Path:              cfg.Queue.Embedded.Path,
			VisibilityTimeout: cfg.Queue.Embedded.VisibilityTimeout,
			PollInterval:      cfg.Queue.Embedded.PollInterval,
			DedupWindow:       cfg.Queue.Embedded.DedupWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded queue: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, client.Close)
		return client.Publisher(), nil

	case "nats":
		slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)
		client, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, client.Close)
		return client.Publisher(), nil

	case "sqs":
		slog.Info("Connecting to AWS SQS", "queueURL", cfg.Queue.SQS.QueueURL)
		client, err := sqsqueue.NewClient(ctx, &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, client.Close)
		return client.Publisher(), nil

	case "activemq":
		slog.Info("Connecting to ActiveMQ", "addr", cfg.Queue.ActiveMQ.Addr)
		client, err := activemqqueue.NewClient(ctx, &queue.ActiveMQConfig{
			Addr:        cfg.Queue.ActiveMQ.Addr,
			Login:       cfg.Queue.ActiveMQ.Login,
			Passcode:    cfg.Queue.ActiveMQ.Passcode,
			VirtualHost: cfg.Queue.ActiveMQ.VirtualHost,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
		}
		*cleanupFuncs = append(*cleanupFuncs, client.Close)
		return client.Publisher(), nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats', 'sqs', or 'activemq')", cfg.Queue.Type)
	}
}
