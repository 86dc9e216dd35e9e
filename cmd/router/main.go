// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (embedded, NATS, SQS, or ActiveMQ) and
// delivers via HTTP mediation.

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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcatalyst/router/internal/common/health"
	"github.com/flowcatalyst/router/internal/common/leader"
	"github.com/flowcatalyst/router/internal/common/lifecycle"
	"github.com/flowcatalyst/router/internal/config"
	"github.com/flowcatalyst/router/internal/platform/dispatchpool"
	"github.com/flowcatalyst/router/internal/queue"
	activemqqueue "github.com/flowcatalyst/router/internal/queue/activemq"
	embeddedqueue "github.com/flowcatalyst/router/internal/queue/embedded"
	natsqueue "github.com/flowcatalyst/router/internal/queue/nats"
	sqsqueue "github.com/flowcatalyst/router/internal/queue/sqs"
	"github.com/flowcatalyst/router/internal/router/manager"
	"github.com/flowcatalyst/router/internal/router/mediator"
	"github.com/flowcatalyst/router/internal/router/standby"
	"github.com/flowcatalyst/router/internal/router/traffic"
	"github.com/flowcatalyst/router/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Router doesn't need MongoDB, just config
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: false,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Message router
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	routerService := manager.NewRouterService(messageRouter)

	// Dispatch pool config sync - keeps the live pool registry aligned with
	// ACTIVE/SUSPENDED/ARCHIVED rows in whichever database backend is configured
	poolRepo, err := setupPoolRepository(ctx, app)
	if err != nil {
		slog.Error("Failed to setup dispatch pool repository", "error", err)
		os.Exit(1)
	}
	syncCfg := manager.DefaultConfigSyncConfig()
	syncCfg.Enabled = true
	messageRouter.Manager().WithConfigSync(poolRepo, syncCfg)

	// Standby service for leader election
	standbyService := setupStandbyService(app, routerService)

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	// HTTP Router
	httpRouter := setupHTTPRouter(healthChecker, standbyService, warningHandler)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Leader.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a health check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded":
		return setupEmbeddedQueue(app)
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	case "activemq":
		return setupActiveMQQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats', 'sqs', or 'activemq')", cfg.Queue.Type)
	}
}

func setupEmbeddedQueue(app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Opening embedded queue", "path", cfg.Queue.Embedded.Path)

	client, err := embeddedqueue.NewClient(&embeddedqueue.Config{
		Path:              cfg.Queue.Embedded.Path,
		VisibilityTimeout: cfg.Queue.Embedded.VisibilityTimeout,
		PollInterval:      cfg.Queue.Embedded.PollInterval,
		DedupWindow:       cfg.Queue.Embedded.DedupWindow,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Closing embedded queue")
		return client.Close()
	})

	healthCheck := health.QueueCheck("embedded-queue", func() error {
		return nil
	})

	slog.Info("Embedded queue ready")
	return client.NewConsumer("router-consumer"), healthCheck, nil
}

func setupActiveMQQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to ActiveMQ", "addr", cfg.Queue.ActiveMQ.Addr)

	client, err := activemqqueue.NewClient(ctx, &queue.ActiveMQConfig{
		Addr:        cfg.Queue.ActiveMQ.Addr,
		Login:       cfg.Queue.ActiveMQ.Login,
		Passcode:    cfg.Queue.ActiveMQ.Passcode,
		VirtualHost: cfg.Queue.ActiveMQ.VirtualHost,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from ActiveMQ")
		return client.Close()
	})

	consumer, err := client.NewConsumer("dispatch")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ActiveMQ consumer: %w", err)
	}

	healthCheck := health.QueueCheck("activemq", func() error {
		return nil
	})

	slog.Info("Connected to ActiveMQ")
	return consumer, healthCheck, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, healthCheck, nil
}

// setupPoolRepository connects to the configured database backend and
// returns the dispatch pool repository used to sync the live pool registry.
func setupPoolRepository(ctx context.Context, app *lifecycle.App) (dispatchpool.Repository, error) {
	cfg := app.Config

	switch cfg.Database.Driver {
	case "postgres":
		slog.Info("Connecting to Postgres for pool config sync")
		pool, err := pgxpool.New(ctx, cfg.Database.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		app.AddCleanup(func() error {
			pool.Close()
			return nil
		})
		return dispatchpool.NewPostgresRepository(pool), nil

	case "mysql":
		slog.Info("Connecting to MySQL for pool config sync")
		db, err := sql.Open("mysql", cfg.Database.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
		app.AddCleanup(db.Close)
		return dispatchpool.NewMySQLRepository(db), nil

	case "mongo", "":
		slog.Info("Connecting to MongoDB for pool config sync", "database", cfg.MongoDB.Database)
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
		app.AddCleanup(func() error {
			return client.Disconnect(context.Background())
		})
		return dispatchpool.NewMongoRepository(client.Database(cfg.MongoDB.Database)), nil

	default:
		return nil, fmt.Errorf("unknown database driver: %s (use 'mongo', 'postgres', or 'mysql')", cfg.Database.Driver)
	}
}

// setupStandbyService configures leader election.
func setupStandbyService(app *lifecycle.App, routerService *manager.RouterService) *standby.Service {
	var cfg *config.Config = app.Config
	redisURL := fmt.Sprintf("redis://%s/%d", cfg.Redis.Addr, cfg.Redis.DB)
	if cfg.Redis.Password != "" {
		redisURL = fmt.Sprintf("redis://:%s@%s/%d", cfg.Redis.Password, cfg.Redis.Addr, cfg.Redis.DB)
	}

	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
		RedisURL:        redisURL,
	}

	trafficService := traffic.NewService(&traffic.Config{
		Enabled:  cfg.Traffic.Enabled,
		Strategy: cfg.Traffic.Strategy,
		ALB: traffic.ALBConfig{
			TargetGroupArn:             cfg.Traffic.TargetGroupArn,
			TargetID:                   cfg.Traffic.TargetID,
			Port:                       int32(cfg.Traffic.TargetPort),
			Region:                     cfg.Traffic.Region,
			DeregistrationDelaySeconds: cfg.Traffic.DeregistrationDelaySeconds,
		},
	})

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			trafficService.RegisterAsActive()
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			trafficService.DeregisterFromActive()
			routerService.Pause()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)

	if cfg.Leader.Enabled {
		switch cfg.Leader.Backend {
		case "mongo":
			lockProvider, err := setupMongoLockProvider(app)
			if err != nil {
				slog.Error("Failed to connect standby lock provider to MongoDB", "error", err)
			} else {
				svc.SetLockProvider(lockProvider)
			}
		default:
			lockProvider, err := standby.NewRedisLockProvider(redisURL)
			if err != nil {
				slog.Error("Failed to connect standby lock provider to Redis", "error", err)
			} else {
				svc.SetLockProvider(lockProvider)
			}
		}
	}

	return svc
}

// setupMongoLockProvider opens a dedicated MongoDB connection for standby
// leader election when cfg.Leader.Backend is "mongo".
func setupMongoLockProvider(app *lifecycle.App) (*leader.MongoLockProvider, error) {
	cfg := app.Config
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	app.AddCleanup(func() error {
		return client.Disconnect(context.Background())
	})

	provider := leader.NewMongoLockProvider(client.Database(cfg.MongoDB.Database))
	if err := provider.EnsureIndexes(ctx); err != nil {
		slog.Warn("Failed to ensure leader lock TTL index", "error", err)
	}
	return provider, nil
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(healthChecker *health.Checker, standbyService *standby.Service, warningHandler *warning.Handler) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	return r
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
