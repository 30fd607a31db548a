// FlowCatalyst Dispatch Scheduler
//
// Standalone scheduler binary for production deployments. Polls MongoDB for
// due dispatch jobs and publishes them to the configured broker
// (embedded/NATS/SQS/ActiveMQ) for a router instance to deliver.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/mongo"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	activemqqueue "go.flowcatalyst.tech/internal/queue/activemq"
	embeddedqueue "go.flowcatalyst.tech/internal/queue/embedded"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	"go.flowcatalyst.tech/internal/router/notification"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
	"go.flowcatalyst.tech/internal/scheduler"
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

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Scheduler needs MongoDB for the dispatch job store
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: true,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	cfg := app.Config

	if err := resolveSecrets(ctx, cfg); err != nil {
		slog.Error("Failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if err := mongo.NewIndexInitializer(app.DB).Initialize(ctx); err != nil {
		slog.Error("Failed to initialize indexes", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	broker, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.MongoClient.Ping(pingCtx, nil)
	}))
	healthChecker.AddReadinessCheck(broker.check)

	jobRepo := dispatchjob.NewRepository(app.DB)

	// Warning service with batched notifications
	warningService := warning.NewInMemoryService()
	notifier := notification.NewBatchingService(
		[]notification.Service{notification.NewNoOpService()},
		notification.DefaultBatchingConfig(),
	)
	warningService.SetNotifier(notifier.NotifyWarning)
	warningHandler := warning.NewHandler(warningService)
	adminAuth := api.NewAdminAuth(api.AdminAuthConfig{
		TokenHash:   cfg.AdminAPI.TokenHash,
		JWTSecret:   cfg.AdminAPI.JWTSecret,
		JWTIssuer:   cfg.AdminAPI.JWTIssuer,
		JWTAudience: cfg.AdminAPI.JWTAudience,
	})
	warningHandler.SetAdminGate(adminAuth.RequireAdmin)

	// Dispatch scheduler
	sched := scheduler.NewScheduler(jobRepo, broker.publisher, schedulerConfig(cfg)).
		WithWarningService(warningService)
	schedulerService := scheduler.NewService(sched)

	// Standby service for failover
	standbyService, err := setupStandbyService(cfg, sched, warningService)
	if err != nil {
		slog.Error("Failed to setup standby coordination", "error", err)
		os.Exit(1)
	}
	if standbyService.IsEnabled() {
		// Start paused; the standby callbacks resume on promotion
		sched.Pause()
	}

	// HTTP Router
	httpRouter := setupHTTPRouter(cfg, healthChecker, warningHandler, sched, standbyService)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	var services []lifecycle.Service

	services = append(services, lifecycle.NewHTTPService("http-server", httpServer))
	services = append(services, notifier)
	services = append(services, schedulerService)

	if standbyService.IsEnabled() {
		services = append(services, newStandbyServiceWrapper(standbyService))
	}

	slog.Info("Scheduler ready",
		"port", cfg.HTTP.Port,
		"queueType", broker.qtype,
		"pollInterval", cfg.Scheduler.PollInterval,
		"standbyEnabled", standbyService.IsEnabled())

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Dispatch Scheduler stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// resolveSecrets fills the scheduler app key and admin API credentials from
// the configured provider when the environment left them empty.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	provider, err := secrets.NewProvider(&secrets.Config{
		Provider:       secrets.ProviderType(cfg.Secrets.Provider),
		EncryptionKey:  cfg.Secrets.EncryptionKey,
		DataDir:        cfg.Secrets.DataDir,
		AWSRegion:      cfg.Secrets.AWSRegion,
		AWSPrefix:      cfg.Secrets.AWSPrefix,
		AWSEndpoint:    cfg.Secrets.AWSEndpoint,
		VaultAddr:      cfg.Secrets.VaultAddr,
		VaultToken:     cfg.Secrets.VaultToken,
		VaultPath:      cfg.Secrets.VaultPath,
		VaultNamespace: cfg.Secrets.VaultNamespace,
		GCPProject:     cfg.Secrets.GCPProject,
		GCPPrefix:      cfg.Secrets.GCPPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to create secrets provider: %w", err)
	}

	fill := func(target *string, key string) {
		if *target != "" {
			return
		}
		value, err := provider.Get(ctx, key)
		if err != nil {
			slog.Debug("Secret not available", "key", key, "provider", provider.Name())
			return
		}
		*target = value
	}

	fill(&cfg.Scheduler.AppKey, "app-key")
	fill(&cfg.AdminAPI.TokenHash, "admin-api-token-hash")
	fill(&cfg.AdminAPI.JWTSecret, "admin-api-jwt-secret")
	return nil
}

// schedulerConfig maps the application config to the scheduler engine config.
func schedulerConfig(cfg *config.Config) *scheduler.Config {
	return &scheduler.Config{
		PollInterval:            cfg.Scheduler.PollInterval,
		BatchSize:               cfg.Scheduler.BatchSize,
		MaxConcurrentDispatches: cfg.Scheduler.MaxConcurrentDispatches,
		StaleThreshold:          cfg.Scheduler.StaleThreshold,
		StaleCheckInterval:      cfg.Scheduler.StaleCheckInterval,
		MaxStaleRequeues:        cfg.Scheduler.MaxStaleRequeues,
		BlockWarningThreshold:   cfg.Scheduler.BlockWarningThreshold,
		ProcessingEndpoint:      cfg.Scheduler.ProcessingEndpoint,
		DefaultDispatchPoolCode: cfg.Scheduler.DefaultDispatchPoolCode,
		AppKey:                  cfg.Scheduler.AppKey,
	}
}

// brokerSetup carries what the scheduler needs from one broker connection.
// The scheduler only publishes; it never consumes.
type brokerSetup struct {
	name      string
	qtype     queue.QueueType
	publisher queue.Publisher
	check     health.CheckFunc
}

// setupQueue initializes the queue publisher based on configuration.
func setupQueue(ctx context.Context, app *lifecycle.App) (*brokerSetup, error) {
	factory, err := queue.NewFactory(buildQueueConfig(app.Config))
	if err != nil {
		return nil, err
	}

	switch factory.Type() {
	case queue.QueueTypeEmbedded:
		return setupEmbeddedQueue(app, factory.Config())
	case queue.QueueTypeNATS:
		return setupNATSQueue(app, factory.Config())
	case queue.QueueTypeSQS:
		return setupSQSQueue(ctx, app, factory.Config())
	case queue.QueueTypeActiveMQ:
		return setupActiveMQQueue(app, factory.Config())
	default:
		return nil, fmt.Errorf("unknown queue type: %s", factory.Type())
	}
}

// buildQueueConfig maps the application config to the broker config.
func buildQueueConfig(cfg *config.Config) *queue.Config {
	return &queue.Config{
		Type:    cfg.Queue.Type,
		DataDir: cfg.DataDir,
		NATS: queue.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   cfg.Queue.NATS.StreamName,
			ConsumerName: cfg.Queue.NATS.ConsumerName,
			Subjects:     cfg.Queue.NATS.Subjects,
			MaxDeliver:   cfg.Queue.NATS.MaxDeliver,
			AckWait:      cfg.Queue.NATS.AckWait,
		},
		SQS: queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: int32(cfg.Queue.SQS.MaxMessages),
			CustomEndpoint:      cfg.Queue.SQS.Endpoint,
			AccessKeyID:         cfg.Queue.SQS.AccessKeyID,
			SecretAccessKey:     cfg.Queue.SQS.SecretAccessKey,
		},
		ActiveMQ: queue.ActiveMQConfig{
			Addr:            cfg.Queue.ActiveMQ.BrokerURL,
			Username:        cfg.Queue.ActiveMQ.Username,
			Password:        cfg.Queue.ActiveMQ.Password,
			Queue:           cfg.Queue.ActiveMQ.Queue,
			RedeliveryDelay: cfg.Queue.ActiveMQ.RedeliveryDelay,
		},
		Embedded: queue.EmbeddedConfig{
			Path:              cfg.EmbeddedDBPath(),
			VisibilityTimeout: cfg.Queue.Embedded.VisibilityTimeout,
			PollInterval:      cfg.Queue.Embedded.PollInterval,
			BatchSize:         cfg.Queue.Embedded.BatchSize,
		},
	}
}

func setupEmbeddedQueue(app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
	slog.Info("Opening embedded queue", "path", qcfg.Embedded.Path)

	client, err := embeddedqueue.NewClient(&qcfg.Embedded, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Closing embedded queue")
		return client.Close()
	})

	return &brokerSetup{
		name:      "embedded",
		qtype:     queue.QueueTypeEmbedded,
		publisher: client.Publisher(),
		check: health.ServiceCheck("EmbeddedQueue", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.HealthCheck(checkCtx)
		}),
	}, nil
}

func setupNATSQueue(app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
	cfg := app.Config

	if cfg.Queue.NATS.Embedded {
		slog.Info("Starting embedded NATS server")

		natsCfg := natsqueue.DefaultEmbeddedConfig()
		natsCfg.DataDir = cfg.NATSStoreDir()
		natsCfg.StreamName = qcfg.NATS.StreamName
		natsCfg.Subjects = qcfg.NATS.Subjects
		natsCfg.ConsumerName = qcfg.NATS.ConsumerName

		embeddedNATS, err := natsqueue.NewEmbeddedServer(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Shutting down embedded NATS")
			return embeddedNATS.Close()
		})

		return &brokerSetup{
			name:      qcfg.NATS.StreamName,
			qtype:     queue.QueueTypeNATS,
			publisher: embeddedNATS.Publisher(),
			check: health.NATSCheck(func() bool {
				return embeddedNATS.Connection().IsConnected()
			}),
		}, nil
	}

	slog.Info("Connecting to NATS server", "url", qcfg.NATS.URL)

	natsClient, err := natsqueue.NewClient(&qcfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	return &brokerSetup{
		name:      qcfg.NATS.StreamName,
		qtype:     queue.QueueTypeNATS,
		publisher: natsClient.Publisher(),
		check: health.NATSCheck(func() bool {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return natsClient.HealthCheck(checkCtx) == nil
		}),
	}, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
	slog.Info("Connecting to AWS SQS",
		"region", qcfg.SQS.Region,
		"queueURL", qcfg.SQS.QueueURL)

	sqsClient, err := sqsqueue.NewClient(ctx, &qcfg.SQS)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	return &brokerSetup{
		name:      qcfg.SQS.QueueURL,
		qtype:     queue.QueueTypeSQS,
		publisher: sqsClient.Publisher(),
		check: health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		}),
	}, nil
}

func setupActiveMQQueue(app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
	slog.Info("Connecting to ActiveMQ",
		"addr", qcfg.ActiveMQ.Addr,
		"queue", qcfg.ActiveMQ.Queue)

	amqClient, err := activemqqueue.NewClient(&qcfg.ActiveMQ, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from ActiveMQ")
		return amqClient.Close()
	})

	return &brokerSetup{
		name:      qcfg.ActiveMQ.Queue,
		qtype:     queue.QueueTypeActiveMQ,
		publisher: amqClient.Publisher(),
		check: health.ServiceCheck("ActiveMQ", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return amqClient.HealthCheck(checkCtx)
		}),
	}, nil
}

// setupStandbyService configures failover coordination for the scheduler.
func setupStandbyService(cfg *config.Config, sched *scheduler.Scheduler, ws warning.Service) (*standby.Service, error) {
	standbyCfg := &standby.Config{
		Enabled:    cfg.Standby.Enabled,
		InstanceID: cfg.Standby.InstanceID,
		LockKey:    cfg.Standby.LockKey,
		LockTTL:    cfg.Standby.LockTTL,
		RedisURL:   cfg.Standby.RedisURL,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting dispatch scheduling")
			sched.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping dispatch scheduling")
			sched.Pause()
		},
	}

	service := standby.NewService(standbyCfg, callbacks).WithWarningService(ws)

	if cfg.Standby.Enabled {
		provider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for standby lock: %w", err)
		}
		service.SetLockProvider(provider)
	}

	return service, nil
}

// setupHTTPRouter creates the HTTP router with health, metrics, and warning
// endpoints. The scheduler has no monitoring dashboard; the router serves it.
func setupHTTPRouter(
	cfg *config.Config,
	healthChecker *health.Checker,
	warningHandler *warning.Handler,
	sched *scheduler.Scheduler,
	standbyService *standby.Service,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	// Scheduler status endpoint
	r.Get("/scheduler/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"running":%v,"paused":%v,"role":"%s","instanceId":"%s"}`,
			sched.IsRunning(), sched.IsPaused(),
			standbyService.GetRole(), standbyService.GetInstanceID())
	})

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
