// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from the configured broker (embedded/NATS/SQS/ActiveMQ)
// and delivers them via HTTP mediation. Pool definitions sync from MongoDB.

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
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	"go.flowcatalyst.tech/internal/queue"
	activemqqueue "go.flowcatalyst.tech/internal/queue/activemq"
	embeddedqueue "go.flowcatalyst.tech/internal/queue/embedded"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/notification"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Router needs MongoDB for dispatch pool config sync
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

	poolRepo := dispatchpool.NewRepository(app.DB)

	// Warning service with batched notifications
	warningService := warning.NewInMemoryService()
	notifier := notification.NewBatchingService(
		[]notification.Service{notification.NewNoOpService()},
		notification.DefaultBatchingConfig(),
	)
	warningService.SetNotifier(notifier.NotifyWarning)

	// Stats for the monitoring API
	poolStats := routermetrics.NewInMemoryPoolMetricsService()
	queueStats := routermetrics.NewInMemoryQueueMetricsService()

	// HTTP mediator with per-endpoint circuit breakers
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	if cfg.DevMode {
		mediatorCfg = mediator.DevHTTPMediatorConfig()
	}
	med := mediator.NewHTTPMediator(mediatorCfg)
	med.Breakers().WithWarningService(warningService)

	// Queue manager + message router
	queueManager := manager.NewQueueManager(med, poolStats).
		WithWarningService(warningService).
		WithConfigSync(poolRepo, manager.DefaultConfigSyncConfig()).
		WithMaxPools(cfg.Router.MaxPools).
		WithDefaultNackDelay(time.Duration(cfg.Router.DefaultNackDelaySeconds) * time.Second).
		WithQueueMetrics(queueStats, broker.name)
	messageRouter := manager.NewRouter(broker.consumer, queueManager)
	routerService := manager.NewRouterService(messageRouter)

	// Standby service for failover
	standbyService, err := setupStandbyService(cfg, routerService, warningService)
	if err != nil {
		slog.Error("Failed to setup standby coordination", "error", err)
		os.Exit(1)
	}
	if standbyService.IsEnabled() {
		queueManager.WithStandbyChecker(standbyService)
	}

	// Health status services
	infraHealth := routerhealth.NewInfrastructureHealthService(poolStats)
	brokerHealth := routerhealth.NewBrokerHealthService(broker.qtype, broker.checker).
		WithWarningService(warningService)
	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, poolStats)
	healthStatus.SetCircuitBreakerGetter(med.Breakers())
	healthStatus.SetWarningGetter(warningService)
	healthStatus.SetQueueStatsGetter(queueStats)

	// Sustained-threshold watcher: queue backlog and growth, pool
	// saturation, plus the periodic broker probe
	thresholds := routerhealth.NewThresholdMonitor(
		routerhealth.DefaultMonitorConfig(), queueStats, poolStats, warningService).
		WithBrokerHealth(brokerHealth)

	trafficService := traffic.NewService(traffic.DefaultConfig())

	// Monitoring API
	monitoring := api.NewMonitoringHandler(healthStatus, poolStats)
	monitoring.SetQueueMetrics(queueStats)
	monitoring.SetWarningService(warningService, warningService)
	monitoring.SetCircuitBreakerService(med.Breakers(), med.Breakers())
	monitoring.SetInFlightGetter(queueManager)
	monitoring.SetStandbyService(standbyService)
	monitoring.SetTrafficService(trafficService)
	monitoring.SetAdminAuth(api.NewAdminAuth(api.AdminAuthConfig{
		TokenHash:   cfg.AdminAPI.TokenHash,
		JWTSecret:   cfg.AdminAPI.JWTSecret,
		JWTIssuer:   cfg.AdminAPI.JWTIssuer,
		JWTAudience: cfg.AdminAPI.JWTAudience,
	}))

	k8sHealth := api.NewKubernetesHealthHandler(infraHealth, brokerHealth)

	// HTTP Router
	httpRouter := setupHTTPRouter(cfg, healthChecker, monitoring, k8sHealth, standbyService)

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

	// Standby service wraps router lifecycle when failover is enabled
	if standbyService.IsEnabled() {
		services = append(services, newStandbyServiceWrapper(standbyService))
	} else {
		services = append(services, routerService)
	}

	if broker.depth != nil {
		services = append(services, newQueueDepthSampler(broker.name, broker.depth, queueStats))
	}

	services = append(services, lifecycle.NewServiceFunc("health-threshold-monitor",
		func(ctx context.Context) error {
			thresholds.Start()
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			thresholds.Stop()
			return nil
		},
	))

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queueType", broker.qtype,
		"standbyEnabled", standbyService.IsEnabled())

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

// resolveSecrets fills the admin API secrets from the configured provider
// when the environment left them empty.
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

	fill(&cfg.AdminAPI.TokenHash, "admin-api-token-hash")
	fill(&cfg.AdminAPI.JWTSecret, "admin-api-jwt-secret")
	return nil
}

// brokerSetup carries what the router needs from one broker connection.
type brokerSetup struct {
	name     string
	qtype    queue.QueueType
	consumer queue.Consumer
	check    health.CheckFunc
	checker  routerhealth.BrokerConnectivityChecker
	depth    func(ctx context.Context) (int64, int64, error)
}

// setupQueue initializes the queue consumer based on configuration.
func setupQueue(ctx context.Context, app *lifecycle.App) (*brokerSetup, error) {
	factory, err := queue.NewFactory(buildQueueConfig(app.Config))
	if err != nil {
		return nil, err
	}

	switch factory.Type() {
	case queue.QueueTypeEmbedded:
		return setupEmbeddedQueue(ctx, app, factory.Config())
	case queue.QueueTypeNATS:
		return setupNATSQueue(ctx, app, factory.Config())
	case queue.QueueTypeSQS:
		return setupSQSQueue(ctx, app, factory.Config())
	case queue.QueueTypeActiveMQ:
		return setupActiveMQQueue(ctx, app, factory.Config())
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

func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
	slog.Info("Starting embedded queue", "path", qcfg.Embedded.Path)

	client, err := embeddedqueue.NewClient(&qcfg.Embedded, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Closing embedded queue")
		return client.Close()
	})

	consumer, err := client.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded consumer: %w", err)
	}

	return &brokerSetup{
		name:     "embedded",
		qtype:    queue.QueueTypeEmbedded,
		consumer: consumer,
		check: health.ServiceCheck("EmbeddedQueue", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.HealthCheck(checkCtx)
		}),
		checker: client,
		depth:   client.Depth,
	}, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
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

		consumer, err := embeddedNATS.CreateConsumer(ctx, qcfg.NATS.ConsumerName, qcfg.NATS.Subjects[0], &qcfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS consumer: %w", err)
		}

		return &brokerSetup{
			name:     qcfg.NATS.StreamName,
			qtype:    queue.QueueTypeNATS,
			consumer: consumer,
			check: health.NATSCheck(func() bool {
				return embeddedNATS.Connection().IsConnected()
			}),
			checker: embeddedNATS,
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

	consumer, err := natsClient.CreateConsumer(ctx, qcfg.NATS.ConsumerName, qcfg.NATS.Subjects[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	return &brokerSetup{
		name:     qcfg.NATS.StreamName,
		qtype:    queue.QueueTypeNATS,
		consumer: consumer,
		check: health.NATSCheck(func() bool {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return natsClient.HealthCheck(checkCtx) == nil
		}),
		checker: natsClient,
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

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	return &brokerSetup{
		name:     qcfg.SQS.QueueURL,
		qtype:    queue.QueueTypeSQS,
		consumer: consumer,
		check: health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		}),
		checker: sqsClient,
	}, nil
}

func setupActiveMQQueue(ctx context.Context, app *lifecycle.App, qcfg *queue.Config) (*brokerSetup, error) {
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

	consumer, err := amqClient.CreateConsumer(ctx, "router-consumer", qcfg.ActiveMQ.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create ActiveMQ consumer: %w", err)
	}

	return &brokerSetup{
		name:     qcfg.ActiveMQ.Queue,
		qtype:    queue.QueueTypeActiveMQ,
		consumer: consumer,
		check: health.ServiceCheck("ActiveMQ", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return amqClient.HealthCheck(checkCtx)
		}),
		checker: amqClient,
	}, nil
}

// setupStandbyService configures failover coordination.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService, ws warning.Service) (*standby.Service, error) {
	standbyCfg := &standby.Config{
		Enabled:    cfg.Standby.Enabled,
		InstanceID: cfg.Standby.InstanceID,
		LockKey:    cfg.Standby.LockKey,
		LockTTL:    cfg.Standby.LockTTL,
		RedisURL:   cfg.Standby.RedisURL,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
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

// setupHTTPRouter creates the HTTP router with health, metrics, and
// monitoring endpoints. Warnings are served under /monitoring/warnings.
func setupHTTPRouter(
	cfg *config.Config,
	healthChecker *health.Checker,
	monitoring *api.MonitoringHandler,
	k8sHealth *api.KubernetesHealthHandler,
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

	// Kubernetes probes
	k8sHealth.RegisterRoutes(r)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Monitoring API + dashboard
	monitoring.RegisterRoutes(r)

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
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

// queueDepthSamplerInterval is how often broker depth is polled into the
// queue metrics.
const queueDepthSamplerInterval = 30 * time.Second

// newQueueDepthSampler periodically records broker depth into the queue
// metrics so the dashboard shows backlog for brokers that can report it.
func newQueueDepthSampler(
	name string,
	depth func(ctx context.Context) (int64, int64, error),
	stats routermetrics.QueueMetricsService,
) lifecycle.Service {
	return lifecycle.NewServiceFunc("queue-depth-sampler",
		func(ctx context.Context) error {
			ticker := time.NewTicker(queueDepthSamplerInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					visible, inFlight, err := depth(sampleCtx)
					cancel()
					if err != nil {
						slog.Debug("Queue depth sample failed", "queue", name, "error", err)
						continue
					}
					stats.RecordQueueMetrics(name, visible, inFlight)
				}
			}
		},
		func(ctx context.Context) error { return nil },
	)
}
