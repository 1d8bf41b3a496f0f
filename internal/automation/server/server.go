package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reachflow-go/internal/automation/adapters/db/repository"
	eventadapter "github.com/reachflow-go/internal/automation/adapters/events"
	"github.com/reachflow-go/internal/automation/adapters/http/handlers"
	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/app/engine"
	"github.com/reachflow-go/internal/automation/app/nodes"
	"github.com/reachflow-go/internal/automation/app/scheduler"
	"github.com/reachflow-go/internal/automation/app/service"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/app/validator"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/cache"
	"github.com/reachflow-go/pkg/config"
	"github.com/reachflow-go/pkg/database"
	"github.com/reachflow-go/pkg/events"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
	"github.com/reachflow-go/pkg/ratelimit"
	"github.com/reachflow-go/pkg/telemetry"
)

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	dbMonitor  *database.Monitor
	redis      *redis.Client
	eventBus   events.EventBus
	scheduler  *scheduler.Scheduler
	consumer   *eventadapter.Consumer

	cancel context.CancelFunc
}

func New(cfg *config.Config, log logger.Logger, tel *telemetry.Telemetry) (*Server, error) {
	// Initialize database
	db, err := database.New(cfg.Database.ToDatabaseConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(&automation.Workflow{}, &automation.WorkflowRun{}, &automation.WorkflowNodeRun{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	dbMonitor, err := database.NewMonitor(db, log, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create database monitor: %w", err)
	}

	// Redis backs the validation cache and the scheduler leader lock
	var (
		redisClient *redis.Client
		lockClient  redis.UniversalClient
		resultCache cache.Cache = cache.NopCache{}
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		lockClient = redisClient
		resultCache = cache.NewRedisCache(redisClient, cache.DefaultOptions())
	}

	// Initialize event bus
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	publisher := eventadapter.NewPublisher(eventBus, log)

	// Initialize repositories
	workflows := repository.NewWorkflowRepository(db)
	runs := repository.NewRunRepository(db)
	nodeRuns := repository.NewNodeRunRepository(db)

	// Initialize engine
	evaluator := condition.NewEvaluator(log)
	executor := nodes.NewExecutor(evaluator, publisher, log)
	runEngine := engine.New(workflows, runs, nodeRuns, executor, publisher, log,
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithTracer(tel.Tracer()),
	)
	matcher := trigger.NewMatcher(workflows, runs, runEngine, evaluator, publisher, log)

	// Initialize service
	workflowService := service.NewWorkflowService(workflows, runs, nodeRuns, validator.New(), publisher, resultCache, log)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{
			PollInterval:  cfg.Scheduler.PollInterval,
			BatchSize:     cfg.Scheduler.BatchSize,
			CronInterval:  cfg.Scheduler.CronInterval,
			LeaderLockTTL: cfg.Scheduler.LeaderLockTTL,
		}, runs, workflows, runEngine, matcher, publisher, lockClient, log)
	}

	consumer := eventadapter.NewConsumer(eventBus, matcher, cfg.Kafka.MessageTopic, cfg.Kafka.EventTopic, log)

	// Initialize handlers
	automationHandlers := handlers.NewAutomationHandlers(workflowService, matcher, log)

	// Trigger endpoints are limited per tenant, across replicas when Redis is on
	var limiter ratelimit.RateLimiter = ratelimit.NewKeyedTokenBucketLimiter(cfg.RateLimit.TriggerRPS, cfg.RateLimit.TriggerBurst)
	if redisClient != nil {
		limiter = ratelimit.NewRedisWindowLimiter(redisClient, cfg.RateLimit.TriggerRPS, time.Second)
	}

	// Setup HTTP server
	router := setupRouter(automationHandlers, limiter, tel, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		dbMonitor:  dbMonitor,
		redis:      redisClient,
		eventBus:   eventBus,
		scheduler:  sched,
		consumer:   consumer,
	}, nil
}

func newEventBus(cfg *config.Config, log logger.Logger) (events.EventBus, error) {
	onError := func(topic string, err error) {
		log.Error("Failed to handle event", "topic", topic, "error", err)
	}

	switch cfg.Events.Driver {
	case "memory":
		return events.NewChannelEventBus(onError), nil
	case "", "kafka":
		return events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig(), onError)
	default:
		return nil, fmt.Errorf("unknown event bus driver %q", cfg.Events.Driver)
	}
}

func setupRouter(h *handlers.AutomationHandlers, limiter ratelimit.RateLimiter, tel *telemetry.Telemetry, log logger.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(tel.HTTPMiddleware())
	router.Use(loggingMiddleware(log))

	// Health checks
	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	handlers.Register(router, h, ratelimit.Middleware(limiter, ratelimit.TenantKeyFunc))

	return router
}

// Start runs the background workers and then blocks serving HTTP.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.dbMonitor.Start(ctx)

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start trigger consumers: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	// In-flight resumes still publish, so the scheduler stops before the bus
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.dbMonitor.Stop()

	// Close event bus
	if err := s.eventBus.Close(); err != nil {
		s.logger.Error("Failed to close event bus", "error", err)
	}

	// Close Redis
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close Redis", "error", err)
		}
	}

	// Close database
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
	}

	return nil
}

// Middleware functions
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+handlers.TenantHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode), latency.Seconds())

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", statusCode,
			"latency", latency,
			"ip", c.ClientIP(),
			"tenantId", c.GetHeader(handlers.TenantHeader),
		)
	}
}
