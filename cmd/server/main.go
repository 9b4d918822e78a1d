// Package main is the entry point for the logistics sync service. It wires
// the site registry, identifier allocator, operation buffer and sync engine
// together and serves the recording API over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/application/ops"
	syncapp "github.com/rblinton/logistics-system/internal/application/sync"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/domain/site"
	"github.com/rblinton/logistics-system/internal/infrastructure/cache"
	"github.com/rblinton/logistics-system/internal/infrastructure/config"
	"github.com/rblinton/logistics-system/internal/infrastructure/ledgerclient"
	"github.com/rblinton/logistics-system/internal/infrastructure/logger"
	"github.com/rblinton/logistics-system/internal/infrastructure/persistence"
	"github.com/rblinton/logistics-system/internal/infrastructure/telemetry"
	"github.com/rblinton/logistics-system/internal/interfaces/http/handler"
	"github.com/rblinton/logistics-system/internal/interfaces/http/middleware"
	"github.com/rblinton/logistics-system/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting logistics sync service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("site_code", cfg.App.SiteCode),
		zap.String("port", cfg.App.Port),
	)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Initialize OpenTelemetry tracing
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry metrics
	meterProvider, err := telemetry.NewMeterProvider(context.Background(), telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	var syncMetrics *telemetry.SyncMetrics
	if meterProvider.IsEnabled() {
		syncMetrics, err = telemetry.NewSyncMetrics(meterProvider.Meter(cfg.App.Name))
		if err != nil {
			log.Fatal("Failed to create sync metrics", zap.Error(err))
		}
	}

	// Build the closed site table from configuration
	descriptors := make([]site.Descriptor, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		descriptors = append(descriptors, site.Descriptor{
			Code: s.Code,
			Tag:  site.Tag(s.Tag),
			Name: s.Name,
		})
	}
	registry, err := site.NewRegistry(descriptors)
	if err != nil {
		log.Fatal("Invalid site table", zap.Error(err))
	}
	allocator := ident.NewAllocator(registry, log)
	log.Info("Site registry loaded", zap.Int("sites", len(descriptors)))

	// Initialize repositories
	bufferRepo := persistence.NewGormBufferedOperationRepository(db.DB, cfg.Buffer.PerSiteCapacity)
	referenceRepo := persistence.NewGormReferenceEntryRepository(db.DB)

	// Ledger client and connectivity probe. The probe's recovery callback
	// wakes the sync engine so buffered operations drain as soon as the
	// ledger is reachable again.
	ledgerClient, err := ledgerclient.NewHTTPClient(ledgerclient.Config{
		BaseURL: cfg.Ledger.BaseURL,
		Timeout: cfg.Ledger.Timeout,
	})
	if err != nil {
		log.Fatal("Failed to create ledger client", zap.Error(err))
	}

	probe := ledgerclient.NewProbe(ledgerClient, ledgerclient.ProbeConfig{
		Interval:         cfg.Ledger.ProbeInterval,
		FailureThreshold: cfg.Ledger.ProbeFailureThreshold,
	}, log, nil)

	// Sync engine: one drain loop per registered site
	engine, err := syncapp.NewEngine(bufferRepo, ledgerClient, probe, allocator, syncapp.EngineConfig{
		PollInterval: cfg.Sync.PollInterval,
		BackoffBase:  cfg.Sync.BackoffBase,
		BackoffMax:   cfg.Sync.BackoffMax,
		DrainTimeout: cfg.Sync.DrainTimeout,
	}, log, syncMetrics)
	if err != nil {
		log.Fatal("Failed to create sync engine", zap.Error(err))
	}
	probe.SetOnRecover(engine.Notify)
	probe.Start()
	defer probe.Stop()

	if err := engine.Start(context.Background()); err != nil {
		log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.DrainTimeout)
		defer cancel()
		if err := engine.Stop(ctx); err != nil {
			log.Error("Error stopping sync engine", zap.Error(err))
		}
	}()
	log.Info("Sync engine started")

	// Application services
	operationService := ops.NewOperationService(
		allocator, referenceRepo, bufferRepo, ledgerClient, probe, log, syncMetrics,
		ops.WithMaxAttempts(cfg.Buffer.MaxAttempts),
	)
	bufferAdminService := ops.NewBufferAdminService(bufferRepo, engine, log)

	// Idempotency store: Redis when reachable, in-memory otherwise
	idempotencyStore, err := cache.NewIdempotencyStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(true),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	defer func() {
		if err := idempotencyStore.Close(); err != nil {
			log.Error("Error closing idempotency store", zap.Error(err))
		}
	}()

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	ginEngine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := ginEngine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Security - Add security headers
	// 5. CORS - Handle cross-origin requests
	// 6. Tracing/Metrics - OpenTelemetry instrumentation
	// 7. BodyLimit - Limit request body size
	// 8. RateLimit - Apply rate limiting (if enabled)
	// 9. Idempotency - Reject replayed Idempotency-Key values
	ginEngine.Use(middleware.RequestID())
	ginEngine.Use(logger.Recovery(log))
	ginEngine.Use(logger.GinMiddleware(log))
	ginEngine.Use(middleware.Secure())

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	ginEngine.Use(middleware.CORSWithConfig(corsConfig))

	ginEngine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	ginEngine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: meterProvider,
		ServiceName:   cfg.App.Name,
		Enabled:       cfg.Telemetry.Enabled,
	}))

	ginEngine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		ginEngine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	ginEngine.Use(middleware.Idempotency(middleware.IdempotencyConfig{
		Store:  idempotencyStore,
		TTL:    shared.DefaultIdempotencyConfig().TTL,
		Logger: log,
	}))

	// Health check endpoint (outside API versioning)
	ginEngine.GET("/health", healthHandler(db, probe))

	// Setup API routes using router
	r := router.NewRouter(ginEngine, router.WithAPIVersion("v1"))
	r.Register(handler.NewLoadHandler(operationService)).
		Register(handler.NewReferenceHandler(operationService)).
		Register(handler.NewBufferHandler(bufferAdminService))
	r.Setup()

	// Also keep a simple ping at root API level for basic health checks
	ginEngine.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        ginEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler reports database and ledger connectivity. An unreachable
// ledger is degraded, not unhealthy: the buffer keeps accepting work.
func healthHandler(db *persistence.Database, probe *ledgerclient.Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)

		ledgerStatus := "ok"
		if !probe.Healthy() {
			ledgerStatus = "unreachable"
		}

		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
				"ledger":   ledgerStatus,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
			"ledger":   ledgerStatus,
		})
	}
}
