package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpoullain/climate-trends-service/internal/cache"
	"github.com/cpoullain/climate-trends-service/internal/catalog"
	"github.com/cpoullain/climate-trends-service/internal/config"
	httphandler "github.com/cpoullain/climate-trends-service/internal/http"
	"github.com/cpoullain/climate-trends-service/internal/lifecycle"
	"github.com/cpoullain/climate-trends-service/internal/loader"
	"github.com/cpoullain/climate-trends-service/internal/observability"
	"github.com/cpoullain/climate-trends-service/internal/service"
	"github.com/cpoullain/climate-trends-service/internal/spatial"
	"github.com/cpoullain/climate-trends-service/internal/store"
	"github.com/cpoullain/climate-trends-service/internal/trends"
	"github.com/cpoullain/climate-trends-service/internal/web"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := web.LoadTemplates(); err != nil {
		logger.Fatal("dashboard templates", zap.Error(err))
	}

	parser := loader.New(logger)
	var source loader.Source
	switch cfg.DataSource {
	case "sqlite":
		source = store.NewSource(parser, logger, cfg.SQLitePath)
	case "remote":
		client := catalog.NewClientWithRetry(cfg.CatalogTimeout, cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
		source = catalog.NewRemoteSource(client, parser, logger, cfg.ObservationsURL, cfg.StationsURL)
	default:
		source = loader.NewFileSource(parser, cfg.ObservationsPath, cfg.StationsPath)
	}
	logger.Info("data source", zap.String("source", cfg.DataSource))

	geo, err := spatial.LoadDepartments(cfg.DepartmentsPath)
	if err != nil {
		logger.Warn("departments geojson unavailable, map shapes disabled", zap.Error(err), zap.String("path", cfg.DepartmentsPath))
		geo = spatial.EmptyDepartments()
	}

	var resultCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		resultCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		resultCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	baseline := trends.Baseline{FromYear: cfg.BaselineFromYear, ToYear: cfg.BaselineToYear}
	trendService := service.NewTrendService(source, resultCache, geo, baseline, cfg.CacheTTL, cfg.CoalesceTimeout, logger)

	// A failed initial load leaves the placeholder state: the server still
	// starts and POST /api/reload can recover once the data is in place.
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := trendService.Load(loadCtx); err != nil {
		logger.Warn("initial dataset load failed, starting in placeholder state", zap.Error(err))
	}
	loadCancel()

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(trendService, healthConfig, logger)

	observability.RegisterRateLimitGauges(cfg.RateLimitWindow)

	if cfg.PrewarmCache && trendService.SnapshotInfo().Loaded {
		prewarmer := cache.NewPrewarmer(trendService, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := prewarmer.Warm(warmCtx, cache.DefaultQueries()); err != nil {
			logger.Warn("cache prewarm failed", zap.Error(err))
		}
		warmCancel()
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Use(httphandler.SizeMetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/", handler.GetDashboard).Methods("GET")
	api := router.PathPrefix("/api").Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/trends", handler.GetTrends).Methods("GET")
	api.HandleFunc("/map", handler.GetMap).Methods("GET")
	api.HandleFunc("/stations", handler.GetStations).Methods("GET")
	api.HandleFunc("/stations/{id}", handler.GetStation).Methods("GET")
	api.HandleFunc("/stations/{id}/series", handler.GetSeries).Methods("GET")
	api.HandleFunc("/stations/{id}/decomposition", handler.GetDecomposition).Methods("GET")
	api.HandleFunc("/stations/{id}/summary", handler.GetSummary).Methods("GET")
	api.HandleFunc("/departments", handler.GetDepartments).Methods("GET")
	api.HandleFunc("/departments/{code}", handler.GetDepartmentShape).Methods("GET")
	api.HandleFunc("/reload", handler.PostReload).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
