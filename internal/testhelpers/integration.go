//go:build integration
// +build integration

// Package testhelpers wires real dependencies for integration tests: the
// CSV file source pointed at a real dataset directory and an optional
// memcached backend.
package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cpoullain/climate-trends-service/internal/cache"
	"github.com/cpoullain/climate-trends-service/internal/loader"
	"github.com/cpoullain/climate-trends-service/internal/observability"
	"github.com/cpoullain/climate-trends-service/internal/service"
	"github.com/cpoullain/climate-trends-service/internal/spatial"
	"github.com/cpoullain/climate-trends-service/internal/trends"
)

// IntegrationConfig holds the environment-driven settings of an integration
// run.
type IntegrationConfig struct {
	DataDir       string // directory with observations.csv and stations.csv
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads the integration settings from the environment.
// Skips the test when CLIMATE_DATA_DIR is not set.
func GetIntegrationConfig(t *testing.T) IntegrationConfig {
	dataDir := os.Getenv("CLIMATE_DATA_DIR")
	if dataDir == "" {
		t.Skip("CLIMATE_DATA_DIR not set, skipping integration test")
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationConfig{
		DataDir:       dataDir,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService builds a loaded service over the real dataset
// files. Returns the service, the cache (for direct inspection) and a
// cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationConfig) (*service.TrendService, cache.Cache, func()) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	source := loader.NewFileSource(
		loader.New(logger),
		filepath.Join(cfg.DataDir, "observations.csv"),
		filepath.Join(cfg.DataDir, "stations.csv"),
	)

	var cacheSvc cache.Cache
	var cleanup func()
	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && memcachedCache.Ping() == nil {
			cacheSvc = memcachedCache
			cleanup = func() { _ = memcachedCache.Close() }
			t.Logf("using memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available, using in-memory cache")
			cacheSvc = cache.NewInMemoryCache()
			cleanup = func() {}
		}
	} else {
		cacheSvc = cache.NewInMemoryCache()
		cleanup = func() {}
	}

	geo := LoadDepartmentsOrEmpty(t, cfg)
	svc := service.NewTrendService(source, cacheSvc, geo, trends.DefaultBaseline, 5*time.Minute, 5*time.Second, logger)
	if err := svc.Load(context.Background()); err != nil {
		cleanup()
		t.Fatalf("Load() error = %v", err)
	}
	return svc, cacheSvc, cleanup
}

// LoadDepartmentsOrEmpty reads departements.geojson from the data directory,
// falling back to an empty table when the file is missing.
func LoadDepartmentsOrEmpty(t *testing.T, cfg IntegrationConfig) *spatial.Departments {
	geo, err := spatial.LoadDepartments(filepath.Join(cfg.DataDir, "departements.geojson"))
	if err != nil {
		t.Logf("departments geojson not available (%v), map shapes disabled", err)
		return spatial.EmptyDepartments()
	}
	return geo
}
