// Package config loads service configuration from config/{ENV_NAME}.yaml
// with environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	// DataSource is "files", "sqlite" or "remote".
	DataSource       string
	ObservationsPath string
	StationsPath     string
	SQLitePath       string
	ObservationsURL  string
	StationsURL      string
	DepartmentsPath  string

	BaselineFromYear int
	BaselineToYear   int

	CatalogTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RequestTimeout  time.Duration
	CacheTTL        time.Duration
	CacheBackend    string // "in_memory" or "memcached"
	CoalesceTimeout time.Duration
	PrewarmCache    bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS    int
	RateLimitBurst  int
	RateLimitWindow time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Data struct {
		Source       string `yaml:"source"`
		Observations string `yaml:"observations"`
		Stations     string `yaml:"stations"`
		SQLitePath   string `yaml:"sqlite_path"`
		Remote       struct {
			Observations string `yaml:"observations_url"`
			Stations     string `yaml:"stations_url"`
			Timeout      string `yaml:"timeout"`
		} `yaml:"remote"`
		Departments string `yaml:"departments"`
	} `yaml:"data"`

	Baseline struct {
		FromYear int `yaml:"from_year"`
		ToYear   int `yaml:"to_year"`
	} `yaml:"baseline"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Prewarm         *bool  `yaml:"prewarm"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		RateLimitWindow  string `yaml:"rate_limit_window"`
	} `yaml:"reliability"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// CLIMATE_DATA_SOURCE, CACHE_BACKEND and MEMCACHED_ADDRS env vars override
// the file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.DataSource = strings.TrimSpace(strings.ToLower(os.Getenv("CLIMATE_DATA_SOURCE")))
	if cfg.DataSource == "" {
		cfg.DataSource = strings.TrimSpace(strings.ToLower(fc.Data.Source))
	}
	if cfg.DataSource == "" {
		cfg.DataSource = "files"
	}
	cfg.ObservationsPath = strings.TrimSpace(fc.Data.Observations)
	if cfg.ObservationsPath == "" {
		cfg.ObservationsPath = filepath.Join("data", "observations.csv")
	}
	cfg.StationsPath = strings.TrimSpace(fc.Data.Stations)
	if cfg.StationsPath == "" {
		cfg.StationsPath = filepath.Join("data", "stations.csv")
	}
	cfg.SQLitePath = strings.TrimSpace(fc.Data.SQLitePath)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join("data", "data.db")
	}
	cfg.ObservationsURL = strings.TrimSpace(fc.Data.Remote.Observations)
	cfg.StationsURL = strings.TrimSpace(fc.Data.Remote.Stations)
	cfg.CatalogTimeout = parseDuration(fc.Data.Remote.Timeout, 30*time.Second)
	cfg.DepartmentsPath = strings.TrimSpace(fc.Data.Departments)
	if cfg.DepartmentsPath == "" {
		cfg.DepartmentsPath = filepath.Join("data", "departments.geojson")
	}

	cfg.BaselineFromYear = fc.Baseline.FromYear
	cfg.BaselineToYear = fc.Baseline.ToYear
	if cfg.BaselineFromYear == 0 && cfg.BaselineToYear == 0 {
		// WMO climate normal period
		cfg.BaselineFromYear = 1961
		cfg.BaselineToYear = 1990
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 15*time.Minute)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 5*time.Second)
	cfg.PrewarmCache = true
	if fc.Cache.Prewarm != nil {
		cfg.PrewarmCache = *fc.Cache.Prewarm
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.RateLimitWindow = parseDuration(fc.Reliability.RateLimitWindow, 60*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values: the data
// source and cache backend must be known, a remote source needs both URLs,
// and the baseline window must be ordered.
func validate(cfg *Config) error {
	switch cfg.DataSource {
	case "files", "sqlite", "remote":
	default:
		return fmt.Errorf("data.source must be files, sqlite or remote, got %q", cfg.DataSource)
	}
	if cfg.DataSource == "remote" && (cfg.ObservationsURL == "" || cfg.StationsURL == "") {
		return fmt.Errorf("data.remote.observations_url and data.remote.stations_url required for remote source")
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.BaselineFromYear > cfg.BaselineToYear {
		return fmt.Errorf("baseline.from_year %d is after baseline.to_year %d", cfg.BaselineFromYear, cfg.BaselineToYear)
	}
	return nil
}
