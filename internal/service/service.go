// Package service orchestrates the data pipeline: it owns the current
// snapshot, runs loads and reloads, and answers queries by composing the
// aggregator, the spatial join and the result cache.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/cache"
	"github.com/cpoullain/climate-trends-service/internal/loader"
	"github.com/cpoullain/climate-trends-service/internal/models"
	"github.com/cpoullain/climate-trends-service/internal/observability"
	"github.com/cpoullain/climate-trends-service/internal/spatial"
	"github.com/cpoullain/climate-trends-service/internal/trends"
)

var (
	// ErrNoSnapshot means no dataset is loaded: the service is in the
	// placeholder state and data endpoints must answer unavailable.
	ErrNoSnapshot = errors.New("no dataset loaded")

	// ErrUnknownStation means the requested station ID is not in the
	// current snapshot.
	ErrUnknownStation = errors.New("unknown station")
)

// snapshotState bundles everything derived from one load. It is replaced
// wholesale on reload so every query reads a single consistent dataset.
type snapshotState struct {
	snap        *models.Snapshot
	index       *spatial.Index
	departments map[string]string // station ID -> department code
}

// TrendService is the query facade over the loaded dataset. Trend queries go
// through a cache-aside result cache; concurrent identical misses are
// coalesced so each distinct query is computed once.
type TrendService struct {
	source     loader.Source
	cache      cache.Cache
	ttl        time.Duration
	aggregator *trends.Aggregator
	geo        *spatial.Departments
	logger     *zap.Logger

	state atomic.Pointer[snapshotState]

	loadMu      sync.Mutex
	lastLoadErr error

	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if coalescing disabled
}

// NewTrendService wires the service. geo may be nil or empty; the dashboard
// then draws the map without choropleth shapes. Coalescing is disabled when
// coalesceTimeout is zero.
func NewTrendService(source loader.Source, resultCache cache.Cache, geo *spatial.Departments, baseline trends.Baseline, ttl, coalesceTimeout time.Duration, logger *zap.Logger) *TrendService {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	if geo == nil {
		geo = spatial.EmptyDepartments()
	}
	return &TrendService{
		source:          source,
		cache:           resultCache,
		ttl:             ttl,
		aggregator:      trends.NewAggregator(baseline),
		geo:             geo,
		logger:          logger,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// Load reads the datasets from the source and swaps the snapshot in. On
// failure the service drops to the placeholder state and keeps the error for
// /health; it never takes the process down. Loads are serialized.
func (s *TrendService) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	start := time.Now()
	snap, err := s.source.Load(ctx)
	duration := time.Since(start)
	observability.DatasetLoadDuration.WithLabelValues(s.source.Name()).Observe(duration.Seconds())

	if err != nil {
		observability.DatasetLoadsTotal.WithLabelValues(s.source.Name(), "error").Inc()
		observability.SnapshotObservations.Set(0)
		observability.SnapshotStations.Set(0)
		s.state.Store(nil)
		s.lastLoadErr = err
		s.logger.Error("dataset load failed",
			zap.String("source", s.source.Name()),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	index := spatial.NewIndex(snap.Stations)
	s.state.Store(&snapshotState{
		snap:        snap,
		index:       index,
		departments: index.DepartmentsByStation(),
	})
	s.lastLoadErr = nil

	observability.DatasetLoadsTotal.WithLabelValues(s.source.Name(), "success").Inc()
	observability.SnapshotObservations.Set(float64(len(snap.Observations)))
	observability.SnapshotStations.Set(float64(len(snap.Stations)))
	s.logger.Info("dataset loaded",
		zap.String("source", s.source.Name()),
		zap.Int("observations", len(snap.Observations)),
		zap.Int("stations", len(snap.Stations)),
		zap.Duration("duration", duration))
	return nil
}

// LastLoadError reports why the service is in the placeholder state; nil
// when a snapshot is loaded.
func (s *TrendService) LastLoadError() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.lastLoadErr
}

// Info describes the current snapshot for /health and the reload response.
type Info struct {
	Loaded       bool      `json:"loaded"`
	Source       string    `json:"source,omitempty"`
	LoadedAt     time.Time `json:"loadedAt,omitempty"`
	Observations int       `json:"observations"`
	Stations     int       `json:"stations"`
	LastError    string    `json:"lastError,omitempty"`
}

func (s *TrendService) SnapshotInfo() Info {
	info := Info{}
	if st := s.state.Load(); st != nil {
		info.Loaded = true
		info.Source = st.snap.Source
		info.LoadedAt = st.snap.LoadedAt
		info.Observations = len(st.snap.Observations)
		info.Stations = len(st.snap.Stations)
	}
	if err := s.LastLoadError(); err != nil {
		info.LastError = err.Error()
	}
	return info
}

// GetTrends answers one aggregate query using the cache-aside pattern. Cache
// keys include the snapshot timestamp, so a reload invalidates every
// previous entry without an explicit flush.
func (s *TrendService) GetTrends(ctx context.Context, q models.TrendQuery) (models.TrendResult, error) {
	st := s.state.Load()
	if st == nil {
		return models.TrendResult{}, ErrNoSnapshot
	}

	observability.RecordTrendQuery(string(q.Variable))
	key := fmt.Sprintf("%s:%d", q.CacheKey(), st.snap.LoadedAt.UnixNano())
	logger := loggerFromContext(ctx)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("trends").Inc()
		if logger != nil {
			logger.Debug("trend cache hit", zap.String("key", key))
		}
		return cached, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(concurrentMisses))
	}

	var result models.TrendResult
	var computeErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		result, computeErr = s.coalescer.GetOrDo(ctx, key, func() (models.TrendResult, error) {
			return s.computeTrends(st, q)
		})
		coalesceWait := time.Since(coalesceStart)
		if computeErr == nil {
			// A wait this long means we piggybacked on someone
			// else's computation rather than starting our own.
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		result, computeErr = s.computeTrends(st, q)
	}
	if computeErr != nil {
		return models.TrendResult{}, computeErr
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, result, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("trend cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return result, nil
}

func (s *TrendService) computeTrends(st *snapshotState, q models.TrendQuery) (models.TrendResult, error) {
	start := time.Now()
	agg, err := s.aggregator.Aggregate(st.snap.Observations, q, st.departments)
	observability.AggregationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.TrendResult{}, err
	}

	result := models.TrendResult{
		Trends:            agg.Trends,
		Warnings:          []models.Warning{},
		ExcludedCount:     agg.ExcludedValues,
		UnmatchedStations: agg.UnmatchedStations,
	}
	if agg.UnmatchedStations > 0 {
		observability.UnmatchedStationsTotal.Add(float64(agg.UnmatchedStations))
		result.Warnings = append(result.Warnings, models.Warning{
			Code:    "UNMATCHED_STATION",
			Message: fmt.Sprintf("%d observations excluded: station has no department mapping", agg.UnmatchedStations),
		})
	}
	return result, nil
}

// GetMap answers the map query: the per-station values of one period bucket,
// joined with station coordinates. The query is aggregated by station
// regardless of its GroupBy; periodLabel selects the bucket, defaulting to
// the most recent one present.
func (s *TrendService) GetMap(ctx context.Context, q models.TrendQuery, periodLabel string) (models.MapResult, error) {
	st := s.state.Load()
	if st == nil {
		return models.MapResult{}, ErrNoSnapshot
	}

	q.GroupBy = models.GroupByStation
	q.Key = ""
	trendResult, err := s.GetTrends(ctx, q)
	if err != nil {
		return models.MapResult{}, err
	}

	if periodLabel == "" {
		// Bucket labels sort lexicographically in time order within one
		// period kind.
		for _, tr := range trendResult.Trends {
			if tr.Period > periodLabel {
				periodLabel = tr.Period
			}
		}
	}
	bucket := make([]models.AggregatedTrend, 0)
	for _, tr := range trendResult.Trends {
		if tr.Period == periodLabel {
			bucket = append(bucket, tr)
		}
	}

	joined := st.index.Join(bucket)
	if joined.Dropped > 0 {
		observability.UnmatchedStationsTotal.Add(float64(joined.Dropped))
	}
	return models.MapResult{
		Period:          periodLabel,
		Variable:        q.Variable,
		Statistic:       q.Statistic,
		Points:          joined.Joined,
		Warnings:        joined.Warnings,
		DroppedStations: joined.Dropped,
	}, nil
}

// Stations lists the snapshot's stations, optionally filtered by department.
func (s *TrendService) Stations(department string) ([]models.Station, error) {
	st := s.state.Load()
	if st == nil {
		return nil, ErrNoSnapshot
	}
	return st.index.List(department), nil
}

func (s *TrendService) StationByID(id string) (models.Station, error) {
	st := s.state.Load()
	if st == nil {
		return models.Station{}, ErrNoSnapshot
	}
	station, ok := st.index.Station(id)
	if !ok {
		return models.Station{}, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	return station, nil
}

// Series returns the raw monthly series of one station and variable. Year
// bounds are inclusive; zero means unbounded.
func (s *TrendService) Series(stationID string, variable models.VariableKind, fromYear, toYear int) (models.StationSeries, error) {
	st := s.state.Load()
	if st == nil {
		return models.StationSeries{}, ErrNoSnapshot
	}
	if _, ok := st.index.Station(stationID); !ok {
		return models.StationSeries{}, fmt.Errorf("%w: %s", ErrUnknownStation, stationID)
	}
	return trends.Series(st.snap.Observations, stationID, variable, fromYear, toYear), nil
}

// Decomposition runs the seasonal decomposition over a station's series.
func (s *TrendService) Decomposition(stationID string, variable models.VariableKind, fromYear, toYear int) (models.Decomposition, error) {
	series, err := s.Series(stationID, variable, fromYear, toYear)
	if err != nil {
		return models.Decomposition{}, err
	}
	return trends.Decompose(series)
}

// Summary condenses a station's yearly means into a trend summary. The
// yearly aggregation goes through the result cache like any other query.
func (s *TrendService) Summary(ctx context.Context, stationID string, variable models.VariableKind, fromYear, toYear int) (models.TrendSummary, error) {
	if _, err := s.StationByID(stationID); err != nil {
		return models.TrendSummary{}, err
	}
	result, err := s.GetTrends(ctx, models.TrendQuery{
		Variable:  variable,
		GroupBy:   models.GroupByStation,
		Key:       stationID,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
		FromYear:  fromYear,
		ToYear:    toYear,
	})
	if err != nil {
		return models.TrendSummary{}, err
	}
	return trends.Summarize(result.Trends)
}

// Departments lists the known department codes and names from the GeoJSON
// table.
func (s *TrendService) Departments() []spatial.DepartmentInfo {
	return s.geo.List()
}

// DepartmentShape returns the GeoJSON feature of one department.
func (s *TrendService) DepartmentShape(code string) (json.RawMessage, error) {
	return s.geo.Shape(code)
}

// loggerFromContext extracts the request-scoped logger if the middleware put
// one there.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// categorizeCacheError returns a stable label for cache error metrics
// (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
