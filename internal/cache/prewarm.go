package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/models"
	"github.com/cpoullain/climate-trends-service/internal/observability"
)

// TrendFetcher is implemented by the service layer to compute (and cache) one
// trend query. Declared here so the prewarmer does not depend on the service
// package.
type TrendFetcher interface {
	GetTrends(ctx context.Context, q models.TrendQuery) (models.TrendResult, error)
}

// Prewarmer fills the cache with the queries the dashboard issues first (one
// yearly country-wide aggregate per variable, by default). It runs once,
// synchronously, at startup; there is no periodic refresh since cached
// results only change on an explicit reload.
type Prewarmer struct {
	fetcher TrendFetcher
	logger  *zap.Logger
}

// NewPrewarmer creates a Prewarmer that uses the given fetcher and logger.
func NewPrewarmer(fetcher TrendFetcher, logger *zap.Logger) *Prewarmer {
	return &Prewarmer{fetcher: fetcher, logger: logger}
}

// DefaultQueries returns the queries worth prewarming: yearly department
// means for each variable, the shape of the dashboard's landing chart.
func DefaultQueries() []models.TrendQuery {
	variables := models.Variables()
	queries := make([]models.TrendQuery, 0, len(variables))
	for _, v := range variables {
		queries = append(queries, models.TrendQuery{
			Variable:  v,
			GroupBy:   models.GroupByDepartment,
			Period:    models.PeriodYearly,
			Statistic: models.StatisticMean,
		})
	}
	return queries
}

// Warm computes each query concurrently, populating the cache through the
// fetcher. Returns an aggregated error if any query failed.
func (p *Prewarmer) Warm(ctx context.Context, queries []models.TrendQuery) error {
	start := time.Now()
	observability.CachePrewarmTotal.Inc()
	if p.logger != nil {
		p.logger.Info("prewarming cache", zap.Int("queries", len(queries)))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(queries))
	for _, q := range queries {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.fetcher.GetTrends(ctx, q); err != nil {
				errCh <- fmt.Errorf("prewarm %s: %w", q.CacheKey(), err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	duration := time.Since(start).Seconds()
	observability.CachePrewarmDurationSeconds.Observe(duration)
	if p.logger != nil {
		p.logger.Info("cache prewarm complete",
			zap.Int("queries", len(queries)),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CachePrewarmErrorsTotal.Inc()
		return fmt.Errorf("cache prewarm: %v", errs)
	}
	return nil
}
