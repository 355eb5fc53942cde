// Package catalog downloads dataset resources from the open-data catalog.
// Transient failures are retried with exponential backoff and jitter; the
// caller sees a single error once retries are exhausted.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/loader"
	"github.com/cpoullain/climate-trends-service/internal/models"
	"github.com/cpoullain/climate-trends-service/internal/observability"
)

var (
	ErrResourceNotFound   = errors.New("catalog resource not found")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrRateLimited        = errors.New("catalog rate limited")
)

// Client fetches catalog resources over HTTP.
type Client struct {
	httpClient     *http.Client
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return NewClientWithRetry(timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewClientWithRetry(timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) *Client {
	return &Client{
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchResource downloads one resource body, retrying transient failures.
func (c *Client) FetchResource(ctx context.Context, resourceURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.CatalogRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.fetch(ctx, resourceURL)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *Client) fetch(ctx context.Context, resourceURL string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, resourceURL, nil)
	if err != nil {
		observability.CatalogFetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, */*")

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.CatalogFetchesTotal.WithLabelValues("error").Inc()
		observability.CatalogFetchDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.CatalogFetchesTotal.WithLabelValues(status).Inc()
	observability.CatalogFetchDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *Client) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrCatalogUnavailable) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}

	return false
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: HTTP %d", ErrResourceNotFound, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrCatalogUnavailable, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrCatalogUnavailable, resp.StatusCode)
	}

	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// RemoteSource downloads both datasets from their catalog resource URLs and
// parses them with the same rules as local files.
type RemoteSource struct {
	client          *Client
	loader          *loader.Loader
	logger          *zap.Logger
	observationsURL string
	stationsURL     string
}

func NewRemoteSource(c *Client, l *loader.Loader, logger *zap.Logger, observationsURL, stationsURL string) *RemoteSource {
	return &RemoteSource{
		client:          c,
		loader:          l,
		logger:          logger,
		observationsURL: observationsURL,
		stationsURL:     stationsURL,
	}
}

func (s *RemoteSource) Name() string { return "remote" }

func (s *RemoteSource) Load(ctx context.Context) (*models.Snapshot, error) {
	obsBody, err := s.client.FetchResource(ctx, s.observationsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}
	obs, stats, err := s.loader.ParseObservations(bytes.NewReader(obsBody), s.observationsURL)
	if err != nil {
		return nil, err
	}

	stationsBody, err := s.client.FetchResource(ctx, s.stationsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch stations: %w", err)
	}
	stations, stationStats, err := s.loader.ParseStations(bytes.NewReader(stationsBody), s.stationsURL)
	if err != nil {
		return nil, err
	}

	snap, duplicates := s.loader.NewSnapshot(obs, stations, s.Name())

	s.logger.Info("datasets loaded",
		zap.String("source", s.Name()),
		zap.Int("observations", len(snap.Observations)),
		zap.Int("stations", stationStats.Stations),
		zap.Int("missingValues", stats.MissingValues),
		zap.Int("duplicates", duplicates))

	return snap, nil
}
