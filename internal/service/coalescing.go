package service

import (
	"context"
	"sync"
	"time"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// inFlightComputation is one trend computation that several callers may be
// waiting on.
type inFlightComputation struct {
	mu      sync.Mutex
	result  models.TrendResult
	err     error
	done    bool
	waiters []chan struct{}
}

// requestCoalescer collapses concurrent misses for the same cache key into a
// single computation. Aggregating the full observation table is expensive
// enough that a burst of identical queries right after a reload should run
// it once, not once per request.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightComputation
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightComputation),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of an in-flight computation for key if one
// exists, waiting for it to finish; otherwise it starts fn and registers it.
// Waiting is bounded by the coalescer timeout and the caller's context.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.TrendResult, error)) (models.TrendResult, error) {
	rc.mu.Lock()
	comp, exists := rc.inFlight[key]
	if !exists {
		comp = &inFlightComputation{}
		rc.inFlight[key] = comp
		rc.mu.Unlock()

		go func() {
			result, err := fn()

			comp.mu.Lock()
			comp.result = result
			comp.err = err
			comp.done = true
			waiters := comp.waiters
			comp.waiters = nil
			comp.mu.Unlock()

			for _, notify := range waiters {
				close(notify)
			}
			rc.cleanup(key)
		}()

		return rc.wait(ctx, comp)
	}
	rc.mu.Unlock()
	return rc.wait(ctx, comp)
}

// wait blocks until comp completes, the coalescer timeout fires, or ctx is
// cancelled.
func (rc *requestCoalescer) wait(ctx context.Context, comp *inFlightComputation) (models.TrendResult, error) {
	comp.mu.Lock()
	if comp.done {
		result := comp.result
		err := comp.err
		comp.mu.Unlock()
		if err != nil {
			return models.TrendResult{}, err
		}
		return result, nil
	}
	notify := make(chan struct{})
	comp.waiters = append(comp.waiters, notify)
	comp.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		comp.mu.Lock()
		result := comp.result
		err := comp.err
		comp.mu.Unlock()
		if err != nil {
			return models.TrendResult{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.TrendResult{}, waitCtx.Err()
	}
}

// cleanup drops the registration once the computation has completed and all
// waiters were notified.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
