// Package traffic keeps a sliding window of request outcomes. It is the
// single source of truth for the health handler's error-rate check and the
// rate-limit window gauges.
package traffic

import (
	"sync"
	"time"
)

// maxWindow is the largest window any caller asks about; older events are
// pruned on every record.
const maxWindow = 5 * time.Minute

type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeDenied
)

type event struct {
	at   time.Time
	kind outcome
}

// Tracker keeps a time-ordered log of recent request outcomes.
type Tracker struct {
	mu     sync.Mutex
	events []event
}

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed request outcome (failed load, compute error).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errorCount, totalCount) within the window. totalCount =
// successes + errors; denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

func (t *Tracker) RecordSuccess() { t.record(outcomeSuccess) }
func (t *Tracker) RecordError()   { t.record(outcomeError) }
func (t *Tracker) RecordDenied()  { t.record(outcomeDenied) }

func (t *Tracker) record(kind outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.events = append(t.events, event{at: now, kind: kind})
	t.pruneLocked(now)
}

// count tallies events of each kind that are not older than the window.
func (t *Tracker) count(window time.Duration) (success, errs, denied int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, ev := range t.events {
		if ev.at.Before(cutoff) {
			continue
		}
		switch ev.kind {
		case outcomeSuccess:
			success++
		case outcomeError:
			errs++
		case outcomeDenied:
			denied++
		}
	}
	return success, errs, denied
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	success, errs, denied := t.count(window)
	return success + errs + denied
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	_, _, denied := t.count(window)
	return denied
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials do
// not count toward either value.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	success, errs, _ := t.count(window)
	return errs, errs + success
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than maxWindow. The log is time-ordered, so
// it only needs to find the first survivor. Must be called with the mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxWindow)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
