// Package stats keeps a rolling view of pipeline throughput for operator
// output and completion estimates.
package stats

import (
	"fmt"
	"sync"
	"time"

	"dncl-checker/internal/models"
)

// windowSize caps the rolling window so long runs report recent behavior
// instead of the lifetime average.
const windowSize = 500

type result struct {
	success   bool
	processed bool
	at        time.Time
}

// Tracker accumulates attempt results. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	results []result
	started time.Time
	now     func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.started = t.now()
	return t
}

// NewTrackerAt uses an injected clock. For tests.
func NewTrackerAt(now func() time.Time) *Tracker {
	t := &Tracker{now: now}
	t.started = t.now()
	return t
}

// Record adds one attempt outcome. success marks a solved challenge;
// status decides whether the task counts as processed (a definitive
// registry answer, not ERROR).
func (t *Tracker) Record(success bool, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, result{
		success:   success,
		processed: models.Terminal(status),
		at:        t.now(),
	})
	if len(t.results) > windowSize {
		t.results = t.results[1:]
	}
}

// Snapshot is one point-in-time view of the window.
type Snapshot struct {
	// SuccessRate is the solved fraction of windowed attempts, 0..100.
	SuccessRate float64
	// AvgSeconds is wall time per definitively processed task.
	AvgSeconds float64
	// Window is the number of attempts currently in the window.
	Window int
	// Processed is the number of windowed attempts with a definitive answer.
	Processed int
}

// Stats reports the current window. ok is false before any result arrives.
func (t *Tracker) Stats() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.results) == 0 {
		return Snapshot{}, false
	}

	var successes, processed int
	for _, r := range t.results {
		if r.success {
			successes++
		}
		if r.processed {
			processed++
		}
	}
	s := Snapshot{
		SuccessRate: float64(successes) / float64(len(t.results)) * 100,
		Window:      len(t.results),
		Processed:   processed,
	}
	if processed > 0 {
		elapsed := t.now().Sub(t.started).Seconds()
		s.AvgSeconds = elapsed / float64(processed)
	}
	return s, true
}

// ETA estimates time to drain remaining tasks at the observed pace.
// Zero when no pace is established yet.
func (t *Tracker) ETA(remaining int64) time.Duration {
	s, ok := t.Stats()
	if !ok || s.AvgSeconds == 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) * s.AvgSeconds * float64(time.Second))
}

// String renders the window the way the worker logs it between batches.
func (s Snapshot) String() string {
	return fmt.Sprintf("success %.2f%%, %.2fs/number, window %d (%d processed)",
		s.SuccessRate, s.AvgSeconds, s.Window, s.Processed)
}
