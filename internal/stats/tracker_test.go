package stats

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"dncl-checker/internal/models"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestStatsEmptyWindow(t *testing.T) {
	tr := NewTrackerAt(newFakeClock().Now)
	if _, ok := tr.Stats(); ok {
		t.Fatal("Stats reported ok with no results")
	}
	if eta := tr.ETA(100); eta != 0 {
		t.Fatalf("ETA = %v before any result", eta)
	}
}

func TestStatsRates(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerAt(clock.Now)

	tr.Record(true, models.StatusActive)
	tr.Record(true, models.StatusInactive)
	tr.Record(false, models.StatusError)
	tr.Record(true, models.StatusError) // solved but registry call failed
	clock.Advance(40 * time.Second)

	s, ok := tr.Stats()
	if !ok {
		t.Fatal("Stats not ok")
	}
	if s.SuccessRate != 75 {
		t.Fatalf("SuccessRate = %v, want 75", s.SuccessRate)
	}
	if s.Processed != 2 {
		t.Fatalf("Processed = %d, want 2 (ERROR does not count)", s.Processed)
	}
	if s.AvgSeconds != 20 {
		t.Fatalf("AvgSeconds = %v, want 20", s.AvgSeconds)
	}
}

func TestETAScalesWithRemaining(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerAt(clock.Now)

	tr.Record(true, models.StatusActive)
	clock.Advance(10 * time.Second)

	if eta := tr.ETA(6); eta != time.Minute {
		t.Fatalf("ETA = %v, want 1m at 10s/number", eta)
	}
	if eta := tr.ETA(0); eta != 0 {
		t.Fatalf("ETA = %v for empty queue", eta)
	}
}

func TestWindowSlides(t *testing.T) {
	tr := NewTrackerAt(newFakeClock().Now)
	for i := 0; i < windowSize; i++ {
		tr.Record(false, models.StatusError)
	}
	for i := 0; i < windowSize/2; i++ {
		tr.Record(true, models.StatusActive)
	}

	s, _ := tr.Stats()
	if s.Window != windowSize {
		t.Fatalf("Window = %d, want %d", s.Window, windowSize)
	}
	if s.SuccessRate != 50 {
		t.Fatalf("SuccessRate = %v, want 50 after old failures aged out", s.SuccessRate)
	}
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{SuccessRate: 87.5, AvgSeconds: 12.3, Window: 8, Processed: 7}
	got := fmt.Sprint(s)
	want := "success 87.50%, 12.30s/number, window 8 (7 processed)"
	if got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}
