package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dncl-checker/internal/browser"
)

func TestRunBoundsConcurrency(t *testing.T) {
	rt := &browser.FakeRuntime{}
	p, err := New(context.Background(), rt, Options{Contexts: 2, SessionsPerContext: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close(context.Background())

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), func(ctx context.Context, _ browser.Session) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("concurrency ceiling exceeded: peak %d", got)
	}
	launched, _, sessions := rt.Snapshot()
	if launched != 2 {
		t.Fatalf("expected 2 contexts, got %d", launched)
	}
	if sessions != 8 {
		t.Fatalf("expected 8 sessions, got %d", sessions)
	}
}

func TestSessionClosedOnHandlerError(t *testing.T) {
	var last *browser.FakeSession
	var mu sync.Mutex
	rt := &browser.FakeRuntime{SessionFactory: func() *browser.FakeSession {
		s := browser.NewFakeSession()
		mu.Lock()
		last = s
		mu.Unlock()
		return s
	}}
	p, err := New(context.Background(), rt, Options{Contexts: 1, SessionsPerContext: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close(context.Background())

	boom := errors.New("boom")
	if err := p.Run(context.Background(), func(context.Context, browser.Session) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if last == nil || !last.Closed() {
		t.Fatalf("session not closed after handler error")
	}
}

func TestSessionClosedOnPanic(t *testing.T) {
	var last *browser.FakeSession
	rt := &browser.FakeRuntime{SessionFactory: func() *browser.FakeSession {
		last = browser.NewFakeSession()
		return last
	}}
	p, err := New(context.Background(), rt, Options{Contexts: 1, SessionsPerContext: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close(context.Background())

	err = p.Run(context.Background(), func(context.Context, browser.Session) error {
		panic("mid-attempt failure")
	})
	if err == nil {
		t.Fatalf("expected panic converted to error")
	}
	if !last.Closed() {
		t.Fatalf("session leaked after panic")
	}
	// The slot must be returned, so a second Run still works.
	if err := p.Run(context.Background(), func(context.Context, browser.Session) error {
		return nil
	}); err != nil {
		t.Fatalf("pool unusable after panic: %v", err)
	}
}

func TestStaggeredLaunch(t *testing.T) {
	rt := &browser.FakeRuntime{}
	p, err := New(context.Background(), rt, Options{Contexts: 3, SessionsPerContext: 1, Stagger: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close(context.Background())

	if len(rt.LaunchTimes) != 3 {
		t.Fatalf("expected 3 launches, got %d", len(rt.LaunchTimes))
	}
	for i := 1; i < len(rt.LaunchTimes); i++ {
		if gap := rt.LaunchTimes[i].Sub(rt.LaunchTimes[i-1]); gap < 20*time.Millisecond {
			t.Fatalf("launch %d not staggered: gap %s", i, gap)
		}
	}
	// Distinct storage partitions per context.
	seen := map[string]bool{}
	for _, dir := range rt.ProfileDirs {
		if seen[dir] {
			t.Fatalf("profile dir reused: %s", dir)
		}
		seen[dir] = true
	}
}

func TestCloseTearsDownAllContexts(t *testing.T) {
	rt := &browser.FakeRuntime{}
	p, err := New(context.Background(), rt, Options{Contexts: 3, SessionsPerContext: 2})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	launched, closed, _ := rt.Snapshot()
	if launched != closed {
		t.Fatalf("leaked contexts: launched %d closed %d", launched, closed)
	}
	// Close is idempotent.
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
