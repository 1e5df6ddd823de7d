// Package pool manages a bounded set of long-lived browser contexts and
// hands out single-use sessions inside them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"dncl-checker/internal/browser"
)

// Pool owns its contexts. Total concurrency is len(contexts) × sessions
// per context; every slot is pinned to one context so a task's session
// always lives in exactly one storage partition.
type Pool struct {
	contexts []browser.Context
	slots    chan int

	closeOnce sync.Once
	closeErr  error
}

// Options size the pool.
type Options struct {
	Contexts           int
	SessionsPerContext int
	// Stagger is the delay between context launches. Simultaneously
	// created contexts share a fingerprintable launch signature.
	Stagger    time.Duration
	ProfileDir string
	UserAgent  string
}

// New launches the pool's contexts one by one. On any launch failure the
// already-launched contexts are torn down before the error is returned.
func New(ctx context.Context, rt browser.Runtime, opts Options) (*Pool, error) {
	if opts.Contexts < 1 {
		opts.Contexts = 1
	}
	if opts.SessionsPerContext < 1 {
		opts.SessionsPerContext = 1
	}

	p := &Pool{
		slots: make(chan int, opts.Contexts*opts.SessionsPerContext),
	}
	for i := 0; i < opts.Contexts; i++ {
		if i > 0 && opts.Stagger > 0 {
			select {
			case <-ctx.Done():
				_ = p.Close(context.Background())
				return nil, ctx.Err()
			case <-time.After(opts.Stagger):
			}
		}
		bc, err := rt.NewContext(ctx, browser.ContextOptions{
			ProfileDir: filepath.Join(opts.ProfileDir, fmt.Sprintf("profile-%d", i+1)),
			UserAgent:  opts.UserAgent,
		})
		if err != nil {
			_ = p.Close(context.Background())
			return nil, fmt.Errorf("launch context %d: %w", i+1, err)
		}
		p.contexts = append(p.contexts, bc)
		for s := 0; s < opts.SessionsPerContext; s++ {
			p.slots <- i
		}
	}
	return p, nil
}

// Run executes fn inside a fresh session. It blocks for a free slot, opens
// the session in that slot's context and closes it on every exit path. A
// panic inside fn is converted to an error so sibling attempts keep running.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context, sess browser.Session) error) (err error) {
	var idx int
	select {
	case <-ctx.Done():
		return ctx.Err()
	case idx = <-p.slots:
	}
	defer func() { p.slots <- idx }()

	sess, err := p.contexts[idx].NewSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.Background()); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("session handler panic: %v", r)
		}
	}()

	return fn(ctx, sess)
}

// Close tears down every context. Safe to call more than once; the first
// error from any context close is retained.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		var errs []error
		for i, bc := range p.contexts {
			if err := bc.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close context %d: %w", i+1, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
