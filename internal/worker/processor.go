// Package worker drives the pipeline: claim a batch, solve one challenge
// per number, spend each token on a registry call, persist the answer.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"dncl-checker/internal/browser"
	"dncl-checker/internal/captcha"
	"dncl-checker/internal/config"
	"dncl-checker/internal/models"
	"dncl-checker/internal/pool"
	"dncl-checker/internal/stats"
	"dncl-checker/internal/telemetry"
)

// limiterKey is the shared bucket for registry calls. All workers behind
// one egress identity contend on the same key.
const limiterKey = "dncl:check"

// Store is the slice of the persistence layer the processor needs.
type Store interface {
	ClaimBatch(ctx context.Context, n int) ([]models.Task, error)
	UpdateStatus(ctx context.Context, id int64, status, registrationDate, detail string) error
	SweepErrors(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Solver runs one challenge attempt in a session.
type Solver interface {
	Run(ctx context.Context, sess browser.Session) captcha.Outcome
}

// Checker spends a token on one registry lookup.
type Checker interface {
	Check(ctx context.Context, phone, token string) models.CheckResult
}

// Limiter paces registry calls.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Processor owns one end-to-end run over the queue.
type Processor struct {
	cfg     config.Config
	store   Store
	runtime browser.Runtime
	solver  Solver
	checker Checker
	limiter Limiter
	tracker *stats.Tracker
}

func NewProcessor(cfg config.Config, store Store, rt browser.Runtime, solver Solver, checker Checker, limiter Limiter) *Processor {
	return &Processor{
		cfg:     cfg,
		store:   store,
		runtime: rt,
		solver:  solver,
		checker: checker,
		limiter: limiter,
		tracker: stats.NewTracker(),
	}
}

// Tracker exposes the run's rolling stats.
func (p *Processor) Tracker() *stats.Tracker { return p.tracker }

// ProcessAll drains the queue: batches until no claimable work remains,
// then re-queues ERROR rows and drains again, up to RetryPasses sweeps.
// Storage failures abort the run; per-number failures never do.
func (p *Processor) ProcessAll(ctx context.Context) error {
	sweeps := 0
	for {
		if err := p.drain(ctx); err != nil {
			return err
		}
		if sweeps >= p.cfg.RetryPasses {
			return nil
		}
		sweeps++
		requeued, err := p.store.SweepErrors(ctx)
		if err != nil {
			return fmt.Errorf("sweep errors: %w", err)
		}
		if requeued == 0 {
			return nil
		}
		log.Printf("[worker] retry pass %d/%d: re-queued %d failed numbers", sweeps, p.cfg.RetryPasses, requeued)
	}
}

// drain claims and processes batches until the queue is empty.
func (p *Processor) drain(ctx context.Context) error {
	for {
		batch, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := p.processBatch(ctx, batch); err != nil {
			return err
		}
		p.logProgress(ctx)
	}
}

// processBatch launches a fresh pool per batch. Contexts are disposable:
// detection signals accumulate per profile, and a relaunch resets them.
func (p *Processor) processBatch(ctx context.Context, batch []models.Task) error {
	bp, err := pool.New(ctx, p.runtime, pool.Options{
		Contexts:           p.cfg.BrowserCount,
		SessionsPerContext: p.cfg.SessionsPerBrowser,
		Stagger:            p.cfg.LaunchStagger,
		ProfileDir:         p.cfg.ProfileDir,
		UserAgent:          p.cfg.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("launch pool: %w", err)
	}
	defer bp.Close(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range batch {
		task := task
		g.Go(func() error {
			return p.processTask(gctx, bp, task)
		})
	}
	return g.Wait()
}

// processTask runs one number to a persisted answer. Only storage errors
// propagate; solve and registry failures become an ERROR row.
func (p *Processor) processTask(ctx context.Context, bp *pool.Pool, task models.Task) error {
	start := time.Now()

	var outcome captcha.Outcome
	runErr := bp.Run(ctx, func(ctx context.Context, sess browser.Session) error {
		telemetry.SessionsInFlight.Inc()
		defer telemetry.SessionsInFlight.Dec()
		outcome = p.solver.Run(ctx, sess)
		return nil
	})
	if runErr != nil {
		outcome = captcha.Outcome{Result: captcha.Failed, Detail: runErr.Error()}
	}

	if outcome.Result != captcha.Solved {
		switch outcome.Result {
		case captcha.Blocked:
			telemetry.AttemptsBlocked.Inc()
		default:
			telemetry.AttemptsFailed.Inc()
		}
		p.tracker.Record(false, models.StatusError)
		log.Printf("[worker] %s: challenge %s after %d attempts (%s)",
			task.Telephone, outcome.Result, outcome.Attempts, outcome.Detail)
		if err := p.store.UpdateStatus(ctx, task.ID, models.StatusError, "", outcome.Detail); err != nil {
			return fmt.Errorf("persist failed attempt for %s: %w", task.Telephone, err)
		}
		return nil
	}

	telemetry.TokensSolved.Inc()
	if outcome.Immediate {
		telemetry.ImmediatePasses.Inc()
	}

	// The token is short-lived; the registry call follows immediately,
	// gated only by the shared pace limit.
	if err := p.limiter.Wait(ctx, limiterKey); err != nil {
		p.tracker.Record(true, models.StatusError)
		if uerr := p.store.UpdateStatus(ctx, task.ID, models.StatusError, "", "rate limit wait: "+err.Error()); uerr != nil {
			return fmt.Errorf("persist limiter failure for %s: %w", task.Telephone, uerr)
		}
		return nil
	}
	res := p.checker.Check(ctx, task.Telephone, outcome.Token)
	telemetry.ChecksByStatus.WithLabelValues(res.Status).Inc()
	p.tracker.Record(true, res.Status)

	log.Printf("[worker] %s: %s in %s", task.Telephone, res.Status, time.Since(start).Round(time.Millisecond))
	if err := p.store.UpdateStatus(ctx, task.ID, res.Status, res.RegistrationDate, res.Detail); err != nil {
		return fmt.Errorf("persist result for %s: %w", task.Telephone, err)
	}
	return nil
}

func (p *Processor) logProgress(ctx context.Context) {
	pending, err := p.store.PendingCount(ctx)
	if err != nil {
		return
	}
	telemetry.TasksPending.Set(float64(pending))
	if s, ok := p.tracker.Stats(); ok {
		log.Printf("[worker] %s, %d pending, eta %s", s, pending, p.tracker.ETA(pending).Round(time.Second))
	}
}
