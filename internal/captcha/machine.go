package captcha

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"dncl-checker/internal/browser"
	"dncl-checker/internal/config"
)

// Options bound every wait and retry in the state machine. Zero values are
// replaced by the defaults observed to work against the live widget.
type Options struct {
	TargetURL string
	// PrepScript runs after navigation to move the host page into the
	// state that renders the widget.
	PrepScript string

	MaxAttempts     int
	MaxReloads      int
	WidgetPolls     int
	WidgetPollDelay time.Duration
	ImmediateWindow time.Duration
	TokenPoll       time.Duration
	VerifyWindow    time.Duration
	PanelWait       time.Duration
	// PreClickMin/Max bound the randomized pause before interactions.
	PreClickMin time.Duration
	PreClickMax time.Duration
	// ReloadPause is the base wait after requesting a fresh instance.
	ReloadPause time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.MaxReloads == 0 {
		o.MaxReloads = 3
	}
	if o.WidgetPolls == 0 {
		o.WidgetPolls = 5
	}
	if o.WidgetPollDelay == 0 {
		o.WidgetPollDelay = time.Second
	}
	if o.ImmediateWindow == 0 {
		o.ImmediateWindow = 2 * time.Second
	}
	if o.TokenPoll == 0 {
		o.TokenPoll = 100 * time.Millisecond
	}
	if o.VerifyWindow == 0 {
		o.VerifyWindow = 5 * time.Second
	}
	if o.PanelWait == 0 {
		o.PanelWait = 10 * time.Second
	}
	if o.PreClickMin == 0 {
		o.PreClickMin = 200 * time.Millisecond
	}
	if o.PreClickMax == 0 {
		o.PreClickMax = 700 * time.Millisecond
	}
	if o.ReloadPause == 0 {
		o.ReloadPause = time.Second
	}
}

// OptionsFromConfig maps runtime configuration onto machine bounds.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TargetURL:       cfg.TargetURL,
		PrepScript:      DefaultPrepScript,
		MaxAttempts:     cfg.MaxSolveAttempts,
		MaxReloads:      cfg.MaxReloads,
		WidgetPolls:     cfg.WidgetPolls,
		WidgetPollDelay: cfg.WidgetPollDelay,
		ImmediateWindow: cfg.ImmediateWindow,
		TokenPoll:       cfg.TokenPoll,
		VerifyWindow:    cfg.VerifyWindow,
	}
}

// DefaultPrepScript advances the host page's form state so the widget is
// rendered without filling the number field.
const DefaultPrepScript = `(function(){
	var el = document.querySelector('[ng-show="state==\'number\'"]');
	if (!el) { return 'no-element'; }
	var scope = angular.element(el).scope();
	scope.model = scope.model || {};
	scope.state = 'confirm';
	scope.$apply();
	return 'ok';
})()`

// Machine drives one session from widget activation to a terminal outcome.
// Every blocking wait carries an upper bound, so Run always terminates; all
// session errors are converted to terminal outcomes at this boundary.
type Machine struct {
	strategy Strategy
	opts     Options
}

func NewMachine(strategy Strategy, opts Options) *Machine {
	opts.defaults()
	return &Machine{strategy: strategy, opts: opts}
}

// Run executes one challenge attempt in sess.
func (m *Machine) Run(ctx context.Context, sess browser.Session) Outcome {
	o := &Outcome{}
	attemptID := uuid.New()

	state := StateInit
	o.Trace = append(o.Trace, state)

	if err := m.activate(ctx, sess); err != nil {
		return m.fail(o, fmt.Sprintf("activate: %v", err))
	}
	state = StateActivated
	o.Trace = append(o.Trace, state)

	// Fast path: some attempts pass without any sub-challenge.
	if token := waitToken(ctx, sess, m.opts.ImmediateWindow, m.opts.TokenPoll); token != "" {
		o.Trace = append(o.Trace, StateImmediatePass, StateSolved)
		o.Result = Solved
		o.Token = token
		o.Immediate = true
		return *o
	}

	panel, err := m.findFrame(ctx, sess, SelPanelFrame)
	if err != nil {
		return m.fail(o, "sub-challenge frame never appeared")
	}
	widget, err := m.findFrame(ctx, sess, SelAnchorFrame)
	if err != nil {
		return m.fail(o, "widget frame lost after activation")
	}
	if isBlocked(ctx, panel) {
		return m.block(o)
	}
	o.Trace = append(o.Trace, StateAwaitingSubchallenge)

	ch := &Challenge{
		AttemptID: attemptID,
		Session:   sess,
		Widget:    widget,
		Panel:     panel,
		PageURL:   m.opts.TargetURL,
	}

	reloads := 0
	graceUsed := false
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		o.Attempts = attempt
		o.Trace = append(o.Trace, StateSolving)

		err := m.strategy.Solve(ctx, ch)
		switch {
		case errors.Is(err, ErrBlocked):
			return m.block(o)
		case errors.Is(err, ErrNoAnswer):
			if isBlocked(ctx, panel) {
				return m.block(o)
			}
			reloads++
			if reloads > m.opts.MaxReloads {
				return m.fail(o, "challenge reloads exhausted")
			}
			log.Printf("[captcha] %s attempt %d: no answer, requesting fresh instance", attemptID, attempt)
			_ = panel.Click(ctx, SelReload)
			sleepJitter(ctx, m.opts.ReloadPause, 2*m.opts.ReloadPause)
			o.Trace = append(o.Trace, StateRetry)
			continue
		case err != nil:
			if isBlocked(ctx, panel) {
				return m.block(o)
			}
			return m.fail(o, fmt.Sprintf("strategy %s: %v", m.strategy.Name(), err))
		}

		o.Trace = append(o.Trace, StateVerifying)
		if token := waitToken(ctx, sess, m.opts.VerifyWindow, m.opts.TokenPoll); token != "" {
			o.Trace = append(o.Trace, StateSolved)
			o.Result = Solved
			o.Token = token
			return *o
		}
		if isBlocked(ctx, panel) {
			return m.block(o)
		}

		if surfacePresent(ctx, panel) {
			// Submission rejected; a fresh instance is already showing.
			o.Trace = append(o.Trace, StateRetry)
			continue
		}
		// Surface gone with no token: allow one grace retry, then give up.
		if graceUsed {
			return m.fail(o, "challenge surface gone without token")
		}
		graceUsed = true
		o.Trace = append(o.Trace, StateRetry)
	}

	return m.fail(o, "solve attempts exhausted")
}

// activate locates the widget and clicks its primary control.
func (m *Machine) activate(ctx context.Context, sess browser.Session) error {
	if m.opts.TargetURL != "" {
		if err := sess.Navigate(ctx, m.opts.TargetURL); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
	}
	if m.opts.PrepScript != "" {
		if _, err := sess.Eval(ctx, m.opts.PrepScript); err != nil {
			return fmt.Errorf("prepare page: %w", err)
		}
	}

	widget, err := m.findFrame(ctx, sess, SelAnchorFrame)
	if err != nil {
		return fmt.Errorf("widget frame: %w", err)
	}
	// WaitVisible gates on a rendered, non-zero-area control.
	if err := widget.WaitVisible(ctx, SelCheckbox, m.opts.PanelWait); err != nil {
		return fmt.Errorf("checkbox: %w", err)
	}
	// Uniform click timing is a detection signature.
	sleepJitter(ctx, m.opts.PreClickMin, m.opts.PreClickMax)
	if err := widget.Click(ctx, SelCheckbox); err != nil {
		return fmt.Errorf("click checkbox: %w", err)
	}
	return nil
}

func (m *Machine) findFrame(ctx context.Context, sess browser.Session, urlPart string) (browser.Frame, error) {
	var lastErr error
	for i := 0; i < m.opts.WidgetPolls; i++ {
		f, err := sess.Frame(ctx, urlPart)
		if err == nil {
			return f, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opts.WidgetPollDelay):
		}
	}
	return nil, lastErr
}

func (m *Machine) fail(o *Outcome, detail string) Outcome {
	o.Trace = append(o.Trace, StateFailed)
	o.Result = Failed
	o.Detail = detail
	return *o
}

func (m *Machine) block(o *Outcome) Outcome {
	o.Trace = append(o.Trace, StateBlocked)
	o.Result = Blocked
	o.Detail = "blocking signal detected"
	return *o
}

// waitToken samples the token field at a short cadence capped by window,
// so a fast success short-circuits the full wait.
func waitToken(ctx context.Context, sess browser.Session, window, interval time.Duration) string {
	deadline := time.Now().Add(window)
	for {
		if v, err := sess.Value(ctx, SelToken); err == nil && v != "" {
			return v
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(interval):
		}
	}
}

// isBlocked checks for the widget's hard-block banner. This signal wins
// any race against other pending checks.
func isBlocked(ctx context.Context, panel browser.Frame) bool {
	text, err := panel.Text(ctx, SelBlockedHeader)
	if err != nil {
		return false
	}
	return strings.Contains(text, blockedHeaderFragment)
}

func surfacePresent(ctx context.Context, panel browser.Frame) bool {
	for _, sel := range []string{SelImageChallenge, SelAudioDownload} {
		if ok, err := panel.Exists(ctx, sel); err == nil && ok {
			return true
		}
	}
	return false
}

func sleepJitter(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
