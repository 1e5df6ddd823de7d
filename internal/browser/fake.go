package browser

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeRuntime is a scripted in-memory runtime used by package tests across
// the repository. Behavior is configured per session through SessionFactory.
type FakeRuntime struct {
	mu sync.Mutex
	// SessionFactory builds the session each FakeContext hands out. When
	// nil, an empty FakeSession is returned.
	SessionFactory func() *FakeSession
	// LaunchErr, when set, fails every context launch.
	LaunchErr error

	ContextsLaunched int
	ContextsClosed   int
	SessionsOpened   int
	LaunchTimes      []time.Time
	ProfileDirs      []string
}

func (r *FakeRuntime) NewContext(_ context.Context, opts ContextOptions) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LaunchErr != nil {
		return nil, r.LaunchErr
	}
	r.ContextsLaunched++
	r.LaunchTimes = append(r.LaunchTimes, time.Now())
	r.ProfileDirs = append(r.ProfileDirs, opts.ProfileDir)
	return &FakeContext{runtime: r}, nil
}

// Snapshot returns launch/close counters under the lock.
func (r *FakeRuntime) Snapshot() (launched, closed, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ContextsLaunched, r.ContextsClosed, r.SessionsOpened
}

// FakeContext hosts fake sessions.
type FakeContext struct {
	runtime    *FakeRuntime
	SessionErr error
}

func (c *FakeContext) NewSession(context.Context) (Session, error) {
	if c.SessionErr != nil {
		return nil, c.SessionErr
	}
	c.runtime.mu.Lock()
	factory := c.runtime.SessionFactory
	c.runtime.SessionsOpened++
	c.runtime.mu.Unlock()
	if factory == nil {
		return NewFakeSession(), nil
	}
	return factory(), nil
}

func (c *FakeContext) Close(context.Context) error {
	c.runtime.mu.Lock()
	c.runtime.ContextsClosed++
	c.runtime.mu.Unlock()
	return nil
}

// FakeSession is a scripted session. Frames are matched by URL substring,
// the same way the real runtime locates challenge iframes.
type FakeSession struct {
	mu       sync.Mutex
	frames   []*FakeFrame
	values   map[string]string
	closed   bool
	NavErr   error
	EvalFunc func(script string) (string, error)
}

func NewFakeSession() *FakeSession {
	return &FakeSession{values: make(map[string]string)}
}

// AddFrame registers a frame reachable through Frame lookup.
func (s *FakeSession) AddFrame(f *FakeFrame) *FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.session = s
	s.frames = append(s.frames, f)
	return s
}

func (s *FakeSession) Navigate(context.Context, string) error { return s.NavErr }

func (s *FakeSession) Frame(_ context.Context, urlPart string) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if strings.Contains(f.FrameURL, urlPart) {
			return f, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FakeSession) Value(_ context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[selector], nil
}

func (s *FakeSession) SetValue(_ context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[selector] = value
	return nil
}

func (s *FakeSession) Eval(_ context.Context, script string) (string, error) {
	if s.EvalFunc != nil {
		return s.EvalFunc(script)
	}
	return "", nil
}

func (s *FakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeFrame scripts one iframe. Zero values mean "absent": selectors not
// present in Visible/Texts/Attrs behave like missing elements.
type FakeFrame struct {
	session *FakeSession
	mu      sync.Mutex

	FrameURL string
	Visible  map[string]bool
	Texts    map[string]string
	Attrs    map[string]map[string]string
	Counts   map[string]int
	PNG      []byte

	// OnClick runs after a successful click; n is -1 for plain Click.
	OnClick func(selector string, n int)
	// Typed accumulates text typed per selector.
	Typed map[string]string

	Clicks []string
}

func (f *FakeFrame) URL() string { return f.FrameURL }

// Set marks selector visible and present.
func (f *FakeFrame) Set(selector string) *FakeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Visible == nil {
		f.Visible = make(map[string]bool)
	}
	f.Visible[selector] = true
	return f
}

// Unset removes selector.
func (f *FakeFrame) Unset(selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Visible, selector)
	delete(f.Texts, selector)
}

// SetText sets a selector's text content (and marks it present).
func (f *FakeFrame) SetText(selector, text string) *FakeFrame {
	f.Set(selector)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Texts == nil {
		f.Texts = make(map[string]string)
	}
	f.Texts[selector] = text
	return f
}

func (f *FakeFrame) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		ok := f.Visible[selector]
		f.mu.Unlock()
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotFound
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *FakeFrame) Exists(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Visible[selector] {
		return true, nil
	}
	_, ok := f.Texts[selector]
	return ok, nil
}

func (f *FakeFrame) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	if !f.Visible[selector] {
		f.mu.Unlock()
		return ErrNotFound
	}
	f.Clicks = append(f.Clicks, selector)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(selector, -1)
	}
	return nil
}

func (f *FakeFrame) ClickNth(_ context.Context, selector string, n int) error {
	f.mu.Lock()
	if f.Counts[selector] <= n {
		f.mu.Unlock()
		return ErrNotFound
	}
	f.Clicks = append(f.Clicks, selector)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(selector, n)
	}
	return nil
}

func (f *FakeFrame) Type(_ context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Visible[selector] {
		return ErrNotFound
	}
	if f.Typed == nil {
		f.Typed = make(map[string]string)
	}
	f.Typed[selector] += text
	return nil
}

func (f *FakeFrame) Text(_ context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.Texts[selector]; ok {
		return t, nil
	}
	return "", ErrNotFound
}

func (f *FakeFrame) Attr(_ context.Context, selector, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if attrs, ok := f.Attrs[selector]; ok {
		if v, ok := attrs[name]; ok {
			return v, nil
		}
	}
	return "", ErrNotFound
}

func (f *FakeFrame) Count(_ context.Context, selector string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Counts[selector], nil
}

func (f *FakeFrame) Screenshot(_ context.Context, selector string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.PNG) == 0 {
		return nil, ErrNotFound
	}
	return f.PNG, nil
}

// Session returns the owning fake session, for click hooks that need to
// surface a proof token on the page.
func (f *FakeFrame) Session() *FakeSession { return f.session }
