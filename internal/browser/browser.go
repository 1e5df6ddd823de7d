// Package browser defines the boundary to the interactive session runtime.
// The pipeline never talks to a rendering engine directly; it drives these
// interfaces, which an adapter backs with a real headless browser.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a frame or element cannot be located.
var ErrNotFound = errors.New("browser: not found")

var runtimeFactory func(ctx context.Context) (Runtime, error)

// RegisterRuntime installs the runtime adapter. Called from the adapter
// package's init, the same way database/sql drivers register themselves.
func RegisterRuntime(f func(ctx context.Context) (Runtime, error)) {
	runtimeFactory = f
}

// NewRuntime builds the registered runtime adapter.
func NewRuntime(ctx context.Context) (Runtime, error) {
	if runtimeFactory == nil {
		return nil, errors.New("browser: no runtime adapter registered")
	}
	return runtimeFactory(ctx)
}

// ContextOptions configure one isolated execution context.
type ContextOptions struct {
	// ProfileDir is the storage partition for this context. Each context
	// gets its own so detection signals accumulated in one cannot taint
	// the others.
	ProfileDir string
	UserAgent  string
}

// Runtime launches isolated execution contexts.
type Runtime interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
}

// Context is a long-lived isolated environment hosting sessions.
type Context interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is a single tab, bound to exactly one task attempt.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Frame returns the first frame whose URL contains urlPart.
	Frame(ctx context.Context, urlPart string) (Frame, error)
	// Value reads the current value of a form element on the top page.
	Value(ctx context.Context, selector string) (string, error)
	// SetValue writes a form element's value directly, bypassing input
	// simulation. Used for injected proof tokens.
	SetValue(ctx context.Context, selector, value string) error
	// Eval runs a script on the top page and returns its string result.
	Eval(ctx context.Context, script string) (string, error)
	Close(ctx context.Context) error
}

// Frame exposes inspection and input simulation inside one iframe.
type Frame interface {
	URL() string
	// WaitVisible blocks until selector is rendered with non-zero area.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	// ClickNth clicks the n-th (zero-based) element matching selector.
	ClickNth(ctx context.Context, selector string, n int) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Attr(ctx context.Context, selector, name string) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	// Screenshot captures the element matching selector as PNG bytes.
	Screenshot(ctx context.Context, selector string) ([]byte, error)
}
