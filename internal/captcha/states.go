package captcha

// State is one phase of a challenge attempt.
type State int

const (
	StateInit State = iota
	StateActivated
	StateImmediatePass
	StateAwaitingSubchallenge
	StateSolving
	StateVerifying
	StateSolved
	StateBlocked
	StateRetry
	StateFailed
)

var stateNames = map[State]string{
	StateInit:                 "INIT",
	StateActivated:            "ACTIVATED",
	StateImmediatePass:        "IMMEDIATE_PASS",
	StateAwaitingSubchallenge: "AWAITING_SUBCHALLENGE",
	StateSolving:              "SOLVING",
	StateVerifying:            "VERIFYING",
	StateSolved:               "SOLVED",
	StateBlocked:              "BLOCKED",
	StateRetry:                "RETRY",
	StateFailed:               "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Result is the terminal classification of one attempt.
type Result int

const (
	// Solved carries a proof token.
	Solved Result = iota
	// Blocked means the widget refused the attempt outright. Per-attempt,
	// not fatal to the pipeline; the task re-enters the sweep cycle.
	Blocked
	// Failed covers timeouts, exhausted retries and session errors.
	// Same task-level treatment as Blocked, distinguished for logs.
	Failed
)

func (r Result) String() string {
	switch r {
	case Solved:
		return "SOLVED"
	case Blocked:
		return "BLOCKED"
	default:
		return "FAILED"
	}
}

// Outcome summarizes a finished attempt. Token is set only when Result is
// Solved and is consumed exactly once by the registry call.
type Outcome struct {
	Result   Result
	Token    string
	Attempts int
	// Immediate marks the no-subchallenge fast path.
	Immediate bool
	// Detail is free-form context for logs.
	Detail string
	// Trace records the visited states in order.
	Trace []State
}
