package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"dncl-checker/internal/browser"
)

func TestSiteKeyFromFrame(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.google.com/recaptcha/api2/anchor?ar=1&k=6Ld-site-key&co=aHR0", "6Ld-site-key"},
		{"https://www.google.com/recaptcha/api2/anchor", ""},
		{"://bad url", ""},
	}
	for _, tc := range cases {
		if got := siteKeyFromFrame(tc.url); got != tc.want {
			t.Fatalf("siteKeyFromFrame(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func solverServer(t *testing.T, readyAfter int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var req createTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode createTask: %v", err)
			}
			if req.Task.Type != "RecaptchaV2TaskProxyless" {
				t.Errorf("task type = %q", req.Task.Type)
			}
			if req.Task.WebsiteKey == "" {
				t.Error("createTask missing site key")
			}
			json.NewEncoder(w).Encode(createTaskResponse{TaskID: 99})
		case "/getTaskResult":
			if polls.Add(1) < readyAfter {
				json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errorId": 0, "status": "ready",
				"solution": map[string]string{"token": "solver-token"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	return srv, &polls
}

func TestSolverClientSolve(t *testing.T) {
	srv, polls := solverServer(t, 3)
	defer srv.Close()

	c := NewSolverClient(srv.URL, "api-key", "test-agent")
	c.PollInterval = time.Millisecond

	token, err := c.Solve(context.Background(), "site-key", "https://example.test")
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if token != "solver-token" {
		t.Fatalf("token = %q", token)
	}
	if polls.Load() != 3 {
		t.Fatalf("polled %d times, want 3", polls.Load())
	}
}

func TestSolverClientPollBudget(t *testing.T) {
	srv, _ := solverServer(t, 1<<30)
	defer srv.Close()

	c := NewSolverClient(srv.URL, "api-key", "test-agent")
	c.PollInterval = time.Millisecond
	c.MaxPolls = 3

	if _, err := c.Solve(context.Background(), "site-key", "https://example.test"); err == nil {
		t.Fatal("expected error after poll budget exhausted")
	}
}

func TestSolverClientCreateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createTaskResponse{ErrorID: 1, ErrorDescription: "ERROR_KEY_DOES_NOT_EXIST"})
	}))
	defer srv.Close()

	c := NewSolverClient(srv.URL, "bad-key", "test-agent")
	if _, err := c.Solve(context.Background(), "site-key", "https://example.test"); err == nil {
		t.Fatal("expected create error")
	}
}

func TestExternalSolveInjectsToken(t *testing.T) {
	srv, _ := solverServer(t, 1)
	defer srv.Close()

	c := NewSolverClient(srv.URL, "api-key", "test-agent")
	c.PollInterval = time.Millisecond

	widget := &browser.FakeFrame{FrameURL: "https://www.google.com/recaptcha/api2/anchor?k=site-key"}
	sess := browser.NewFakeSession().AddFrame(widget)
	var evals []string
	sess.EvalFunc = func(script string) (string, error) {
		evals = append(evals, script)
		return "ok", nil
	}

	ch := &Challenge{AttemptID: uuid.New(), Session: sess, Widget: widget, PageURL: "https://example.test"}
	e := NewExternalStrategy(c)
	if err := e.Solve(context.Background(), ch); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	if v, _ := sess.Value(context.Background(), SelToken); v != "solver-token" {
		t.Fatalf("injected token = %q", v)
	}
	if len(evals) != 1 || evals[0] != callbackScript {
		t.Fatalf("evals = %d, want single callback invocation", len(evals))
	}
}

func TestExternalSolveFallsBackToSubmit(t *testing.T) {
	srv, _ := solverServer(t, 1)
	defer srv.Close()

	c := NewSolverClient(srv.URL, "api-key", "test-agent")
	c.PollInterval = time.Millisecond

	widget := &browser.FakeFrame{FrameURL: "https://www.google.com/recaptcha/api2/anchor?k=site-key"}
	sess := browser.NewFakeSession().AddFrame(widget)
	var evals []string
	sess.EvalFunc = func(script string) (string, error) {
		evals = append(evals, script)
		if script == callbackScript {
			return "", errors.New("callback not found")
		}
		return "ok", nil
	}

	ch := &Challenge{AttemptID: uuid.New(), Session: sess, Widget: widget, PageURL: "https://example.test"}
	if err := NewExternalStrategy(c).Solve(context.Background(), ch); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(evals) != 2 || evals[1] != submitScript {
		t.Fatalf("expected callback then submit, got %d evals", len(evals))
	}
}

func TestExternalSolveMissingSiteKey(t *testing.T) {
	widget := &browser.FakeFrame{FrameURL: "https://www.google.com/recaptcha/api2/anchor"}
	ch := &Challenge{AttemptID: uuid.New(), Widget: widget}

	e := NewExternalStrategy(NewSolverClient("http://unused", "k", "ua"))
	if err := e.Solve(context.Background(), ch); err != ErrNoAnswer {
		t.Fatalf("Solve = %v, want ErrNoAnswer", err)
	}
}
