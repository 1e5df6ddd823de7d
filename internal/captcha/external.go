package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExternalStrategy delegates the whole challenge to a paid asynchronous
// solving service and injects the returned token into the page.
type ExternalStrategy struct {
	solver *SolverClient
}

func NewExternalStrategy(solver *SolverClient) *ExternalStrategy {
	return &ExternalStrategy{solver: solver}
}

func (e *ExternalStrategy) Name() string { return "2captcha" }

func (e *ExternalStrategy) Solve(ctx context.Context, ch *Challenge) error {
	siteKey := siteKeyFromFrame(ch.Widget.URL())
	if siteKey == "" {
		return ErrNoAnswer
	}

	token, err := e.solver.Solve(ctx, siteKey, ch.PageURL)
	if err != nil {
		return fmt.Errorf("external solver: %w", err)
	}

	if err := ch.Session.SetValue(ctx, SelToken, token); err != nil {
		return fmt.Errorf("inject token: %w", err)
	}
	// Fire the widget callback so the host page reacts to the token;
	// fall back to a plain form submit when the callback is unreachable.
	if _, err := ch.Session.Eval(ctx, callbackScript); err != nil {
		log.Printf("[captcha] %s widget callback unreachable, submitting form: %v", ch.AttemptID, err)
		if _, err := ch.Session.Eval(ctx, submitScript); err != nil {
			return fmt.Errorf("submit after injection: %w", err)
		}
	}
	return nil
}

// siteKeyFromFrame pulls the widget's site identifier out of the anchor
// frame URL (k query parameter).
func siteKeyFromFrame(frameURL string) string {
	u, err := url.Parse(frameURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("k")
}

const callbackScript = `(function(){
	var cfg = window.___grecaptcha_cfg;
	if (!cfg) { throw new Error('no widget config'); }
	for (var id in cfg.clients) {
		var client = cfg.clients[id];
		for (var key in client) {
			var obj = client[key];
			if (obj && typeof obj === 'object') {
				for (var inner in obj) {
					if (obj[inner] && typeof obj[inner].callback === 'function') {
						obj[inner].callback(document.querySelector('textarea[name="g-recaptcha-response"]').value);
						return 'ok';
					}
				}
			}
		}
	}
	throw new Error('callback not found');
})()`

const submitScript = `(function(){
	var form = document.querySelector('form');
	if (!form) { throw new Error('no form'); }
	form.submit();
	return 'ok';
})()`

// SolverClient talks to the asynchronous solving service: create a job,
// poll its status until a token is ready or the poll budget runs out.
type SolverClient struct {
	baseURL   string
	key       string
	userAgent string
	client    *http.Client

	PollInterval time.Duration
	MaxPolls     int
}

func NewSolverClient(baseURL, key, userAgent string) *SolverClient {
	return &SolverClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		key:          key,
		userAgent:    userAgent,
		client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 10 * time.Second,
		MaxPolls:     60,
	}
}

type createTaskRequest struct {
	ClientKey string     `json:"clientKey"`
	Task      solverTask `json:"task"`
}

type solverTask struct {
	Type        string `json:"type"`
	WebsiteURL  string `json:"websiteURL"`
	WebsiteKey  string `json:"websiteKey"`
	UserAgent   string `json:"userAgent"`
	IsInvisible bool   `json:"isInvisible"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		Token string `json:"token"`
	} `json:"solution"`
}

// Solve submits the job and polls until ready.
func (c *SolverClient) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	var created createTaskResponse
	err := c.post(ctx, "/createTask", createTaskRequest{
		ClientKey: c.key,
		Task: solverTask{
			Type:       "RecaptchaV2TaskProxyless",
			WebsiteURL: pageURL,
			WebsiteKey: siteKey,
			UserAgent:  c.userAgent,
		},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("create task: %s", created.ErrorDescription)
	}

	for i := 0; i < c.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.PollInterval):
		}

		var result taskResultResponse
		if err := c.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.key, TaskID: created.TaskID}, &result); err != nil {
			return "", fmt.Errorf("poll task %d: %w", created.TaskID, err)
		}
		if result.ErrorID != 0 {
			return "", fmt.Errorf("task %d: %s", created.TaskID, result.ErrorDescription)
		}
		if result.Status == "ready" {
			return result.Solution.Token, nil
		}
	}
	return "", fmt.Errorf("task %d: no solution after %d polls", created.TaskID, c.MaxPolls)
}

func (c *SolverClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solver status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
