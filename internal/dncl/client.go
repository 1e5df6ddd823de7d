// Package dncl talks to the public registry endpoint. Every call costs one
// solved token, so the client converts all failure modes into a result row
// instead of surfacing errors to the caller.
package dncl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"dncl-checker/internal/config"
	"dncl-checker/internal/models"
)

const invalidAreaFragment = "area code is invalid"

// Client checks one number against the registry per solved token.
type Client struct {
	checkURL  string
	origin    string
	userAgent string
	retries   int
	retryGap  time.Duration
	client    *http.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.CheckRetries < 1 {
		cfg.CheckRetries = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &Client{
		checkURL:  cfg.CheckURL,
		origin:    cfg.CheckOrigin,
		userAgent: cfg.UserAgent,
		retries:   cfg.CheckRetries,
		retryGap:  cfg.CheckRetryGap,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}, nil
}

type checkRequest struct {
	Phone string `json:"Phone"`
}

type checkResponse struct {
	Phone   string `json:"Phone"`
	Active  bool   `json:"Active"`
	AddedAt string `json:"AddedAt"`
}

type validationError struct {
	Message    string              `json:"Message"`
	ModelState map[string][]string `json:"ModelState"`
}

// FormatPhone normalizes a raw number to the registry's ###-###-#### shape.
func FormatPhone(raw string) string {
	p := strings.TrimSpace(raw)
	if len(p) > 12 {
		p = p[:12]
	}
	return p
}

// Check resolves one number. The outcome is always a CheckResult; transport
// failures become StatusError after the retry budget, never a returned error,
// so one bad call cannot take down a batch.
func (c *Client) Check(ctx context.Context, rawPhone, token string) models.CheckResult {
	phone := FormatPhone(rawPhone)

	var res models.CheckResult
	op := func() error {
		r, retryable, err := c.post(ctx, phone, token)
		if err == nil {
			res = r
			return nil
		}
		if !retryable {
			return backoff.Permanent(err)
		}
		log.Printf("[dncl] check %s failed: %v", phone, err)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryGap), uint64(c.retries-1))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return models.CheckResult{Status: models.StatusError, Detail: err.Error()}
	}
	return res
}

// post performs one request. The bool reports whether the failure is worth
// retrying with the same token.
func (c *Client) post(ctx context.Context, phone, token string) (models.CheckResult, bool, error) {
	body, err := json.Marshal(checkRequest{Phone: phone})
	if err != nil {
		return models.CheckResult{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.checkURL, bytes.NewReader(body))
	if err != nil {
		return models.CheckResult{}, false, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Authorization-Captcha", token)
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.origin+"/")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return models.CheckResult{}, true, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.CheckResult{}, true, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Registered number.
		var cr checkResponse
		if err := json.Unmarshal(raw, &cr); err != nil {
			return models.CheckResult{}, true, fmt.Errorf("decode registry response: %w", err)
		}
		return models.CheckResult{Status: models.StatusActive, RegistrationDate: cr.AddedAt}, false, nil
	case http.StatusNotFound:
		// Not registered. Terminal, no retry.
		return models.CheckResult{Status: models.StatusInactive}, false, nil
	case http.StatusBadRequest:
		if isInvalidArea(raw) {
			return models.CheckResult{Status: models.StatusInvalid, Detail: truncateBody(raw)}, false, nil
		}
		// Other 400s include rejected tokens; a retry with the same token
		// will not help.
		return models.CheckResult{}, false, fmt.Errorf("registry status 400: %s", truncateBody(raw))
	default:
		return models.CheckResult{}, true, fmt.Errorf("registry status %d: %s", resp.StatusCode, truncateBody(raw))
	}
}

func isInvalidArea(raw []byte) bool {
	var ve validationError
	if err := json.Unmarshal(raw, &ve); err != nil {
		return false
	}
	for _, msgs := range ve.ModelState {
		for _, m := range msgs {
			if strings.Contains(m, invalidAreaFragment) {
				return true
			}
		}
	}
	return false
}

func truncateBody(raw []byte) string {
	const max = 300
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
