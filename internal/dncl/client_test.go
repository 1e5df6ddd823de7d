package dncl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dncl-checker/internal/config"
	"dncl-checker/internal/models"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := config.Config{
		CheckURL:      url,
		CheckOrigin:   "https://registry.test",
		UserAgent:     "test-agent",
		CheckRetries:  3,
		CheckRetryGap: time.Millisecond,
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFormatPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"514-555-0199", "514-555-0199"},
		{"  514-555-0199  ", "514-555-0199"},
		{"514-555-0199 ext 22", "514-555-0199"},
		{"555", "555"},
	}
	for _, tc := range cases {
		if got := FormatPhone(tc.in); got != tc.want {
			t.Fatalf("FormatPhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCheckRegistered(t *testing.T) {
	var gotToken, gotPhone string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Authorization-Captcha")
		var body struct {
			Phone string `json:"Phone"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotPhone = body.Phone
		w.Write([]byte(`{"Phone":"514-555-0199","Active":true,"AddedAt":"2021-03-15T00:00:00"}`))
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), " 514-555-0199 extra", "tok-1")
	if res.Status != models.StatusActive {
		t.Fatalf("Status = %q, want ACTIVE (%s)", res.Status, res.Detail)
	}
	if res.RegistrationDate != "2021-03-15T00:00:00" {
		t.Fatalf("RegistrationDate = %q", res.RegistrationDate)
	}
	if gotToken != "tok-1" {
		t.Fatalf("token header = %q", gotToken)
	}
	if gotPhone != "514-555-0199" {
		t.Fatalf("phone sent = %q, want normalized form", gotPhone)
	}
}

func TestCheckNotRegistered(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), "514-555-0100", "tok")
	if res.Status != models.StatusInactive {
		t.Fatalf("Status = %q, want INACTIVE", res.Status)
	}
	if hits.Load() != 1 {
		t.Fatalf("404 retried %d times, want no retry", hits.Load())
	}
}

func TestCheckInvalidAreaCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"Message":"The request is invalid.","ModelState":{"model.Phone":["Phone number area code is invalid."]}}`))
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), "000-555-0100", "tok")
	if res.Status != models.StatusInvalid {
		t.Fatalf("Status = %q, want INVALID", res.Status)
	}
}

func TestCheckRejectedTokenNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"Message":"captcha validation failed"}`))
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), "514-555-0100", "stale-tok")
	if res.Status != models.StatusError {
		t.Fatalf("Status = %q, want ERROR", res.Status)
	}
	if hits.Load() != 1 {
		t.Fatalf("rejected token retried %d times, want 1 call", hits.Load())
	}
}

func TestCheckServerErrorRetriesThenErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), "514-555-0100", "tok")
	if res.Status != models.StatusError {
		t.Fatalf("Status = %q, want ERROR", res.Status)
	}
	if hits.Load() != 3 {
		t.Fatalf("server error tried %d times, want 3", hits.Load())
	}
	if res.Detail == "" {
		t.Fatal("ERROR result carries no detail")
	}
}

func TestCheckRecoversMidRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res := testClient(t, srv.URL).Check(context.Background(), "514-555-0100", "tok")
	if res.Status != models.StatusInactive {
		t.Fatalf("Status = %q, want INACTIVE after recovery", res.Status)
	}
}
