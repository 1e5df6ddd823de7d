package api

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dncl-checker/internal/models"
)

func TestPageParam(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 1},
		{"page=0", 1},
		{"page=-3", 1},
		{"page=abc", 1},
		{"page=7", 7},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/?"+tc.query, nil)
		if got := pageParam(r); got != tc.want {
			t.Fatalf("pageParam(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestProgressTemplateRenders(t *testing.T) {
	reg := "2021-03-15"
	checked := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	data := progressPageData{
		Progress: models.Progress{
			Total:     100,
			Processed: 40,
			ByStatus: map[string]int64{
				models.StatusActive:  25,
				models.StatusError:   5,
				models.StatusPending: 60,
			},
		},
		Percent: 40,
		Tasks: []models.Task{
			{Telephone: "514-555-0199", Status: models.StatusActive, RegistrationDate: &reg, CheckedAt: &checked},
			{Telephone: "514-555-0200", Status: models.StatusInactive},
		},
		Page:     2,
		LastPage: 3,
		PrevPage: 1,
		NextPage: 3,
	}

	var buf bytes.Buffer
	if err := progressTemplate.Execute(&buf, data); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"40 / 100 processed (40.0%)",
		"514-555-0199",
		"2021-03-15",
		"ACTIVE: 25",
		`href="/?page=1"`,
		`href="/?page=3"`,
		"Page 2 of 3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered page missing %q", want)
		}
	}
}

func TestProgressTemplateEmptyQueue(t *testing.T) {
	var buf bytes.Buffer
	data := progressPageData{Page: 1, LastPage: 1}
	if err := progressTemplate.Execute(&buf, data); err != nil {
		t.Fatalf("Execute on empty queue: %v", err)
	}
	if !strings.Contains(buf.String(), "0 / 0 processed") {
		t.Fatal("empty queue not rendered")
	}
}
