package models

import (
	"time"
)

// Task lifecycle states persisted in Postgres.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusActive     = "ACTIVE"
	StatusInactive   = "INACTIVE"
	StatusInvalid    = "INVALID"
	StatusError      = "ERROR"
)

// Terminal reports whether a status is a definitive registry answer.
// ERROR is terminal for an attempt but re-enters the queue on the next sweep.
func Terminal(status string) bool {
	switch status {
	case StatusActive, StatusInactive, StatusInvalid:
		return true
	}
	return false
}

// Task represents one phone number to verify against the registry.
type Task struct {
	ID               int64      `json:"id"`
	Telephone        string     `json:"telephone"`
	Status           string     `json:"status"`
	RegistrationDate *string    `json:"registration_date,omitempty"`
	Detail           *string    `json:"detail,omitempty"`
	CheckedAt        *time.Time `json:"checked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CheckResult is the structured outcome of one registry call.
type CheckResult struct {
	Status           string
	RegistrationDate string
	Detail           string
}

// Progress aggregates queue-wide counts for the status page.
type Progress struct {
	Total     int64            `json:"total"`
	Processed int64            `json:"processed"`
	ByStatus  map[string]int64 `json:"by_status"`
}
