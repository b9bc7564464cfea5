package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcomes mirror the engine history.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// RunRecord is one finished, failed or aborted execution.
type RunRecord struct {
	RunID    string        `json:"run_id"`
	JobID    string        `json:"job_id"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration_ns"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// NewRunID returns a random run identifier.
func NewRunID() string { return uuid.NewString() }

// at is the timestamp retention is measured against.
func (r RunRecord) at() time.Time {
	if !r.Started.IsZero() {
		return r.Started
	}
	return r.Due
}
