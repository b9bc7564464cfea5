package engine

import (
	"time"

	rtsup "timerd/internal/runtime/supervisor"
)

// Config controls the delayed-execution pool.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// RunTimeout bounds a single callback. 0 disables the bound.
	RunTimeout time.Duration

	HistorySize int
}

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 1024
	DefaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.RunTimeout < 0 {
		c.RunTimeout = 0
	}
	return c
}

// HistoryItem records one finished handle.
type HistoryItem struct {
	Seq      uint64
	Name     string
	Due      time.Time
	Started  time.Time
	Lateness time.Duration
	Duration time.Duration
	Outcome  string // ok | failed | aborted
	Error    string
}

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Accepting bool
	Workers   int
	QueueLen  int
	QueueCap  int
	Pending   int
	InFlight  int

	Completed uint64
	Failed    uint64
	Cancelled uint64
	Aborted   uint64

	RunTimeout time.Duration
	Supervisor rtsup.Counters

	History []HistoryItem
}
