package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/engine"
	"timerd/internal/task/registry"
	logx "timerd/pkg/logx"
)

const (
	DefaultDelay           = 53 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config controls the facade. Zero values fall back to the defaults above.
type Config struct {
	DefaultDelay    time.Duration
	ShutdownTimeout time.Duration
	Shards          int
}

func (c Config) withDefaults() Config {
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = DefaultDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Shards <= 0 {
		c.Shards = registry.DefaultShards
	}
	return c
}

// Result is the outcome string of Schedule and Cancel.
type Result string

const (
	ResultScheduled    Result = "scheduled"
	ResultCancelled    Result = "cancelled"
	ResultNotCancelled Result = "not_cancelled"
	ResultNotFound     Result = "not_found"
)

// Processor handles one fired job.
type Processor func(ctx context.Context, id, payload string) error

var (
	ErrInvalidArgument = registry.ErrInvalidArgument
	ErrStopped         = engine.ErrStopped
)

// CallbackError wraps a processor failure (or panic) for one job.
type CallbackError struct {
	ID  string
	Err error
}

func (e *CallbackError) Error() string { return fmt.Sprintf("job %q: %v", e.ID, e.Err) }
func (e *CallbackError) Unwrap() error { return e.Err }

// JobInfo describes one pending job.
type JobInfo struct {
	ID           string    `json:"id"`
	Due          time.Time `json:"due"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	PayloadBytes int       `json:"payload_bytes"`
	State        string    `json:"state"`
}

type Snapshot struct {
	DefaultDelay    time.Duration   `json:"default_delay"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout"`
	Jobs            []JobInfo       `json:"jobs"`
	Engine          engine.Snapshot `json:"engine"`
}

type entry = registry.Entry[*engine.Handle]

type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	eng     *engine.Service
	reg     *registry.Registry[*engine.Handle]
	process Processor

	rejMu      sync.Mutex
	lastReject time.Time
	rejected   uint64
}

type entryRef struct {
	id string
	h  *engine.Handle
}
