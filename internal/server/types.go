package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

const (
	defaultAddr         = "127.0.0.1:8080"
	defaultMaxBodyBytes = 1 << 20
	defaultMetricsPath  = "/metrics"
)

// Config controls the HTTP front end.
type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	Pprof        bool

	MetricsEnabled bool
	MetricsPath    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.MetricsPath == "" {
		c.MetricsPath = defaultMetricsPath
	}
	return c
}

// Scheduler is the part of the scheduler the routes drive.
type Scheduler interface {
	Schedule(id, payload string, delay time.Duration) (scheduler.Result, error)
	ScheduleDefault(id, payload string) (scheduler.Result, error)
	Cancel(id string) scheduler.Result
	Payload(id string) (string, bool, error)
	Snapshot() scheduler.Snapshot
}

// RunLister serves /runs. It is satisfied by storage.Store.
type RunLister interface {
	Runs(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error)
}

// Deps are the handlers' collaborators. Metrics and Runs are optional.
type Deps struct {
	Scheduler Scheduler
	Metrics   http.Handler
	Runs      RunLister
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

type resultBody struct {
	Result scheduler.Result `json:"result"`
}

type errorBody struct {
	Error string `json:"error"`
}
