package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the keyed facade (default delay, shutdown bound).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs fired jobs.
	// If omitted, the engine defaults apply.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// HTTP is the outbound endpoint every fired job is posted to.
	HTTP HTTPConfig `json:"http"`

	Server  *ServerConfig  `json:"server,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig durations are Go duration strings (e.g. "53s", "5s").
//
// Defaults (when fields are omitted/zero):
//   - default_delay: "53s"
//   - shutdown_timeout: "5s"
//   - shards: 32
type SchedulerConfig struct {
	DefaultDelay    string `json:"default_delay,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Shards          int    `json:"shards,omitempty"`
}

// TaskEngineConfig controls the execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - run_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// HTTPConfig is the outbound call target:
// <protocol>://<host>:<port><basepath><path>?appid=<id>
//
// Missing host, port or path is only reported when a job fires.
type HTTPConfig struct {
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     Port   `json:"port,omitempty"`
	BasePath string `json:"basepath,omitempty"`
	Path     string `json:"path,omitempty"`

	// Timeouts are in milliseconds.
	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty"`
	ReadTimeoutMS    int `json:"read_timeout_ms,omitempty"`

	// RatePerSec caps outbound calls; 0 means unlimited.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// ServerConfig controls the HTTP front end.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:8080").
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	// Pprof mounts the profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./timerd_store", "retention": "168h" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec, default "@hourly"
}

// Port accepts either a JSON string or a JSON number, so YAML `port: 8081`
// and `port: "8081"` both work.
type Port string

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Port(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("port: must be an integer, got %s", n)
	}
	*p = Port(n.String())
	return nil
}
