package app

import (
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/dispatch"
	"timerd/internal/server"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

const (
	defaultBusyTimeout = 1 * time.Second
	defaultRetention   = 7 * 24 * time.Hour
	defaultMetricsPath = "/metrics"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	delay, err := config.ParseDurationOrDefault("scheduler.default_delay", cfg.Scheduler.DefaultDelay, scheduler.DefaultDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, scheduler.DefaultShutdownTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{DefaultDelay: delay, ShutdownTimeout: timeout, Shards: cfg.Scheduler.Shards}, nil
}

// mapTaskEngineConfig leaves zero fields for engine defaults to fill.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg.TaskEngine == nil {
		return engine.Config{}, nil
	}
	te := cfg.TaskEngine
	runTimeout, err := config.ParseDurationField("task_engine.run_timeout", te.RunTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		RunTimeout:  runTimeout,
		HistorySize: te.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	h := cfg.HTTP
	return dispatch.Config{
		Protocol:       h.Protocol,
		Host:           h.Host,
		Port:           string(h.Port),
		BasePath:       h.BasePath,
		Path:           h.Path,
		ConnectTimeout: config.Millis(h.ConnectTimeoutMS, dispatch.DefaultConnectTimeout),
		ReadTimeout:    config.Millis(h.ReadTimeoutMS, dispatch.DefaultReadTimeout),
		RatePerSec:     h.RatePerSec,
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	var out server.Config
	if m := cfg.Metrics; m != nil {
		out.MetricsEnabled = m.Enabled
		out.MetricsPath = strings.TrimSpace(m.Path)
	}
	if out.MetricsPath == "" {
		out.MetricsPath = defaultMetricsPath
	}
	sc := cfg.Server
	if sc == nil {
		return out, nil
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 10*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 10*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return server.Config{}, err
	}
	out.Enabled = sc.Enabled
	out.Addr = strings.TrimSpace(sc.Addr)
	out.MaxBodyBytes = sc.MaxBodyBytes
	out.Pprof = sc.Pprof
	return out, nil
}

type prunerConfig struct {
	Retention time.Duration
	Schedule  string
}

// mapStorageConfig reports enabled=false for a missing section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, prunerConfig, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, prunerConfig{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, prunerConfig{}, false, nil
	}

	retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, defaultRetention)
	if err != nil {
		return storage.Config{}, prunerConfig{}, false, err
	}
	pc := prunerConfig{Retention: retention, Schedule: strings.TrimSpace(sc.PruneSchedule)}

	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, prunerConfig{}, false, err
		}
		out.BusyTimeout = busy
	}
	return out, pc, true, nil
}
