package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timerd/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs describing the new values, for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.default_delay", strings.TrimSpace(newCfg.Scheduler.DefaultDelay)),
			logx.String("scheduler.shutdown_timeout", strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout)),
			logx.Int("scheduler.shards", newCfg.Scheduler.Shards),
		)
	}

	oTE, nTE := deref(oldCfg.TaskEngine), deref(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.run_timeout", strings.TrimSpace(nTE.RunTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.protocol", newCfg.HTTP.Protocol),
			logx.String("http.host", newCfg.HTTP.Host),
			logx.String("http.port", string(newCfg.HTTP.Port)),
			logx.String("http.path", newCfg.HTTP.BasePath+newCfg.HTTP.Path),
			logx.Int("http.rate_per_sec", newCfg.HTTP.RatePerSec),
		)
	}

	oSrv, nSrv := deref(oldCfg.Server), deref(newCfg.Server)
	if oSrv != nSrv {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", nSrv.Enabled),
			logx.String("server.addr", strings.TrimSpace(nSrv.Addr)),
			logx.Bool("server.pprof", nSrv.Pprof),
		)
	}

	oMet, nMet := deref(oldCfg.Metrics), deref(newCfg.Metrics)
	if oMet != nMet {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nMet.Enabled),
			logx.String("metrics.path", nMet.Path),
		)
	}

	// Nil means disabled.
	oSt, nSt := deref(oldCfg.Storage), deref(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nSt.Retention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
