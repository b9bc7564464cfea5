package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs that cannot be mapped onto the services. It is
// used both at startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("scheduler.default_delay", cfg.Scheduler.DefaultDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.Scheduler.Shards < 0 {
		return fmt.Errorf("scheduler.shards must be >= 0")
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.run_timeout", te.RunTimeout); err != nil {
			return err
		}
	}

	switch p := strings.ToLower(strings.TrimSpace(cfg.HTTP.Protocol)); p {
	case "", "http", "https":
	default:
		return fmt.Errorf("http.protocol: unsupported %q", cfg.HTTP.Protocol)
	}
	if cfg.HTTP.ConnectTimeoutMS < 0 || cfg.HTTP.ReadTimeoutMS < 0 {
		return fmt.Errorf("http timeouts must be >= 0")
	}
	if cfg.HTTP.RatePerSec < 0 {
		return fmt.Errorf("http.rate_per_sec must be >= 0")
	}

	if s := cfg.Server; s != nil {
		for key, raw := range map[string]string{
			"server.read_timeout":  s.ReadTimeout,
			"server.write_timeout": s.WriteTimeout,
			"server.idle_timeout":  s.IdleTimeout,
		} {
			if _, err := ParseDurationField(key, raw); err != nil {
				return err
			}
		}
		if s.MaxBodyBytes < 0 {
			return fmt.Errorf("server.max_body_bytes must be >= 0")
		}
	}

	if m := cfg.Metrics; m != nil {
		if p := strings.TrimSpace(m.Path); p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("metrics.path must start with '/'")
		}
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=sqlite")
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			return err
		}
		if spec := strings.TrimSpace(st.PruneSchedule); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("storage.prune_schedule: invalid %q: %w", spec, err)
			}
		}
	}
	return nil
}
