package scheduler

import (
	"context"
	"sort"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/engine"
	"timerd/internal/task/registry"
	logx "timerd/pkg/logx"
)

func New(cfg Config, eng *engine.Service, process Processor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		eng:     eng,
		reg:     registry.New[*engine.Handle](cfg.Shards),
		process: process,
	}
	if s.process == nil {
		s.process = func(ctx context.Context, id, payload string) error {
			log.Debug("job fired without processor", logx.String("id", id))
			return nil
		}
	}
	return s
}

// Start starts the underlying pool.
func (s *Service) Start(ctx context.Context) {
	s.eng.Start(ctx)
	s.log.Info("scheduler started", logx.Duration("default_delay", s.config().DefaultDelay))
}

// Apply hot-reloads the default delay and shutdown timeout.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.DefaultDelay = cfg.DefaultDelay
	s.cfg.ShutdownTimeout = cfg.ShutdownTimeout
	s.mu.Unlock()
	if prev.Shards != cfg.Shards {
		s.log.Warn("scheduler shard count change requires restart", logx.Int("shards", cfg.Shards))
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Shutdown stops the pool, waiting up to timeout for pending jobs to fire.
// A non-positive timeout uses the configured one. Safe to call repeatedly.
func (s *Service) Shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.config().ShutdownTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.eng.Shutdown(ctx)

	// Entries of aborted jobs have no completion left to remove them.
	var stale []entryRef
	s.reg.Range(func(id string, e entry) bool {
		if e.Handle.State() == engine.StateCancelled {
			stale = append(stale, entryRef{id: id, h: e.Handle})
		}
		return true
	})
	swept := 0
	for _, r := range stale {
		if s.reg.RemoveIf(r.id, r.h) {
			swept++
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("swept", swept))
}

// Pending returns the number of registered jobs.
func (s *Service) Pending() int { return s.reg.Len() }

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	snap := Snapshot{
		DefaultDelay:    cfg.DefaultDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Jobs:            make([]JobInfo, 0, s.reg.Len()),
	}
	s.reg.Range(func(id string, e entry) bool {
		snap.Jobs = append(snap.Jobs, JobInfo{
			ID:           id,
			Due:          e.Handle.Due(),
			ScheduledAt:  e.ScheduledAt,
			PayloadBytes: len(e.Payload),
			State:        e.Handle.State().String(),
		})
		return true
	})
	sort.Slice(snap.Jobs, func(i, j int) bool {
		if !snap.Jobs[i].Due.Equal(snap.Jobs[j].Due) {
			return snap.Jobs[i].Due.Before(snap.Jobs[j].Due)
		}
		return snap.Jobs[i].ID < snap.Jobs[j].ID
	})
	snap.Engine = s.eng.Snapshot()
	return snap
}
