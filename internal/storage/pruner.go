package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "timerd/pkg/logx"
)

const (
	DefaultPruneSchedule = "@hourly"
	pruneTimeout         = 30 * time.Second
)

// Pruner deletes records older than the retention window on a cron schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	spec      string
	log       logx.Logger
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

var pruneParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewPruner validates spec (default "@hourly"). retention must be positive.
func NewPruner(store Store, retention time.Duration, spec string, log logx.Logger) (*Pruner, error) {
	if store == nil {
		return nil, ErrDisabled
	}
	if retention <= 0 {
		return nil, errors.New("prune retention must be > 0")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultPruneSchedule
	}
	if _, err := pruneParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{store: store, retention: retention, spec: spec, log: log, now: time.Now}, nil
}

// RunOnce prunes everything older than now minus retention.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	before := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, before)
	if err != nil {
		p.log.Warn("run history prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		p.log.Info("run history pruned", logx.Int("removed", n), logx.Time("before", before))
	}
	return n, nil
}

func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(pruneParser))
	if _, err := c.AddFunc(p.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		_, _ = p.RunOnce(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	p.c = c
	p.log.Info("run history pruner started", logx.String("schedule", p.spec), logx.Duration("retention", p.retention))
	return nil
}

// Stop halts the schedule and waits for a running prune, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
