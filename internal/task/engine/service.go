package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/clock"
	logx "timerd/pkg/logx"

	rtsup "timerd/internal/runtime/supervisor"
)

// Service runs callbacks once after a delay on a fixed pool of workers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock

	q            chan *Handle
	sup          *rtsup.Supervisor
	stopCh       chan struct{}
	shutdownDone chan struct{}
	accepting    bool
	stopping     bool

	pending     map[uint64]*Handle
	outstanding sync.WaitGroup

	seq      atomic.Uint64
	inFlight atomic.Int32

	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	aborted   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		clk:     clk,
		pending: map[uint64]*Handle{},
	}
}

// Start launches the workers. It is a no-op once started.
//
// Workers are detached from ctx cancellation; only Shutdown stops them.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg

	s.q = make(chan *Handle, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.shutdownDone = make(chan struct{})
	s.accepting = true
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
	)
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), s.worker,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		)
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Apply hot-reloads the run timeout and history size. Worker and queue
// sizes only take effect on the next start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.stopCh != nil
	s.cfg.RunTimeout = cfg.RunTimeout
	s.cfg.HistorySize = cfg.HistorySize
	if !running {
		s.cfg = cfg
	}
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Warn("task engine pool size change requires restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// ScheduleAfter arms fn to run once after delay. Negative delays run
// immediately. fn always runs on a worker, never on the caller.
func (s *Service) ScheduleAfter(name string, delay time.Duration, fn func(ctx context.Context) error) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return nil, ErrStopped
	}
	h := &Handle{
		seq:  s.seq.Add(1),
		name: name,
		due:  s.clk.Now().Add(delay),
		run:  fn,
	}
	s.pending[h.seq] = h
	s.outstanding.Add(1)

	h.mu.Lock()
	h.timer = s.clk.AfterFunc(delay, func() { s.fire(h) })
	h.mu.Unlock()
	return h, nil
}

// fire hands a due handle to the workers.
func (s *Service) fire(h *Handle) {
	if h.State() != StatePending {
		return
	}
	select {
	case s.q <- h:
	case <-s.stopCh:
	}
}

// Cancel reports whether this call prevented h from running.
// A running or finished callback is never interrupted.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil || !h.transition(StatePending, StateCancelled) {
		return false
	}
	h.stopTimer()
	s.cancelled.Add(1)
	s.finish(h, nil)
	return true
}

// Shutdown stops accepting work and waits for every armed handle to finish.
// Delayed handles still fire while it waits. When ctx expires first, every
// pending handle is aborted and running callbacks see their context
// cancelled. Concurrent callers wait for the first shutdown or their own ctx.
func (s *Service) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.accepting = false
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	first := !s.stopping
	s.stopping = true
	done := s.shutdownDone
	s.mu.Unlock()

	if !first {
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	defer close(done)

	drained := make(chan struct{})
	go func() {
		s.outstanding.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		close(s.stopCh)
		s.sup.Cancel()
		_ = s.sup.Wait(ctx)
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		close(s.stopCh)
		n := s.abortPending()
		s.sup.Cancel()
		s.log.Warn("task engine shutdown timed out",
			logx.Int("aborted", n), logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

func (s *Service) abortPending() int {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	n := 0
	for _, h := range hs {
		if !h.transition(StatePending, StateCancelled) {
			continue
		}
		h.stopTimer()
		n++
		s.aborted.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.JobAborted, Time: s.clk.Now(), Data: eventbus.JobData{ID: h.name, Due: h.due}})
		s.finish(h, &HistoryItem{Seq: h.seq, Name: h.name, Due: h.due, Outcome: OutcomeAborted})
	}
	return n
}

// finish releases a handle that left StatePending. item is nil for
// handles that never ran and were cancelled by the caller.
func (s *Service) finish(h *Handle, item *HistoryItem) {
	s.mu.Lock()
	delete(s.pending, h.seq)
	historySize := s.cfg.HistorySize
	s.mu.Unlock()

	if item != nil {
		s.hmu.Lock()
		s.history = append(s.history, *item)
		if len(s.history) > historySize {
			s.history = s.history[len(s.history)-historySize:]
		}
		s.hmu.Unlock()
	}
	s.outstanding.Done()
}

// Snapshot returns a diagnostics view. History is newest last.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Accepting:  s.accepting,
		Workers:    s.cfg.Workers,
		Pending:    len(s.pending),
		RunTimeout: s.cfg.RunTimeout,
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	sup := s.sup
	s.mu.Unlock()

	snap.InFlight = int(s.inFlight.Load())
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Cancelled = s.cancelled.Load()
	snap.Aborted = s.aborted.Load()
	snap.Supervisor = sup.Counters()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Clock returns the clock the pool arms timers on.
func (s *Service) Clock() clock.Clock { return s.clk }
