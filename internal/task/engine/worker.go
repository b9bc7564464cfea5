package engine

import (
	"context"
	"errors"
	"runtime/debug"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

func (s *Service) worker(ctx context.Context) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case h := <-s.q:
			s.execOne(ctx, h)
		}
	}
}

func (s *Service) execOne(ctx context.Context, h *Handle) {
	// Lost the race against Cancel or Shutdown.
	if !h.transition(StatePending, StateRunning) {
		return
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()

	start := s.clk.Now()
	lateness := max(start.Sub(h.due), 0)
	s.log.Debug("task.started", logx.String("task", h.name), logx.Duration("lateness", lateness))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: eventbus.JobData{ID: h.name, Due: h.due, Started: start, Lateness: lateness}})

	runCtx := withHandle(ctx, h)
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}
	err := s.runSafe(runCtx, h)
	cancel()

	h.state.Store(int32(StateDone))
	dur := s.clk.Now().Sub(start)
	item := HistoryItem{Seq: h.seq, Name: h.name, Due: h.due, Started: start, Lateness: lateness, Duration: dur, Outcome: OutcomeOK}
	data := eventbus.JobData{ID: h.name, Due: h.due, Started: start, Duration: dur, Lateness: lateness}

	if err != nil {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		data.Error = item.Error
		s.failed.Add(1)
		s.log.Debug("task.failed", logx.String("task", h.name), logx.Duration("dur", dur), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: s.clk.Now(), Data: data})
	} else {
		s.completed.Add(1)
		s.log.Debug("task.completed", logx.String("task", h.name), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Time: s.clk.Now(), Data: data})
	}
	s.finish(h, &item)
}

// runSafe converts a callback panic into a *PanicError so one bad callback
// cannot kill a worker.
func (s *Service) runSafe(ctx context.Context, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Value: r, Stack: stack}
			s.log.Error("task.panic", logx.String("task", h.name), logx.Any("panic", r), logx.Stack(stack))
		}
	}()
	err = h.run(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		s.log.Debug("task.timeout", logx.String("task", h.name))
	}
	return err
}
