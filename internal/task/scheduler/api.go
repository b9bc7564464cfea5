package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/engine"
	"timerd/internal/task/registry"
	logx "timerd/pkg/logx"
)

// Schedule registers payload under id to fire after delay, replacing any
// pending job with the same id. Negative delays fire as soon as possible.
//
// The previous execution is cancelled, not awaited: if it already started it
// runs to completion.
func (s *Service) Schedule(id, payload string, delay time.Duration) (Result, error) {
	if err := registry.CheckID(id); err != nil {
		return "", err
	}
	delay = max(delay, 0)

	replaced := false
	err := s.reg.Compute(id, func(prev entry, ok bool) (entry, error) {
		h, err := s.eng.ScheduleAfter(id, delay, s.invoke(id, payload))
		if err != nil {
			return entry{}, err
		}
		// Same shard lock as the completion cleanup, so the new handle is
		// installed before its own callback can try to remove it.
		if ok {
			replaced = true
			s.eng.Cancel(prev.Handle)
		}
		return entry{Payload: payload, Handle: h, ScheduledAt: s.eng.Clock().Now()}, nil
	})
	if err != nil {
		s.reportReject(id, err)
		return "", fmt.Errorf("schedule %q: %w", id, err)
	}

	if replaced {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobReplaced, Data: eventbus.JobData{ID: id, Size: len(payload), Delay: delay}})
		s.log.Debug("job replaced", logx.String("id", id), logx.Duration("delay", delay))
	} else {
		s.log.Debug("job scheduled", logx.String("id", id), logx.Duration("delay", delay))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Data: eventbus.JobData{ID: id, Size: len(payload), Delay: delay}})
	return ResultScheduled, nil
}

// ScheduleDefault is Schedule with the configured default delay.
func (s *Service) ScheduleDefault(id, payload string) (Result, error) {
	return s.Schedule(id, payload, s.config().DefaultDelay)
}

// Cancel removes id and asks the pool to cancel its execution.
// An empty id is reported as not found.
func (s *Service) Cancel(id string) Result {
	if registry.CheckID(id) != nil {
		return ResultNotFound
	}
	e, ok := s.reg.Remove(id)
	if !ok {
		return ResultNotFound
	}
	res := ResultNotCancelled
	if s.eng.Cancel(e.Handle) {
		res = ResultCancelled
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.JobCancelled, Data: eventbus.JobData{ID: id, Result: string(res)}})
	s.log.Debug("job cancel", logx.String("id", id), logx.String("result", string(res)))
	return res
}

// Payload returns the payload registered for id.
func (s *Service) Payload(id string) (string, bool, error) {
	return s.reg.Payload(id)
}

// invoke wraps the processor for one submission.
func (s *Service) invoke(id, payload string) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		h, _ := engine.HandleFromContext(ctx)
		defer s.reg.RemoveIf(id, h)
		defer func() {
			if r := recover(); r != nil {
				err = &engine.PanicError{Value: r, Stack: string(debug.Stack())}
			}
			if err != nil {
				err = &CallbackError{ID: id, Err: err}
				s.log.Warn("job failed", logx.String("id", id), logx.Err(err))
			}
		}()
		return s.process(ctx, id, payload)
	}
}

const rejectWarnThrottle = 5 * time.Second

// reportReject logs rejected submissions, at most one warning per window.
func (s *Service) reportReject(id string, err error) {
	now := time.Now()
	s.rejMu.Lock()
	s.rejected++
	n := s.rejected
	if !s.lastReject.IsZero() && now.Sub(s.lastReject) < rejectWarnThrottle {
		s.rejMu.Unlock()
		return
	}
	s.lastReject = now
	s.rejMu.Unlock()
	s.log.Warn("schedule rejected", logx.String("id", id), logx.Uint64("rejected_total", n), logx.Err(err))
}
