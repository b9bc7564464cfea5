package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/clock"
	logx "timerd/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) (*Service, *clock.Fake, eventbus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	bus := eventbus.New()
	s := New(cfg, clk, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, clk, bus
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestScheduleAfterFiresOnce(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{Workers: 2})

	var runs atomic.Int32
	done := make(chan struct{})
	h, err := s.ScheduleAfter("A", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("ScheduleAfter() err = %v", err)
	}
	if got := h.State(); got != StatePending {
		t.Fatalf("State() = %v, want pending", got)
	}

	clk.Advance(999 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("callback ran before its delay")
	}
	clk.Advance(time.Millisecond)
	waitFor(t, done, "callback")
	clk.Advance(time.Hour)

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if s.Cancel(h) {
		t.Fatal("Cancel() after run = true, want false")
	}
}

func TestCancelBeforeDue(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{})

	ran := atomic.Bool{}
	h, _ := s.ScheduleAfter("A", time.Second, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if !s.Cancel(h) {
		t.Fatal("Cancel() = false, want true")
	}
	if s.Cancel(h) {
		t.Fatal("second Cancel() = true, want false")
	}
	clk.Advance(time.Minute)
	if h.State() != StateCancelled {
		t.Fatalf("State() = %v, want cancelled", h.State())
	}
	if got := s.Snapshot(); got.Pending != 0 || got.Cancelled != 1 {
		t.Fatalf("snapshot pending=%d cancelled=%d, want 0 and 1", got.Pending, got.Cancelled)
	}
	if ran.Load() {
		t.Fatal("cancelled callback ran")
	}
}

func TestCancelWhileRunningIsRefused(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	h, _ := s.ScheduleAfter("A", 0, func(ctx context.Context) error {
		close(started)
		<-release
		close(finished)
		return nil
	})
	clk.Advance(0)
	waitFor(t, started, "start")

	if s.Cancel(h) {
		t.Fatal("Cancel() on running handle = true, want false")
	}
	close(release)
	waitFor(t, finished, "finish")
}

func TestHandleFromContext(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{})

	got := make(chan *Handle, 1)
	h, _ := s.ScheduleAfter("A", 0, func(ctx context.Context) error {
		hh, _ := HandleFromContext(ctx)
		got <- hh
		return nil
	})
	clk.Advance(0)
	select {
	case hh := <-got:
		if hh != h {
			t.Fatalf("HandleFromContext() = %p, want %p", hh, h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	if _, ok := HandleFromContext(context.Background()); ok {
		t.Fatal("HandleFromContext(background) ok = true")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, clk, bus := newTestService(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_, _ = s.ScheduleAfter("bad", 0, func(ctx context.Context) error { panic("kaboom") })
	clk.Advance(0)
	e := waitEvent(t, events, eventbus.JobFailed)
	if d := e.Data.(eventbus.JobData); d.ID != "bad" || d.Error != "panic: kaboom" {
		t.Fatalf("failed event = %+v", d)
	}

	// The worker survives and keeps serving.
	done := make(chan struct{})
	_, _ = s.ScheduleAfter("good", 0, func(ctx context.Context) error { close(done); return nil })
	clk.Advance(0)
	waitFor(t, done, "callback after panic")
}

func TestFailureRecordedInHistory(t *testing.T) {
	t.Parallel()
	s, clk, bus := newTestService(t, Config{HistorySize: 2})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	for _, name := range []string{"a", "b", "c"} {
		_, _ = s.ScheduleAfter(name, 0, func(ctx context.Context) error { return errors.New(name) })
		clk.Advance(0)
		waitEvent(t, events, eventbus.JobFailed)
	}
	snap := s.Snapshot()
	if snap.Failed != 3 {
		t.Fatalf("Failed = %d, want 3", snap.Failed)
	}
	if len(snap.History) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(snap.History))
	}
	for _, it := range snap.History {
		if it.Outcome != OutcomeFailed || it.Error != it.Name {
			t.Fatalf("history item = %+v", it)
		}
	}
}

func TestNotStartedRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, clock.NewFake(time.Unix(0, 0)), logx.Nop(), nil)
	if _, err := s.ScheduleAfter("A", 0, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleAfter() err = %v, want ErrStopped", err)
	}
	// Shutdown of a never-started pool returns immediately.
	s.Shutdown(context.Background())
}

func TestShutdownWaitsForDelayedWork(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{})

	ran := make(chan struct{})
	_, _ = s.ScheduleAfter("A", time.Second, func(ctx context.Context) error { close(ran); return nil })

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		close(stopped)
	}()

	// Rejected once shutdown has begun.
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Accepting {
		if time.Now().After(deadline) {
			t.Fatal("pool still accepting after Shutdown")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := s.ScheduleAfter("B", 0, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleAfter() during shutdown err = %v, want ErrStopped", err)
	}

	clk.Advance(time.Second)
	waitFor(t, ran, "delayed callback")
	waitFor(t, stopped, "shutdown")
	if got := s.Snapshot().Aborted; got != 0 {
		t.Fatalf("Aborted = %d, want 0", got)
	}
}

func TestShutdownTimeoutAbortsPending(t *testing.T) {
	t.Parallel()
	s, clk, bus := newTestService(t, Config{})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ran := atomic.Bool{}
	h, _ := s.ScheduleAfter("late", time.Hour, func(ctx context.Context) error { ran.Store(true); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Shutdown(ctx)

	if h.State() != StateCancelled {
		t.Fatalf("State() = %v, want cancelled", h.State())
	}
	e := waitEvent(t, events, eventbus.JobAborted)
	if d := e.Data.(eventbus.JobData); d.ID != "late" {
		t.Fatalf("aborted id = %q, want late", d.ID)
	}
	clk.Advance(2 * time.Hour)
	if ran.Load() {
		t.Fatal("aborted callback ran")
	}
	if snap := s.Snapshot(); snap.Aborted != 1 || snap.Pending != 0 {
		t.Fatalf("snapshot aborted=%d pending=%d, want 1 and 0", snap.Aborted, snap.Pending)
	}
	// Second Shutdown is a no-op.
	s.Shutdown(context.Background())
}

func TestShutdownTimeoutCancelsRunningContext(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestService(t, Config{})

	started := make(chan struct{})
	interrupted := make(chan struct{})
	_, _ = s.ScheduleAfter("slow", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(interrupted)
		return ctx.Err()
	})
	clk.Advance(0)
	waitFor(t, started, "start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Shutdown(ctx)
	waitFor(t, interrupted, "run context cancellation")
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	s, clk, bus := newTestService(t, Config{RunTimeout: 10 * time.Millisecond})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_, _ = s.ScheduleAfter("A", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	clk.Advance(0)
	e := waitEvent(t, events, eventbus.JobFailed)
	if d := e.Data.(eventbus.JobData); d.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q, want %q", d.Error, context.DeadlineExceeded.Error())
	}
}
