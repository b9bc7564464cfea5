package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/clock"
	"timerd/internal/task/engine"
	logx "timerd/pkg/logx"
)

type call struct {
	id      string
	payload string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	ch    chan call
	fn    func(ctx context.Context, id, payload string) error
}

func newRecorder() *recorder { return &recorder{ch: make(chan call, 256)} }

func (r *recorder) process(ctx context.Context, id, payload string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call{id, payload})
	fn := r.fn
	r.mu.Unlock()
	r.ch <- call{id, payload}
	if fn != nil {
		return fn(ctx, id, payload)
	}
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.id == id {
			n++
		}
	}
	return n
}

func (r *recorder) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("processor was not invoked")
		return call{}
	}
}

type fixture struct {
	s   *Service
	clk *clock.Fake
	rec *recorder
	bus eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(10_000, 0))
	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: 4}, clk, logx.Nop(), bus)
	rec := newRecorder()
	s := New(cfg, eng, rec.process, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return &fixture{s: s, clk: clk, rec: rec, bus: bus}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) gone(t *testing.T, id string) {
	t.Helper()
	eventually(t, id+" cleanup", func() bool {
		_, ok, _ := f.s.Payload(id)
		return !ok
	})
}

func TestFireOnceThenCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	res, err := f.s.Schedule("A", `{"x":1}`, time.Second)
	if err != nil || res != ResultScheduled {
		t.Fatalf("Schedule() = %q, %v, want scheduled", res, err)
	}
	if p, ok, _ := f.s.Payload("A"); !ok || p != `{"x":1}` {
		t.Fatalf("Payload() = %q, %v, want {\"x\":1}", p, ok)
	}

	f.clk.Advance(1200 * time.Millisecond)
	if c := f.rec.next(t); c.id != "A" || c.payload != `{"x":1}` {
		t.Fatalf("processor got %+v", c)
	}
	f.gone(t, "A")
	if n := f.rec.count("A"); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestResubmitShorterDelayReplaces(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, _ = f.s.Schedule("B", "p1", 5*time.Second)
	_, _ = f.s.Schedule("B", "p2", time.Second)
	if p, _, _ := f.s.Payload("B"); p != "p2" {
		t.Fatalf("Payload() = %q, want p2", p)
	}

	f.clk.Advance(1200 * time.Millisecond)
	if c := f.rec.next(t); c.payload != "p2" {
		t.Fatalf("payload = %q, want p2", c.payload)
	}
	f.gone(t, "B")
	f.clk.Advance(10 * time.Second)
	eventually(t, "engine idle", func() bool { return f.s.Snapshot().Engine.Pending == 0 })
	if n := f.rec.count("B"); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestResubmitLongerDelayFiresLate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, _ = f.s.Schedule("X", "p1", time.Second)
	_, _ = f.s.Schedule("X", "p2", 3*time.Second)

	f.clk.Advance(1200 * time.Millisecond)
	if n := f.s.Snapshot().Engine.Cancelled; n != 1 {
		t.Fatalf("Cancelled = %d, want 1", n)
	}
	if n := f.rec.count("X"); n != 0 {
		t.Fatalf("calls at 1.2s = %d, want 0", n)
	}
	f.clk.Advance(1800 * time.Millisecond)
	if c := f.rec.next(t); c.payload != "p2" {
		t.Fatalf("payload = %q, want p2", c.payload)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, _ = f.s.Schedule("C", "p", 5*time.Second)
	if got := f.s.Cancel("C"); got != ResultCancelled {
		t.Fatalf("Cancel() = %q, want cancelled", got)
	}
	if got := f.s.Cancel("C"); got != ResultNotFound {
		t.Fatalf("second Cancel() = %q, want not_found", got)
	}
	f.clk.Advance(6 * time.Second)
	if _, ok, _ := f.s.Payload("C"); ok {
		t.Fatal("payload still present after cancel")
	}
	if n := f.rec.count("C"); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}
}

func TestCancelRunningIsNotCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	f.rec.fn = func(ctx context.Context, id, payload string) error {
		<-release
		return nil
	}

	_, _ = f.s.Schedule("R", "p", 0)
	f.clk.Advance(0)
	f.rec.next(t)

	if got := f.s.Cancel("R"); got != ResultNotCancelled {
		t.Fatalf("Cancel() = %q, want not_cancelled", got)
	}
	if got := f.s.Cancel("R"); got != ResultNotFound {
		t.Fatalf("second Cancel() = %q, want not_found", got)
	}
	close(release)
}

func TestCompletionKeepsNewerSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	f.rec.fn = func(ctx context.Context, id, payload string) error {
		if payload == "first" {
			<-release
		}
		return nil
	}

	_, _ = f.s.Schedule("K", "first", 0)
	f.clk.Advance(0)
	f.rec.next(t)

	// Running job cannot be cancelled; the new one is installed anyway.
	_, _ = f.s.Schedule("K", "second", time.Minute)
	close(release)
	eventually(t, "first run finished", func() bool { return f.s.Snapshot().Engine.Completed == 1 })

	if p, ok, _ := f.s.Payload("K"); !ok || p != "second" {
		t.Fatalf("Payload() = %q, %v, want second, true", p, ok)
	}
	f.clk.Advance(time.Minute)
	if c := f.rec.next(t); c.payload != "second" {
		t.Fatalf("payload = %q, want second", c.payload)
	}
	f.gone(t, "K")
}

func TestFailuresStillCleanUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	f.rec.fn = func(ctx context.Context, id, payload string) error {
		if id == "panic" {
			panic("bad payload")
		}
		return errors.New("downstream 500")
	}

	_, _ = f.s.Schedule("err", "p", 0)
	_, _ = f.s.Schedule("panic", "p", 0)
	f.clk.Advance(0)
	f.gone(t, "err")
	f.gone(t, "panic")

	got := map[string]string{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-events:
			if e.Type == eventbus.JobFailed {
				d := e.Data.(eventbus.JobData)
				got[d.ID] = d.Error
			}
		case <-deadline:
			t.Fatalf("failed events = %v, want 2", got)
		}
	}
	if !strings.Contains(got["err"], `job "err": downstream 500`) {
		t.Fatalf("err event = %q", got["err"])
	}
	if !strings.Contains(got["panic"], "panic: bad payload") {
		t.Fatalf("panic event = %q", got["panic"])
	}
}

func TestConcurrentDistinctIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			if _, err := f.s.Schedule(id, "payload-"+id, time.Second); err != nil {
				t.Errorf("Schedule(%s) err = %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if got := f.s.Pending(); got != n {
		t.Fatalf("Pending() = %d, want %d", got, n)
	}

	f.clk.Advance(time.Second)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		c := f.rec.next(t)
		if c.payload != "payload-"+c.id {
			t.Fatalf("cross-id payload: %+v", c)
		}
		if seen[c.id] {
			t.Fatalf("%s fired twice", c.id)
		}
		seen[c.id] = true
	}
	eventually(t, "registry drained", func() bool { return f.s.Pending() == 0 })
}

func TestEmptyID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	for _, id := range []string{"", "   "} {
		if _, err := f.s.Schedule(id, "p", time.Second); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Schedule(%q) err = %v, want ErrInvalidArgument", id, err)
		}
		if _, _, err := f.s.Payload(id); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Payload(%q) err = %v, want ErrInvalidArgument", id, err)
		}
		if got := f.s.Cancel(id); got != ResultNotFound {
			t.Fatalf("Cancel(%q) = %q, want not_found", id, got)
		}
	}
}

func TestIDWhitespaceIsSignificant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.Schedule(" T", "p1", time.Second)
	_, _ = f.s.Schedule("T", "p2", time.Second)
	if n := f.s.Pending(); n != 2 {
		t.Fatalf("Pending() = %d, want 2", n)
	}
	if p, ok, _ := f.s.Payload(" T"); !ok || p != "p1" {
		t.Fatalf("Payload(\" T\") = %q, %v, want p1, true", p, ok)
	}
	if p, ok, _ := f.s.Payload("T"); !ok || p != "p2" {
		t.Fatalf("Payload(T) = %q, %v, want p2, true", p, ok)
	}

	f.clk.Advance(time.Second)
	got := map[string]string{}
	for i := 0; i < 2; i++ {
		c := f.rec.next(t)
		got[c.id] = c.payload
	}
	if got[" T"] != "p1" || got["T"] != "p2" {
		t.Fatalf("fired = %v, want both ids with their own payload", got)
	}
}

func TestNegativeDelayFiresImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.Schedule("N", "p", -time.Minute)
	f.clk.Advance(0)
	if c := f.rec.next(t); c.id != "N" {
		t.Fatalf("id = %q, want N", c.id)
	}
}

func TestScheduleDefaultDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.ScheduleDefault("D", "p")

	f.clk.Advance(52 * time.Second)
	if n := f.s.Snapshot().Engine.Completed; n != 0 || f.rec.count("D") != 0 {
		t.Fatal("fired before the default delay")
	}
	f.clk.Advance(time.Second)
	f.rec.next(t)

	f.s.Apply(Config{DefaultDelay: 2 * time.Second})
	_, _ = f.s.ScheduleDefault("D2", "p")
	f.clk.Advance(2 * time.Second)
	if c := f.rec.next(t); c.id != "D2" {
		t.Fatalf("id = %q, want D2", c.id)
	}
}

func TestShutdownRejectsAndSweeps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.Schedule("late", "p", time.Hour)

	f.s.Shutdown(20 * time.Millisecond)
	if _, ok, _ := f.s.Payload("late"); ok {
		t.Fatal("aborted job still registered")
	}
	if _, err := f.s.Schedule("after", "p", 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("Schedule() after shutdown err = %v, want ErrStopped", err)
	}
	// Idempotent.
	f.s.Shutdown(time.Millisecond)
}

func TestShutdownLetsDueJobsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.Schedule("soon", "p", time.Second)

	done := make(chan struct{})
	go func() {
		f.s.Shutdown(5 * time.Second)
		close(done)
	}()
	eventually(t, "shutdown started", func() bool { return !f.s.Snapshot().Engine.Accepting })
	f.clk.Advance(time.Second)
	if c := f.rec.next(t); c.id != "soon" {
		t.Fatalf("id = %q, want soon", c.id)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after work drained")
	}
}

func TestSnapshotListsJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, _ = f.s.Schedule("b", "22", 2*time.Second)
	_, _ = f.s.Schedule("a", "1", time.Second)

	snap := f.s.Snapshot()
	if len(snap.Jobs) != 2 || snap.Jobs[0].ID != "a" || snap.Jobs[1].ID != "b" {
		t.Fatalf("jobs = %+v, want a then b", snap.Jobs)
	}
	if snap.Jobs[1].PayloadBytes != 2 || snap.Jobs[0].State != "pending" {
		t.Fatalf("job info = %+v", snap.Jobs)
	}
	if snap.DefaultDelay != DefaultDelay {
		t.Fatalf("DefaultDelay = %v, want %v", snap.DefaultDelay, DefaultDelay)
	}
}
