package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/task/clock"
)

// State is the lifecycle position of a Handle.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Handle is the ownership token for one armed execution.
//
// A handle leaves StatePending exactly once: either a worker claims it
// (running, then done) or Cancel/Shutdown claims it (cancelled).
type Handle struct {
	seq  uint64
	name string
	due  time.Time
	run  func(ctx context.Context) error

	state atomic.Int32

	mu    sync.Mutex
	timer clock.Timer
}

func (h *Handle) Seq() uint64    { return h.seq }
func (h *Handle) Name() string   { return h.name }
func (h *Handle) Due() time.Time { return h.due }
func (h *Handle) State() State   { return State(h.state.Load()) }

func (h *Handle) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

func (h *Handle) stopTimer() {
	h.mu.Lock()
	t := h.timer
	h.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

type handleKey struct{}

func withHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the handle whose callback is running on ctx.
func HandleFromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}
