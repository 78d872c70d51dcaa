// Package gate implements the gate & drain controller (component G): a
// single mutable admission flag, plus a poll-until-empty barrier used by
// safe-unmount style operations around a storage transition.
package gate

import (
	"context"
	"sync/atomic"
	"time"
)

// Counter reports a pool or table's current running/pending counts. The
// pipeline's queue.Pool and the scheduler's pending-tasks table both
// satisfy this shape without gate importing either package, keeping the
// dependency direction one-way (pipeline and scheduler depend on gate,
// not the reverse).
type Counter func() (running, pending int64)

// Counts is a snapshot of every registered Counter at the moment
// WaitForEmpty observed them.
type Counts struct {
	Running int64
	Pending int64
}

// Gate is the binary admission control consulted by the task scheduler
// before every dispatch.
type Gate struct {
	open atomic.Bool
}

// New creates a Gate, initially open.
func New() *Gate {
	g := &Gate{}
	g.open.Store(true)
	return g
}

// Set opens or closes the gate.
func (g *Gate) Set(open bool) { g.open.Store(open) }

// IsOpen reports the current gate state.
func (g *Gate) IsOpen() bool { return g.open.Load() }

// WaitUntilOpen blocks until the gate opens or ctx is done.
func (g *Gate) WaitUntilOpen(ctx context.Context) error {
	if g.IsOpen() {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.IsOpen() {
				return nil
			}
		}
	}
}

// WaitForEmpty polls every counter until all report zero running and
// pending, or timeout elapses. It returns (true, counts-at-success) or
// (false, last-observed-counts).
func WaitForEmpty(timeout time.Duration, counters ...Counter) (bool, Counts) {
	deadline := time.Now().Add(timeout)
	var last Counts

	for {
		last = Counts{}
		for _, c := range counters {
			r, p := c()
			last.Running += r
			last.Pending += p
		}
		if last.Running == 0 && last.Pending == 0 {
			return true, last
		}
		if time.Now().After(deadline) {
			return false, last
		}
		time.Sleep(20 * time.Millisecond)
	}
}
