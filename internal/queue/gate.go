package queue

import (
	"context"
	"log/slog"
	"sync"
)

// GateStatus is an observability snapshot of a ConcurrencyGate.
type GateStatus struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// ConcurrencyGate bounds the number of operations running at once. Callers
// beyond the limit wait in FIFO order; priority ordering is the concern of
// whoever decides what to submit, not of the gate.
type ConcurrencyGate struct {
	mu            sync.Mutex
	maxConcurrent int
	active        int
	waiters       []chan struct{}
	logger        *slog.Logger
}

// NewConcurrencyGate creates a gate admitting up to maxConcurrent
// concurrent operations. Invalid values fall back to 1.
func NewConcurrencyGate(maxConcurrent int, logger *slog.Logger) *ConcurrencyGate {
	if maxConcurrent <= 0 {
		logger.Warn("invalid max concurrent value, using default",
			"specified", maxConcurrent,
			"default", 1)
		maxConcurrent = 1
	}

	return &ConcurrencyGate{
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Execute runs op once a slot is available, releasing the slot when op
// returns regardless of outcome. Waiting is aborted if ctx is cancelled.
func (g *ConcurrencyGate) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	return op(ctx)
}

// Status returns the current gate occupancy.
func (g *ConcurrencyGate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	return GateStatus{
		Active:        g.active,
		Queued:        len(g.waiters),
		MaxConcurrent: g.maxConcurrent,
	}
}

func (g *ConcurrencyGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.maxConcurrent {
		g.active++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The slot was granted between ctx.Done and taking the lock;
		// hand it back so the queue cannot leak a slot.
		g.release()
		return ctx.Err()
	}
}

// release frees a slot. If anyone is waiting, the slot transfers to the
// head of the queue instead of decrementing the active count, which is what
// makes admission FIFO-fair.
func (g *ConcurrencyGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ready)
		return
	}

	g.active--
}
