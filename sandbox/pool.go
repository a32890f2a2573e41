package sandbox

import (
	"context"
	"time"
)

// Pool wraps a Runner and caps how many payload executions run at once
// across all sessions. Each session is already strictly sequential; the pool
// is the host-level cap on interpreter processes, since the interpreter and
// its memory are a shared machine resource.
type Pool struct {
	inner Runner
	slots chan struct{}
}

// NewPool returns a pool allowing at most size concurrent executions.
// A size below 1 is treated as 1.
func NewPool(inner Runner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{inner: inner, slots: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Run claims an execution slot, runs the payload, and releases the slot.
// Waiting for a slot respects ctx and does not consume the execution timeout;
// the budget starts when the payload actually runs.
func (p *Pool) Run(ctx context.Context, payload, workdir string, timeout time.Duration) (Result, error) {
	select {
	case <-p.slots:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { p.slots <- struct{}{} }()
	return p.inner.Run(ctx, payload, workdir, timeout)
}

// Available reports how many execution slots are currently free.
func (p *Pool) Available() int {
	return len(p.slots)
}
