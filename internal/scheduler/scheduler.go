// Package scheduler gives the node a single place to fan work out and
// wait for a clean shutdown. Go's netpoller already
// plays the role of epoll/kqueue underneath net.Conn, so this package
// only needs a cancellation token shared by every long-lived task —
// golang.org/x/sync/errgroup's job.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is a bounded unit of work; it must return promptly when ctx is
// cancelled.
type Task func(ctx context.Context) error

// Pool runs each Task on its own goroutine (the number of goroutines is
// not limited) and tracks a single cancellation token propagated to
// every long-lived task in the group.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	stopped bool
}

func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Pool{ctx: gctx, cancel: cancel, group: group}
}

// Context returns the pool's cancellation context; tasks spawned outside
// Go (e.g. a one-shot net.Conn read loop) should select on it.
func (p *Pool) Context() context.Context { return p.ctx }

// Go submits a task. Submitting after Close is a no-op: chaman's close()
// order (timers -> dialers -> peers -> listeners) guarantees no new task
// is submitted once the pool is torn down.
func (p *Pool) Go(t Task) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	p.group.Go(func() error {
		return t(p.ctx)
	})
}

// Close cancels every task and blocks until they have all returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	return p.group.Wait()
}
