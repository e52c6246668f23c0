// Package worker runs background protocol tasks on a bounded pool and drives poll loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Go after Drain has started.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs tasks in the background with at most size running at once.
// Go never blocks the caller; queued tasks wait for a slot.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules fn. The context passed to fn is cancelled when Drain gives up waiting.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrPoolClosed)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Warn("task dropped before start", "task", name, "error", err)
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

// Drain stops accepting tasks and waits for the scheduled ones. When ctx ends
// first, running tasks are cancelled and Drain returns ctx's error after they exit.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Every calls fn immediately and then on each tick until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
