package runner

import (
	"context"
	"log/slog"
	"sync"
)

// Loop is a single-goroutine task queue. Every piece of orchestrator state
// (gate slots, running count, timers, watcher and process events) is mutated
// only from tasks executed by Run, so no further locking is needed.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
}

// NewLoop creates an idle loop; call Run to start executing tasks.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues f. It never blocks, so producers such as watcher pumps can
// post while the loop itself is waiting on them. It reports false once the
// loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs f on the loop and waits for it. It must not be called from a
// loop task. It reports false when the loop stopped before f ran.
func (l *Loop) Call(ctx context.Context, f func()) bool {
	done := make(chan struct{})
	if !l.Post(func() { f(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run executes tasks in FIFO order until ctx is cancelled.
// Tasks still queued at cancellation are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.tasks = nil
		l.mu.Unlock()
	}()
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for i, f := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.exec(f)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Loop task panicked", "panic", r)
		}
	}()
	f()
}
