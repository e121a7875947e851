// Package loop provides the single-goroutine event loop that owns all
// turn-taking state in parley.
//
// Every callback that can mutate client state (inbound channel events,
// playback completions, recognizer results, restart timers) is posted to a
// [Loop] and executed one at a time on the goroutine running [Loop.Run].
// Components built on top of a Loop therefore need no locks for their own
// state, as long as they only touch it from posted tasks.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by [Loop.Do] and [Loop.Sync] when the loop is no
// longer running.
var ErrStopped = errors.New("loop: stopped")

// Loop is an unbounded task queue drained by a single goroutine.
//
// Post never blocks, so it is safe to call from device callbacks and from
// tasks already running on the loop. All methods are safe for concurrent use.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	notify   chan struct{} // capacity 1; signals pending tasks
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop. Call [Loop.Run] to start processing.
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine. It returns false if the
// loop has been stopped, in which case fn is discarded.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. Do must not be called from the
// loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may still have run if Stop raced with it.
		select {
		case <-finished:
			return nil
		default:
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync blocks until every task posted before the call has executed.
func (l *Loop) Sync(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// AfterFunc posts fn to the loop once d has elapsed. The returned timer may
// be stopped, but callers that guard fn with their own state flags usually
// let it fire.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Run executes posted tasks until ctx is cancelled or [Loop.Stop] is called.
// Tasks still queued at shutdown are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.notify:
		}

		for {
			l.mu.Lock()
			if len(l.tasks) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.tasks
			l.tasks = nil
			l.mu.Unlock()

			for _, fn := range batch {
				l.run(fn)
			}

			select {
			case <-l.done:
				return nil
			default:
			}
		}
	}
}

// run executes fn, recovering panics so a single bad callback cannot take
// the whole client down.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop: task panicked", "panic", r)
		}
	}()
	fn()
}

// Stop halts the loop. Pending and future tasks are discarded. Safe to call
// multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done returns a channel that is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
