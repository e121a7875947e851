// Package looptest runs a [loop.Loop] for the duration of a test.
package looptest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/loop"
)

// Start creates a loop, runs it in a background goroutine and stops it when
// the test finishes.
func Start(t testing.TB) *loop.Loop {
	t.Helper()
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

// Do runs fn on l and fails the test if the loop does not process it within
// a second.
func Do(t testing.TB, l *loop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Do(ctx, fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

// Eventually polls cond on the loop until it returns true or timeout elapses.
func Eventually(t testing.TB, l *loop.Loop, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		Do(t, l, func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
