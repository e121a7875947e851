// Package mock provides a scriptable test double for capture.Recognizer.
//
// Every Start call returns a fresh [Cycle] that tests drive by hand:
//
//	rec := &mock.Recognizer{}
//	ctrl := capture.NewController(l, rec)
//	ctrl.Start()
//	rec.Last().Say("hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/capture"
)

// Recognizer is a mock implementation of capture.Recognizer.
type Recognizer struct {
	mu       sync.Mutex
	startErr error
	cycles   []*Cycle
}

// SetStartErr makes subsequent Start calls fail with err.
func (r *Recognizer) SetStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// Start returns a new [Cycle], or the configured start error.
func (r *Recognizer) Start(_ context.Context) (capture.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	c := &Cycle{events: make(chan capture.Event, 4)}
	r.cycles = append(r.cycles, c)
	return c, nil
}

// Starts returns how many cycles have been opened.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cycles)
}

// Cycles returns every cycle opened so far.
func (r *Recognizer) Cycles() []*Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Cycle(nil), r.cycles...)
}

// Last returns the most recent cycle, or nil.
func (r *Recognizer) Last() *Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cycles) == 0 {
		return nil
	}
	return r.cycles[len(r.cycles)-1]
}

var _ capture.Recognizer = (*Recognizer)(nil)

// Cycle is a mock implementation of capture.Cycle. Events sent after the
// cycle ended are dropped.
type Cycle struct {
	mu      sync.Mutex
	events  chan capture.Event
	closed  bool
	stopped bool
}

func (c *Cycle) Events() <-chan capture.Event { return c.events }

// Stop records the call and ends the cycle.
func (c *Cycle) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.End()
}

// Say delivers a finalized transcript.
func (c *Cycle) Say(text string) { c.send(capture.Event{Transcript: text}) }

// Fail delivers a recognizer error.
func (c *Cycle) Fail(err error) { c.send(capture.Event{Err: err}) }

// End closes the event channel as a normal cycle end.
func (c *Cycle) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Stopped reports whether Stop was called.
func (c *Cycle) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Cycle) send(ev capture.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

var _ capture.Cycle = (*Cycle)(nil)
