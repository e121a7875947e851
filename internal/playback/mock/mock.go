// Package mock provides a scriptable [playback.Strategy] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/playback"
)

// Strategy is a mock implementation of [playback.Strategy].
//
// By default every clip completes successfully after Delay. Set PlayErr to
// fail every clip immediately (a decoder that always fails), or Manual to
// hold clips until [Strategy.Finish] is called.
type Strategy struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Unavailable makes Available return false.
	Unavailable bool

	// PlayErr, when non-nil, is passed to done synchronously.
	PlayErr error

	// Manual holds every clip until Finish is called.
	Manual bool

	// Delay is how long an automatic clip takes to play.
	Delay time.Duration

	// DoubleDone calls done twice for automatic clips.
	DoubleDone bool

	// PlayCalls records every clip passed to Play.
	PlayCalls []playback.Clip

	held []func(error)
}

var _ playback.Strategy = (*Strategy)(nil)

// Name implements [playback.Strategy].
func (s *Strategy) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NameValue == "" {
		return "mock"
	}
	return s.NameValue
}

// Available implements [playback.Strategy].
func (s *Strategy) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Unavailable
}

// Play implements [playback.Strategy].
func (s *Strategy) Play(ctx context.Context, clip playback.Clip, done func(error)) {
	s.mu.Lock()
	s.PlayCalls = append(s.PlayCalls, clip)
	playErr, manual, delay, twice := s.PlayErr, s.Manual, s.Delay, s.DoubleDone
	if manual && playErr == nil {
		s.held = append(s.held, done)
	}
	s.mu.Unlock()

	switch {
	case playErr != nil:
		done(playErr)
	case manual:
	default:
		go func() {
			select {
			case <-time.After(delay):
				done(nil)
				if twice {
					done(nil)
				}
			case <-ctx.Done():
				done(ctx.Err())
			}
		}()
	}
}

// Finish completes the oldest held clip with err. It reports false when no
// clip is held.
func (s *Strategy) Finish(err error) bool {
	s.mu.Lock()
	if len(s.held) == 0 {
		s.mu.Unlock()
		return false
	}
	done := s.held[0]
	s.held = s.held[1:]
	s.mu.Unlock()
	done(err)
	return true
}

// Held returns the number of clips waiting for Finish.
func (s *Strategy) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Calls returns a copy of PlayCalls.
func (s *Strategy) Calls() []playback.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]playback.Clip, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// SetUnavailable toggles availability.
func (s *Strategy) SetUnavailable(v bool) {
	s.mu.Lock()
	s.Unavailable = v
	s.mu.Unlock()
}
