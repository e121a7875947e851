// Package resilience guards calls to the conversation server with a circuit
// breaker.
//
// A [Breaker] is a three-state breaker (closed, open, half-open): after
// MaxFailures consecutive failures it rejects calls with [ErrOpen] for
// ResetTimeout, then lets up to HalfOpenMax probe calls through. A probe that
// fails re-opens it; HalfOpenMax successful probes close it.
//
// Breaker is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the reset timeout elapses.
	Open

	// HalfOpen admits a limited number of probe calls.
	HalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted while half-open.
	// Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the breaker. Default: every non-nil error counts.
	IsFailure func(error) bool
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// New creates a [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
	}
}

// Execute runs fn if the breaker admits it and returns fn's error. It
// returns [ErrOpen] without calling fn while open or when the half-open
// probe budget is in use.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == Open {
		if time.Since(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state, b.probes, b.probeWins = HalfOpen, 0, 0
		slog.Info("resilience: breaker half-open", "name", b.name)
	}
	probe := b.state == HalfOpen
	if probe {
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFailure(err) {
		b.failed(probe)
	} else {
		b.succeeded(probe)
	}
	return err
}

func (b *Breaker) failed(probe bool) {
	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != Open {
			slog.Warn("resilience: breaker opened", "name", b.name, "consecutive_failures", b.failures)
		}
		b.state = Open
		b.openedAt = time.Now()
	}
}

func (b *Breaker) succeeded(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.probeWins++
	if b.probeWins >= b.halfOpenMax {
		b.state = Closed
		slog.Info("resilience: breaker closed", "name", b.name)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [HalfOpen]; the transition happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.probes, b.probeWins = Closed, 0, 0, 0
}
