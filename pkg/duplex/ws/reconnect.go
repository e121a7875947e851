package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 5 * time.Second
)

// ReconnectConfig configures a [Reconnector].
type ReconnectConfig struct {
	// MaxRetries is the number of attempts per outage before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the delay before the second attempt. It doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to 5s if zero.
	MaxBackoff time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	return c
}

// Reconnector redials after a connection drop with exponential backoff.
//
// [Reconnector.Monitor] starts a goroutine that waits for
// [Reconnector.NotifyDisconnect]. Each signal starts one outage: up to
// MaxRetries calls to dial, the first one immediately. When every attempt
// fails, onExhausted receives the last error.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg         ReconnectConfig
	dial        func(ctx context.Context) error
	onAttempt   func(attempt int, err error)
	onExhausted func(err error)

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // capacity 1
	wg           sync.WaitGroup
}

// NewReconnector creates a Reconnector calling dial for every attempt.
// onAttempt and onExhausted may be nil.
func NewReconnector(cfg ReconnectConfig, dial func(ctx context.Context) error, onAttempt func(int, error), onExhausted func(error)) *Reconnector {
	return &Reconnector{
		cfg:          cfg.withDefaults(),
		dial:         dial,
		onAttempt:    onAttempt,
		onExhausted:  onExhausted,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the background goroutine. It returns once ctx is done or
// Stop is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect requests a reconnection. Signals arriving while an outage
// is already being handled collapse into one.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and waits for the goroutine to exit. Safe to call
// multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("ws: attempting reconnection", "attempt", attempt, "max_retries", r.cfg.MaxRetries)
		err := r.dial(ctx)
		if r.onAttempt != nil {
			r.onAttempt(attempt, err)
		}
		if err == nil {
			slog.Info("ws: reconnection successful", "attempt", attempt)
			return
		}
		lastErr = err
		slog.Warn("ws: reconnection attempt failed", "attempt", attempt, "err", err)

		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}

	slog.Error("ws: reconnection failed after max retries", "max_retries", r.cfg.MaxRetries, "err", lastErr)
	if r.onExhausted != nil {
		r.onExhausted(lastErr)
	}
}
