package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event names used by the continuity strategies.
const (
	EventUpdateSessionID = "update-session-id"
	QuerySessionID       = "session_id"
)

// DefaultAckTimeout bounds how long a strategy waits for the server to
// acknowledge a session binding.
const DefaultAckTimeout = 5 * time.Second

// ErrAckTimeout is returned when the server does not acknowledge a session
// binding within the strategy's timeout.
var ErrAckTimeout = errors.New("session: acknowledgement timed out")

// Binder is the subset of the duplex channel that continuity strategies need.
type Binder interface {
	// Emit sends a named event on the live connection.
	Emit(ctx context.Context, event string, payload any) error

	// SetQuery sets a query parameter sent on every subsequent dial.
	SetQuery(key, value string)

	// Reconnect drops the current connection and dials a fresh one.
	Reconnect(ctx context.Context) error
}

// Continuity binds a live session to the duplex channel.
//
// Bind is used once when a new session starts. Resume is used after the
// channel reconnected on its own while a session was live. Both block until
// the server acknowledges the binding via [Waiter.Resolve], the timeout
// elapses, or ctx is cancelled. Prepare runs when the channel drops while a
// session is live, before the redial.
type Continuity interface {
	Name() string
	Bind(ctx context.Context, b Binder, w *Waiter, sessionID string) error
	Prepare(w *Waiter, sessionID string)
	Resume(ctx context.Context, b Binder, w *Waiter, sessionID string) error
}

// Strategy names accepted by [NewContinuity].
const (
	StrategyHandshake = "handshake"
	StrategyInPlace   = "in_place"
)

// NewContinuity returns the strategy registered under name.
func NewContinuity(name string, ackTimeout time.Duration) (Continuity, error) {
	switch name {
	case StrategyHandshake, "":
		return &Handshake{AckTimeout: ackTimeout}, nil
	case StrategyInPlace:
		return &InPlaceUpdate{AckTimeout: ackTimeout}, nil
	default:
		return nil, fmt.Errorf("session: unknown continuity strategy %q", name)
	}
}

// Handshake re-establishes the session with a fresh connection that carries
// the session id as a dial parameter, then waits for session-assigned.
type Handshake struct {
	AckTimeout time.Duration
}

var _ Continuity = (*Handshake)(nil)

// Name implements [Continuity].
func (*Handshake) Name() string { return StrategyHandshake }

// Bind implements [Continuity].
func (h *Handshake) Bind(ctx context.Context, b Binder, w *Waiter, sessionID string) error {
	ack := w.Expect(sessionID)
	b.SetQuery(QuerySessionID, sessionID)
	if err := b.Reconnect(ctx); err != nil {
		w.Cancel(sessionID)
		return fmt.Errorf("session: handshake reconnect: %w", err)
	}
	return await(ctx, w, sessionID, ack, h.AckTimeout)
}

// Prepare implements [Continuity]. The redial carries the session id, so the
// server may answer before Resume runs; the acknowledgement is armed now.
func (*Handshake) Prepare(w *Waiter, sessionID string) { w.Arm(sessionID) }

// Resume implements [Continuity]. The dial parameter set by Bind is still in
// place, so the reconnect that just happened already was the handshake.
func (h *Handshake) Resume(ctx context.Context, b Binder, w *Waiter, sessionID string) error {
	ack := w.Expect(sessionID)
	b.SetQuery(QuerySessionID, sessionID)
	return await(ctx, w, sessionID, ack, h.AckTimeout)
}

// InPlaceUpdate keeps the connection and announces the session id with an
// update-session-id event, then waits for session-updated.
type InPlaceUpdate struct {
	AckTimeout time.Duration
}

var _ Continuity = (*InPlaceUpdate)(nil)

// Name implements [Continuity].
func (*InPlaceUpdate) Name() string { return StrategyInPlace }

// Bind implements [Continuity].
func (u *InPlaceUpdate) Bind(ctx context.Context, b Binder, w *Waiter, sessionID string) error {
	ack := w.Expect(sessionID)
	if err := b.Emit(ctx, EventUpdateSessionID, map[string]string{"session_id": sessionID}); err != nil {
		w.Cancel(sessionID)
		return fmt.Errorf("session: emit %s: %w", EventUpdateSessionID, err)
	}
	return await(ctx, w, sessionID, ack, u.AckTimeout)
}

// Prepare implements [Continuity]. Only an answer to the update event counts.
func (*InPlaceUpdate) Prepare(*Waiter, string) {}

// Resume implements [Continuity].
func (u *InPlaceUpdate) Resume(ctx context.Context, b Binder, w *Waiter, sessionID string) error {
	return u.Bind(ctx, b, w, sessionID)
}

func await(ctx context.Context, w *Waiter, sessionID string, ack <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		w.Cancel(sessionID)
		return ErrAckTimeout
	case <-ctx.Done():
		w.Cancel(sessionID)
		return ctx.Err()
	}
}

// Waiter pairs server acknowledgements with pending continuity requests.
// All methods are safe for concurrent use.
type Waiter struct {
	mu      sync.Mutex
	pending map[string][]chan struct{}
	armed   map[string]chan struct{}
}

// Expect registers interest in an acknowledgement for sessionID. The
// returned channel is closed by [Waiter.Resolve]. If [Waiter.Arm] was called
// for sessionID, Expect hands out that channel instead, which is already
// closed when the acknowledgement arrived in the meantime.
func (w *Waiter) Expect(sessionID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.armed[sessionID]; ok {
		delete(w.armed, sessionID)
		return ch
	}
	return w.register(sessionID)
}

// Arm registers an acknowledgement for sessionID ahead of the next
// [Waiter.Expect]. Arming twice keeps the first registration.
func (w *Waiter) Arm(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.armed[sessionID]; ok {
		return
	}
	if w.armed == nil {
		w.armed = make(map[string]chan struct{})
	}
	w.armed[sessionID] = w.register(sessionID)
}

func (w *Waiter) register(sessionID string) chan struct{} {
	if w.pending == nil {
		w.pending = make(map[string][]chan struct{})
	}
	ch := make(chan struct{})
	w.pending[sessionID] = append(w.pending[sessionID], ch)
	return ch
}

// Resolve releases every waiter for sessionID. It reports whether anyone
// was waiting.
func (w *Waiter) Resolve(sessionID string) bool {
	w.mu.Lock()
	chans := w.pending[sessionID]
	delete(w.pending, sessionID)
	w.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	if len(chans) > 0 {
		slog.Debug("session: binding acknowledged", "session_id", sessionID, "waiters", len(chans))
	}
	return len(chans) > 0
}

// Cancel forgets every waiter for sessionID without releasing them.
func (w *Waiter) Cancel(sessionID string) {
	w.mu.Lock()
	delete(w.pending, sessionID)
	delete(w.armed, sessionID)
	w.mu.Unlock()
}

// Pending reports whether any acknowledgement is outstanding.
func (w *Waiter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0
}
