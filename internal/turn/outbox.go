package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/duplex"
)

// emitTimeout bounds a single outbound write.
const emitTimeout = 10 * time.Second

type message struct {
	event   string
	payload any

	// session is the live session the message speaks for. Messages of an
	// ended session are discarded. Empty means the message outlives it.
	session string

	// result, when set, receives the outcome of the single write attempt.
	result chan error
}

// outbox sends events in order without blocking the loop. A drain goroutine
// runs only while messages are queued and the channel is up.
//
// A write refused with [duplex.ErrNotConnected] stalls the outbox with the
// message still at the head; [outbox.resume] picks up from there once the
// channel is back.
type outbox struct {
	ch session.Binder

	mu       sync.Mutex
	queue    []message
	running  bool
	stalled  bool
	epoch    uint64 // bumped by resume
	inflight *message
	dropped  bool // inflight belongs to a discarded session
	idle     chan struct{}
}

func newOutbox(ch session.Binder) *outbox {
	idle := make(chan struct{})
	close(idle)
	return &outbox{ch: ch, idle: idle}
}

func (o *outbox) push(m message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, m)
	o.start()
}

// send queues an event and waits for its write. It is not retried after a
// reconnect and fails at once while the outbox is stalled.
func (o *outbox) send(ctx context.Context, event string, payload any) error {
	res := make(chan error, 1)
	o.mu.Lock()
	if o.stalled {
		o.mu.Unlock()
		return duplex.ErrNotConnected
	}
	o.queue = append(o.queue, message{event: event, payload: payload, result: res})
	o.start()
	o.mu.Unlock()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start launches the drain goroutine if work is pending. o.mu must be held.
func (o *outbox) start() {
	if o.running || o.stalled || len(o.queue) == 0 {
		return
	}
	o.running = true
	o.idle = make(chan struct{})
	go o.drain()
}

// resume clears a stall after the channel reconnected.
func (o *outbox) resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.epoch++
	if o.stalled {
		slog.Debug("turn: outbox resumed", "queued", len(o.queue))
	}
	o.stalled = false
	o.start()
}

// discard drops every queued message of sessionID.
func (o *outbox) discard(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.queue[:0]
	n := 0
	for _, m := range o.queue {
		if m.session == sessionID {
			n++
			if m.result != nil {
				m.result <- ErrNoSession
			}
			continue
		}
		kept = append(kept, m)
	}
	clear(o.queue[len(kept):])
	o.queue = kept
	if o.inflight != nil && o.inflight.session == sessionID {
		o.dropped = true
	}
	if n > 0 {
		slog.Debug("turn: outbound events of ended session dropped", "session_id", sessionID, "count", n)
	}
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 || o.stalled {
			o.running = false
			close(o.idle)
			o.mu.Unlock()
			return
		}
		m := o.queue[0]
		o.queue = o.queue[1:]
		o.inflight, o.dropped = &m, false
		epoch := o.epoch
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		err := o.ch.Emit(ctx, m.event, m.payload)
		cancel()

		o.mu.Lock()
		o.inflight = nil
		notConnected := errors.Is(err, duplex.ErrNotConnected)
		if notConnected && epoch == o.epoch {
			o.stalled = true
		}
		switch {
		case m.result != nil:
			m.result <- err
		case notConnected && !o.dropped:
			o.queue = append([]message{m}, o.queue...)
			slog.Debug("turn: channel down, holding outbound event", "event", m.event)
		case err != nil && !notConnected:
			slog.Warn("turn: emit failed", "event", m.event, "err", err)
		}
		o.mu.Unlock()
	}
}

// wait blocks until the queue is empty or stalled on a dropped connection.
func (o *outbox) wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// orderedBinder routes continuity emits through the outbox so they never
// overtake queued events. A reconnect first lets queued events out on the
// current connection.
type orderedBinder struct {
	out *outbox
	ch  session.Binder
}

func (b orderedBinder) Emit(ctx context.Context, event string, payload any) error {
	return b.out.send(ctx, event, payload)
}

func (b orderedBinder) SetQuery(key, value string) { b.ch.SetQuery(key, value) }

func (b orderedBinder) Reconnect(ctx context.Context) error {
	if err := b.out.wait(ctx); err != nil {
		return err
	}
	return b.ch.Reconnect(ctx)
}
