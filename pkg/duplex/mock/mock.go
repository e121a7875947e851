// Package mock provides an in-memory duplex.Channel for tests.
//
// Tests push inbound traffic with Deliver and SetState and inspect what the
// code under test sent with Emitted.
package mock

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/duplex"
)

// Emitted is one recorded Emit call.
type Emitted struct {
	Event   string
	Payload any
}

// Channel is a mock implementation of duplex.Channel.
type Channel struct {
	mu sync.Mutex

	// EmitErr, ConnectErr and ReconnectErr are returned by the matching
	// methods when non-nil.
	EmitErr      error
	ConnectErr   error
	ReconnectErr error

	handlers   map[string]func(json.RawMessage)
	listeners  []func(duplex.State, error)
	state      duplex.State
	emitted    []Emitted
	query      map[string]string
	connects   int
	reconnects int
	closed     bool
}

var _ duplex.Channel = (*Channel)(nil)

// Connect records the call and reports Connected unless ConnectErr is set.
func (c *Channel) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.ConnectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.SetState(duplex.Connected, nil)
	return nil
}

// Emit records event and payload.
func (c *Channel) Emit(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: payload})
	return nil
}

// On registers h for event.
func (c *Channel) On(event string, h func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]func(json.RawMessage))
	}
	c.handlers[event] = h
}

// OnStateChange registers fn.
func (c *Channel) OnStateChange(fn func(duplex.State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Reconnect records the call and reports Disconnected then Connected.
func (c *Channel) Reconnect(context.Context) error {
	c.mu.Lock()
	c.reconnects++
	err := c.ReconnectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.SetState(duplex.Disconnected, nil)
	c.SetState(duplex.Connected, nil)
	return nil
}

// SetQuery records a dial parameter.
func (c *Channel) SetQuery(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.query == nil {
		c.query = make(map[string]string)
	}
	c.query[key] = value
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Deliver invokes the handler for event with data as the raw body. It
// reports whether a handler was registered.
func (c *Channel) Deliver(event, data string) bool {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(json.RawMessage(data))
	return true
}

// SetState records s and notifies every state listener.
func (c *Channel) SetState(s duplex.State, err error) {
	c.mu.Lock()
	c.state = s
	fns := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s, err)
	}
}

// State returns the state last set.
func (c *Channel) State() duplex.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emitted returns every recorded Emit call.
func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Query returns the value last set for key.
func (c *Channel) Query(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query[key]
}

// Reconnects returns the number of Reconnect calls.
func (c *Channel) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
