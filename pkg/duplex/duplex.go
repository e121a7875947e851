// Package duplex defines the bidirectional named-event channel between the
// client and the conversation server.
//
// Events travel as JSON envelopes of the form {"event": name, "data": body}.
// Handlers receive the raw body and decode it themselves. Reconnection is
// the channel's own business: consumers only see the [State] changes.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Emit while no connection is up.
	ErrNotConnected = errors.New("duplex: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("duplex: closed")
)

// State is the connection state reported to OnStateChange listeners.
type State int

const (
	Disconnected State = iota
	Connected
	// Failed means the reconnect budget is exhausted. The channel stays
	// down until Connect or Reconnect is called again.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Envelope is the wire form of one event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel is a named-event duplex connection.
//
// Handlers registered with On and OnStateChange run on the channel's read
// goroutine and must not block. All methods are safe for concurrent use.
type Channel interface {
	// Connect dials the server. On failure the channel keeps retrying in the
	// background within its reconnect budget.
	Connect(ctx context.Context) error

	// Emit sends one event. payload is encoded as JSON.
	Emit(ctx context.Context, event string, payload any) error

	// On registers the handler for an inbound event, replacing any previous one.
	On(event string, h func(data json.RawMessage))

	// OnStateChange registers a connection state listener. err is set for
	// Disconnected and Failed when a failure caused the change.
	OnStateChange(fn func(s State, err error))

	// Reconnect drops the current connection and dials a fresh one.
	Reconnect(ctx context.Context) error

	// SetQuery sets a query parameter sent on every subsequent dial.
	SetQuery(key, value string)

	// Close shuts the channel down for good.
	Close() error
}
