// Package capture runs the microphone side of a conversation: recognition
// cycles, the noise filter, local stop commands and automatic restart.
//
// A [Controller] owns the capture state and is driven from a [loop.Loop].
// Each call to Start opens one recognition [Cycle]; a cycle ends after one
// utterance, after a transient failure, or when it is stopped. Unless the
// controller was told to stop, or its gate refuses, a new cycle follows
// after the restart delay.
package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCaptureUnavailable means the client has no usable speech input.
	ErrCaptureUnavailable = errors.New("capture: unavailable")

	// ErrNoSpeech ends a cycle that heard nothing recognisable in time.
	ErrNoSpeech = errors.New("capture: no speech")

	// ErrNoAudio ends a cycle whose microphone delivered no audio in time.
	ErrNoAudio = errors.New("capture: no audio")
)

// CaptureError wraps a recognizer failure.
type CaptureError struct {
	Err       error
	Transient bool
}

func (e *CaptureError) Error() string {
	if e.Transient {
		return fmt.Sprintf("capture: transient: %v", e.Err)
	}
	return fmt.Sprintf("capture: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsTransient reports whether err should lead to an automatic restart.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrNoAudio) {
		return true
	}
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Transient
}

// State is the capture lifecycle state.
type State int

const (
	Idle State = iota
	Listening
	// Suppressed means capture was stopped by a condition that will clear,
	// such as the agent speaking, and should resume afterwards.
	Suppressed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Suppressed:
		return "suppressed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Reason says why capture is being stopped.
type Reason string

const (
	ReasonBargeIn      Reason = "barge-in-suppress"
	ReasonDirectiveOff Reason = "directive-off"
	ReasonCommand      Reason = "command"
	ReasonSessionEnd   Reason = "session-end"
	ReasonDisconnected Reason = "disconnected"
)

// State returns the state a stop for this reason leaves capture in.
func (r Reason) State() State {
	switch r {
	case ReasonBargeIn, ReasonDisconnected:
		return Suppressed
	}
	return Idle
}

// Event is one result from a recognition cycle. Exactly one field is set.
type Event struct {
	Transcript string
	Err        error
}

// Cycle is one running recognition attempt. Events is closed when the cycle
// ends. Stop must return promptly and may be called more than once.
type Cycle interface {
	Events() <-chan Event
	Stop()
}

// Recognizer opens recognition cycles. Start may block while the underlying
// service connects; it is never called on the loop goroutine.
type Recognizer interface {
	Start(ctx context.Context) (Cycle, error)
}
