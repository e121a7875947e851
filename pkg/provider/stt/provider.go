// Package stt defines the streaming speech-to-text contract used by parley's
// capture path.
//
// A [Provider] opens a [SessionHandle] per capture cycle. The session accepts
// raw 16-bit PCM through SendAudio and reports interim guesses on Partials
// and committed results on Finals. Both channels are closed when the session
// ends, after which Err reports why.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal distinguishes committed results from interim guesses.
	IsFinal bool

	// Confidence is in [0, 1], or zero when the provider does not report one.
	Confidence float64

	// Duration is the length of the recognised audio, when known.
	Duration time.Duration
}

// StreamConfig describes the audio delivered to a session.
type StreamConfig struct {
	// SampleRate in Hz, e.g. 16000.
	SampleRate int

	// Channels of interleaved PCM. Providers downmix as needed.
	Channels int

	// Language is a BCP-47 tag such as "en-US". Empty lets the provider choose.
	Language string
}

// SessionHandle is an open streaming recognition session. Close must be
// called when done; it is safe to call more than once. All methods are safe
// for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of PCM matching the StreamConfig.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil for a normal end.
	// It is only meaningful once Finals is closed.
	Err() error

	// Close ends the session and releases its resources.
	Close() error
}

// Provider is a speech-to-text backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// StartStream opens a new session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
