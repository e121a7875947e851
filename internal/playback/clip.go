// Package playback serializes the agent's audio clips onto the local output.
//
// A [Queue] plays one [Clip] at a time in arrival order. Each clip is handed
// to the preferred [Strategy] when it is available and, on any failure, to
// a universal fallback strategy, so a single undecodable clip never stalls
// the queue.
package playback

import (
	"context"
	"errors"
	"mime"
	"strings"
)

var (
	// ErrPlaybackDecode marks a clip that could not be played. It wraps the
	// strategy-specific cause.
	ErrPlaybackDecode = errors.New("playback: decode failed")

	// ErrUnsupportedFormat is returned by a strategy that cannot handle the
	// clip's MIME type.
	ErrUnsupportedFormat = errors.New("playback: unsupported format")

	// ErrSuspended is returned by a strategy whose output device is suspended.
	ErrSuspended = errors.New("playback: output suspended")
)

// Clip is one encoded audio payload from the agent. Clips are immutable once
// enqueued.
type Clip struct {
	// ID correlates log lines and metrics for the clip.
	ID string

	// Payload holds the encoded audio bytes.
	Payload []byte

	// MIME is the content type hint sent by the agent, e.g. "audio/wav".
	MIME string
}

// MediaType returns the clip's MIME type without parameters, lowercased.
func (c Clip) MediaType() string {
	mt, _, err := mime.ParseMediaType(c.MIME)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(c.MIME))
	}
	return mt
}

// Result describes how a clip finished.
type Result struct {
	Clip Clip

	// Strategy names the strategy that played (or last attempted) the clip.
	Strategy string

	// Err is non-nil only when every strategy failed. It wraps
	// [ErrPlaybackDecode].
	Err error
}

// Strategy plays clips on some output path.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Available reports whether the strategy can currently be used.
	Available() bool

	// Play starts playing clip and returns immediately. done must be called
	// exactly once, from any goroutine, when playback finished, failed, or
	// ctx was cancelled.
	Play(ctx context.Context, clip Clip, done func(error))
}
