package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Device is a buffered PCM output such as [malgo.Playback].
type Device interface {
	// Format is the PCM format Write expects.
	Format() audio.Format

	// Started reports whether the device is running. A stopped device is
	// suspended.
	Started() bool

	// Start resumes a suspended device.
	Start() error

	// Write appends PCM to the output buffer.
	Write(pcm []byte) error

	// Mark calls fire once all audio written so far has played.
	Mark(fire func()) error

	// Clear drops buffered audio and pending marks without firing them.
	Clear()
}

// DeviceStrategy is the low-level decode-and-buffer path: the clip is
// decoded in-process, converted to the device format and streamed to the
// sound card.
type DeviceStrategy struct {
	dev Device

	mu      sync.Mutex
	current chan struct{} // end signal of the clip whose audio is buffered
}

var _ Strategy = (*DeviceStrategy)(nil)

// NewDeviceStrategy wraps dev. A nil dev yields a strategy that is never
// available.
func NewDeviceStrategy(dev Device) *DeviceStrategy {
	return &DeviceStrategy{dev: dev}
}

// Name implements [Strategy].
func (*DeviceStrategy) Name() string { return "device" }

// Available implements [Strategy]. It is false when there is no device or
// the device is suspended.
func (s *DeviceStrategy) Available() bool {
	return s.dev != nil && s.dev.Started()
}

// Resume tries to start a suspended device. It returns nil when the device
// is already running.
func (s *DeviceStrategy) Resume() error {
	if s.dev == nil {
		return fmt.Errorf("playback: no output device")
	}
	if s.dev.Started() {
		return nil
	}
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("playback: resume device: %w", err)
	}
	slog.Info("playback: output device resumed", "format", s.dev.Format().String())
	return nil
}

// Play implements [Strategy].
func (s *DeviceStrategy) Play(ctx context.Context, clip Clip, done func(error)) {
	if !s.Available() {
		done(ErrSuspended)
		return
	}

	buf, err := Decode(clip)
	if err != nil {
		done(err)
		return
	}
	buf, err = audio.Convert(buf, s.dev.Format())
	if err != nil {
		done(fmt.Errorf("playback: convert: %w", err))
		return
	}

	ended := make(chan struct{})
	s.mu.Lock()
	if s.current != nil {
		// A cancelled clip has not cleared its audio yet.
		s.dev.Clear()
	}
	err = s.dev.Write(buf.Data)
	if err == nil {
		err = s.dev.Mark(func() { close(ended) })
	}
	if err == nil {
		s.current = ended
	}
	s.mu.Unlock()
	if err != nil {
		done(fmt.Errorf("playback: write device: %w", err))
		return
	}

	slog.Debug("playback: clip buffered on device", "clip_id", clip.ID, "duration", buf.Duration())

	go func() {
		select {
		case <-ended:
			s.release(ended, false)
			done(nil)
		case <-ctx.Done():
			s.release(ended, true)
			done(ctx.Err())
		}
	}()
}

// release forgets the buffered clip identified by ended, clearing the device
// when the clip was cut short. A newer clip's audio is left untouched.
func (s *DeviceStrategy) release(ended chan struct{}, clearDevice bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != ended {
		return
	}
	s.current = nil
	if clearDevice {
		s.dev.Clear()
	}
}
