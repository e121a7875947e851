package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	// DefaultNoSpeechTimeout ends a cycle that produced no final transcript.
	DefaultNoSpeechTimeout = 8 * time.Second

	// DefaultNoAudioTimeout ends a cycle whose microphone stayed silent.
	DefaultNoAudioTimeout = 2 * time.Second

	frameBuffer = 64
)

// Microphone delivers PCM frames from a capture device. Start replaces any
// previous frame callback; Stop detaches it.
type Microphone interface {
	Format() audio.Format
	Start(onFrame func([]byte)) error
	Stop() error
}

// RecognizerOption configures an [STTRecognizer].
type RecognizerOption func(*STTRecognizer)

// WithLanguage sets the BCP-47 language passed to the provider.
func WithLanguage(lang string) RecognizerOption {
	return func(r *STTRecognizer) { r.language = lang }
}

// WithNoSpeechTimeout overrides [DefaultNoSpeechTimeout].
func WithNoSpeechTimeout(d time.Duration) RecognizerOption {
	return func(r *STTRecognizer) {
		if d > 0 {
			r.noSpeech = d
		}
	}
}

// WithNoAudioTimeout overrides [DefaultNoAudioTimeout].
func WithNoAudioTimeout(d time.Duration) RecognizerOption {
	return func(r *STTRecognizer) {
		if d > 0 {
			r.noAudio = d
		}
	}
}

// STTRecognizer runs capture cycles by streaming a [Microphone] into a
// speech-to-text provider. Only one cycle owns the microphone at a time: a
// new cycle waits for the previous one to release it.
type STTRecognizer struct {
	mic      Microphone
	provider stt.Provider
	language string
	noSpeech time.Duration
	noAudio  time.Duration

	mu   sync.Mutex
	prev *sttCycle
}

// NewRecognizer returns a Recognizer backed by mic and provider.
func NewRecognizer(mic Microphone, provider stt.Provider, opts ...RecognizerOption) *STTRecognizer {
	r := &STTRecognizer{
		mic:      mic,
		provider: provider,
		noSpeech: DefaultNoSpeechTimeout,
		noAudio:  DefaultNoAudioTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start opens a provider session and starts the microphone.
func (r *STTRecognizer) Start(ctx context.Context) (Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.prev != nil {
		r.prev.Stop()
		select {
		case <-r.prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.prev = nil
	}

	format := r.mic.Format()
	sess, err := r.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   r.language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CaptureError{Err: fmt.Errorf("start recognition: %w", err)}
	}

	c := &sttCycle{
		sess:   sess,
		mic:    r.mic,
		frames: make(chan []byte, frameBuffer),
		events: make(chan Event, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := r.mic.Start(c.onFrame); err != nil {
		_ = sess.Close()
		return nil, &CaptureError{Err: fmt.Errorf("start microphone: %w", err)}
	}
	r.prev = c
	go c.run(r.noSpeech, r.noAudio)
	return c, nil
}

type sttCycle struct {
	sess   stt.SessionHandle
	mic    Microphone
	frames chan []byte
	events chan Event

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (c *sttCycle) Events() <-chan Event { return c.events }

// Stop signals the cycle to end. Teardown happens in the background.
func (c *sttCycle) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// onFrame runs on the device callback and must not block.
func (c *sttCycle) onFrame(pcm []byte) {
	select {
	case c.frames <- pcm:
	default:
	}
}

func (c *sttCycle) run(noSpeech, noAudio time.Duration) {
	defer close(c.done)
	defer close(c.events)
	defer func() {
		if err := c.mic.Stop(); err != nil {
			slog.Warn("capture: stop microphone", "err", err)
		}
		_ = c.sess.Close()
	}()

	speechTimer := time.NewTimer(noSpeech)
	defer speechTimer.Stop()
	audioTimer := time.NewTimer(noAudio)
	defer audioTimer.Stop()

	partials := c.sess.Partials()
	finals := c.sess.Finals()
	for {
		select {
		case <-c.stop:
			return

		case pcm := <-c.frames:
			audioTimer.Stop()
			if err := c.sess.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
				slog.Debug("capture: send audio", "err", err)
			}

		case <-audioTimer.C:
			c.emit(Event{Err: ErrNoAudio})
			return

		case <-speechTimer.C:
			c.emit(Event{Err: ErrNoSpeech})
			return

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			slog.Debug("capture: partial", "text", tr.Text)

		case tr, ok := <-finals:
			if !ok {
				if err := c.sess.Err(); err != nil {
					c.emit(Event{Err: &CaptureError{Err: err}})
				}
				return
			}
			if tr.Text == "" {
				continue
			}
			c.emit(Event{Transcript: tr.Text})
			return
		}
	}
}

func (c *sttCycle) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

var _ Recognizer = (*STTRecognizer)(nil)
