// Package whisper implements stt.Provider on local whisper.cpp inference
// through its CGO bindings. libwhisper.a and whisper.h must be reachable via
// LIBRARY_PATH and C_INCLUDE_PATH at build time.
//
// whisper.cpp is not a streaming recognizer: a session buffers speech,
// cuts it at the first pause, and transcribes each utterance as one final.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// modelRate is the sample rate whisper.cpp models are trained on.
const modelRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider shares one loaded model across sessions; each inference
// gets its own whisper context.
type NativeProvider struct {
	model   whisperlib.Model
	silence time.Duration
	maxLen  time.Duration
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithSilence sets the pause that ends an utterance. Default: 500ms.
func WithSilence(d time.Duration) NativeOption {
	return func(p *NativeProvider) {
		if d > 0 {
			p.silence = d
		}
	}
}

// WithMaxSegment forces a cut after d of continuous speech. Default: 10s.
func WithMaxSegment(d time.Duration) NativeOption {
	return func(p *NativeProvider) {
		if d > 0 {
			p.maxLen = d
		}
	}
}

// NewNative loads the ggml model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, silence: defaultSilence, maxLen: defaultMaxSegment}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// StartStream opens a session. Whisper expects a bare language code, so a
// BCP-47 tag such as "en-US" is reduced to "en".
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = modelRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	lang, _, _ := strings.Cut(cfg.Language, "-")
	if lang == "" {
		lang = "auto"
	}

	s := &nativeSession{
		model:    p.model,
		language: strings.ToLower(lang),
		seg: segmenter{
			format:    format,
			threshold: defaultRMSThreshold,
			silence:   p.silence,
			maxLen:    p.maxLen,
		},
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.processLoop(ctx)
	return s, nil
}

type nativeSession struct {
	model    whisperlib.Model
	language string
	seg      segmenter // owned by processLoop

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*nativeSession)(nil)

func (s *nativeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.stopped:
		return stt.ErrSessionClosed
	case s.audioCh <- chunk:
		return nil
	}
}

// Partials is never fed: whisper only produces finals.
func (s *nativeSession) Partials() <-chan stt.Transcript { return s.partials }
func (s *nativeSession) Finals() <-chan stt.Transcript   { return s.finals }

func (s *nativeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close transcribes any buffered speech and ends the session.
func (s *nativeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
	return nil
}

func (s *nativeSession) processLoop(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.transcribe(s.seg.flush())
			return
		case chunk := <-s.audioCh:
			s.transcribe(s.seg.push(chunk))
		}
	}
}

func (s *nativeSession) transcribe(pcm []byte) {
	if pcm == nil {
		return
	}
	start := time.Now()
	text, err := s.infer(pcm)
	if err != nil {
		slog.Error("whisper: inference failed", "err", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return
	}
	slog.Debug("whisper: segment transcribed",
		"audio", s.seg.format.Duration(len(pcm)),
		"elapsed", time.Since(start),
	)
	if text == "" {
		return
	}
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true, Duration: s.seg.format.Duration(len(pcm))}:
	default:
		slog.Warn("whisper: final dropped, consumer not reading")
	}
}

func (s *nativeSession) infer(pcm []byte) (string, error) {
	mono := audio.Downmix(pcm, s.seg.format.Channels)
	if rate := s.seg.format.SampleRate; rate != modelRate {
		mono = audio.Resample(mono, 1, rate, modelRate)
	}
	samples := audio.Float32Mono(mono, 1)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: unsupported language, using model default", "language", s.language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
