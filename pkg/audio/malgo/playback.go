package malgo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrNotStarted is returned by [Playback.Write] while the device is stopped.
var ErrNotStarted = errors.New("malgo: playback device not started")

// Playback is a buffered output device. Written PCM is drained by the
// miniaudio data callback; marks fire once every byte written before them
// has been handed to the sound card.
//
// All methods are safe for concurrent use.
type Playback struct {
	format audio.Format

	devMu  sync.Mutex
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
	marks   []mark
}

type mark struct {
	position int // bytes of pending audio still ahead of the mark
	fire     func()
}

func newPlayback(ctx *malgo.AllocatedContext, format audio.Format) (*Playback, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("malgo: invalid playback format %s", format)
	}
	p := &Playback{format: format}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(format.SampleRate / 10) // ~100ms
	cfg.Periods = 4

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	p.device = dev
	return p, nil
}

// Format returns the PCM format the device consumes.
func (p *Playback) Format() audio.Format { return p.format }

// Start resumes output. Safe to call on a started device.
func (p *Playback) Start() error {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.device == nil {
		return errors.New("malgo: playback device released")
	}
	if p.device.IsStarted() {
		return nil
	}
	if err := p.device.Start(); err != nil {
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	return nil
}

// Stop suspends output and discards buffered audio and marks.
func (p *Playback) Stop() error {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.device == nil || !p.device.IsStarted() {
		return nil
	}
	if err := p.device.Stop(); err != nil {
		return fmt.Errorf("malgo: stop playback device: %w", err)
	}
	p.Clear()
	return nil
}

// Started reports whether the device is running. A stopped device is
// treated as suspended by callers.
func (p *Playback) Started() bool {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	return p.device != nil && p.device.IsStarted()
}

// Write appends PCM in the device format to the output buffer.
func (p *Playback) Write(pcm []byte) error {
	if !p.Started() {
		return ErrNotStarted
	}
	p.mu.Lock()
	p.pending = append(p.pending, pcm...)
	p.mu.Unlock()
	return nil
}

// Mark registers fire to run once all audio written so far has played.
// fire runs on its own goroutine.
func (p *Playback) Mark(fire func()) error {
	if !p.Started() {
		return ErrNotStarted
	}
	p.mu.Lock()
	p.marks = append(p.marks, mark{position: len(p.pending), fire: fire})
	p.mu.Unlock()
	return nil
}

// Clear drops buffered audio and pending marks without firing them.
func (p *Playback) Clear() {
	p.mu.Lock()
	p.pending = nil
	p.marks = nil
	p.mu.Unlock()
}

func (p *Playback) uninit() {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
}

// onData is the miniaudio data callback.
func (p *Playback) onData(out, _ []byte, frameCount uint32) {
	need := int(frameCount) * p.format.BytesPerFrame()
	if need > len(out) {
		need = len(out)
	}

	p.mu.Lock()
	n := copy(out[:need], p.pending)
	p.pending = p.pending[n:]
	clear(out[n:need])

	var passed []mark
	kept := p.marks[:0]
	for _, m := range p.marks {
		if m.position <= n {
			passed = append(passed, m)
			continue
		}
		m.position -= n
		kept = append(kept, m)
	}
	p.marks = kept
	p.mu.Unlock()

	if len(passed) > 0 {
		go func() {
			for _, m := range passed {
				m.fire()
			}
		}()
	}
}
