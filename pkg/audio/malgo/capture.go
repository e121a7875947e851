package malgo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// Microphone is a capture device delivering PCM frames to a callback.
//
// All methods are safe for concurrent use.
type Microphone struct {
	format audio.Format

	mu      sync.Mutex
	device  *malgo.Device
	onFrame func([]byte)
}

func newMicrophone(ctx *malgo.AllocatedContext, format audio.Format) (*Microphone, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("malgo: invalid capture format %s", format)
	}
	m := &Microphone{format: format}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(format.SampleRate / 50) // 20ms
	cfg.Periods = 3

	bytesPerFrame := format.BytesPerFrame()
	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			m.mu.Lock()
			fn := m.onFrame
			m.mu.Unlock()
			if fn != nil {
				// miniaudio reuses the input buffer after the callback returns.
				fn(append([]byte(nil), in[:n]...))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	m.device = dev
	return m, nil
}

// Format returns the PCM format of delivered frames.
func (m *Microphone) Format() audio.Format { return m.format }

// Start begins capturing and delivers every frame to onFrame until Stop.
func (m *Microphone) Start(onFrame func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return errors.New("malgo: capture device released")
	}
	m.onFrame = onFrame
	if m.device.IsStarted() {
		return nil
	}
	if err := m.device.Start(); err != nil {
		m.onFrame = nil
		return fmt.Errorf("malgo: start capture device: %w", err)
	}
	return nil
}

// Stop halts capture. Safe to call on a stopped device.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = nil
	if m.device == nil || !m.device.IsStarted() {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

func (m *Microphone) uninit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	m.onFrame = nil
}
