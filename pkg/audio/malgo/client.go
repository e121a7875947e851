// Package malgo drives the local sound card through miniaudio
// (github.com/gen2brain/malgo): a buffered [Playback] device that reports
// when queued audio has actually been played, and a [Microphone] that
// delivers captured PCM frames.
package malgo

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// Client owns the miniaudio context shared by the playback and capture
// devices it creates.
type Client struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	devices []interface{ uninit() }
}

// Open initialises the miniaudio context with the platform's default
// backends.
func Open() (*Client, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Client{ctx: ctx}, nil
}

// NewPlayback creates a playback device with the given format. The device
// is left stopped; call [Playback.Start] when output should begin.
func (c *Client) NewPlayback(format audio.Format) (*Playback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, fmt.Errorf("malgo: client closed")
	}
	p, err := newPlayback(c.ctx, format)
	if err != nil {
		return nil, err
	}
	c.devices = append(c.devices, p)
	return p, nil
}

// NewMicrophone creates a capture device with the given format.
func (c *Client) NewMicrophone(format audio.Format) (*Microphone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, fmt.Errorf("malgo: client closed")
	}
	m, err := newMicrophone(c.ctx, format)
	if err != nil {
		return nil, err
	}
	c.devices = append(c.devices, m)
	return m, nil
}

// Close releases every device and the context. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	for _, d := range c.devices {
		d.uninit()
	}
	c.devices = nil
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}
