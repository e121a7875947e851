package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// fakeDevice records writes; marks fire when Drain is called.
type fakeDevice struct {
	mu       sync.Mutex
	started  bool
	startErr error
	writeErr error
	written  int
	marks    []func()
	clears   int
}

func (d *fakeDevice) Format() audio.Format { return audio.Format{SampleRate: 48000, Channels: 2} }

func (d *fakeDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *fakeDevice) Write(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.written += len(pcm)
	return nil
}

func (d *fakeDevice) Mark(fire func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks = append(d.marks, fire)
	return nil
}

func (d *fakeDevice) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks = nil
	d.clears++
}

// drain plays everything buffered, firing marks.
func (d *fakeDevice) drain() {
	d.mu.Lock()
	marks := d.marks
	d.marks = nil
	d.mu.Unlock()
	for _, m := range marks {
		m()
	}
}

func wavClip() Clip {
	pcm := audio.Int16ToBytes(make([]int16, 2400)) // 100ms at 24 kHz mono
	return Clip{ID: "c1", MIME: "audio/wav", Payload: buildWAV(24000, 1, pcm)}
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("done was not called")
		return nil
	}
}

func TestDeviceStrategy_PlaysConvertedPCM(t *testing.T) {
	dev := &fakeDevice{started: true}
	s := NewDeviceStrategy(dev)

	done := make(chan error, 2)
	s.Play(context.Background(), wavClip(), func(err error) { done <- err })

	// 2400 mono samples at 24k -> 4800 stereo frames at 48k -> 19200 bytes.
	dev.mu.Lock()
	written := dev.written
	dev.mu.Unlock()
	if written != 19200 {
		t.Errorf("wrote %d bytes, want 19200", written)
	}

	dev.drain()
	if err := waitDone(t, done); err != nil {
		t.Errorf("done(%v), want nil", err)
	}
	select {
	case err := <-done:
		t.Errorf("done called twice (second: %v)", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeviceStrategy_SuspendedDevice(t *testing.T) {
	dev := &fakeDevice{}
	s := NewDeviceStrategy(dev)
	if s.Available() {
		t.Fatal("suspended device reported available")
	}

	done := make(chan error, 1)
	s.Play(context.Background(), wavClip(), func(err error) { done <- err })
	if err := waitDone(t, done); !errors.Is(err, ErrSuspended) {
		t.Errorf("done(%v), want ErrSuspended", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !s.Available() {
		t.Error("resumed device not available")
	}
}

func TestDeviceStrategy_ResumeFailure(t *testing.T) {
	s := NewDeviceStrategy(&fakeDevice{startErr: errors.New("needs user gesture")})
	if err := s.Resume(); err == nil {
		t.Error("Resume succeeded on a device that cannot start")
	}
	if NewDeviceStrategy(nil).Available() {
		t.Error("nil device reported available")
	}
}

func TestDeviceStrategy_FailureModes(t *testing.T) {
	tests := []struct {
		name string
		dev  *fakeDevice
		clip Clip
		want error
	}{
		{name: "unsupported mime", dev: &fakeDevice{started: true}, clip: Clip{MIME: "audio/mpeg", Payload: []byte{1}}, want: ErrUnsupportedFormat},
		{name: "write error", dev: &fakeDevice{started: true, writeErr: errors.New("xrun")}, clip: wavClip()},
		{name: "corrupt wav", dev: &fakeDevice{started: true}, clip: Clip{MIME: "audio/wav", Payload: []byte("RIFFxxxxWAVE")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			NewDeviceStrategy(tt.dev).Play(context.Background(), tt.clip, func(err error) { done <- err })
			err := waitDone(t, done)
			if err == nil {
				t.Fatal("done(nil), want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("done(%v), want %v", err, tt.want)
			}
		})
	}
}

func TestDeviceStrategy_CancelClearsOnlyOwnAudio(t *testing.T) {
	dev := &fakeDevice{started: true}
	s := NewDeviceStrategy(dev)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	s.Play(ctx, wavClip(), func(err error) { first <- err })

	cancel()
	if err := waitDone(t, first); !errors.Is(err, context.Canceled) {
		t.Fatalf("first done(%v), want context.Canceled", err)
	}
	dev.mu.Lock()
	clears := dev.clears
	dev.mu.Unlock()
	if clears != 1 {
		t.Errorf("clears after cancel = %d, want 1", clears)
	}

	second := make(chan error, 1)
	s.Play(context.Background(), wavClip(), func(err error) { second <- err })
	dev.drain()
	if err := waitDone(t, second); err != nil {
		t.Errorf("second done(%v), want nil", err)
	}
}

func ExampleDecode() {
	buf, err := Decode(Clip{MIME: "audio/pcm;rate=16000", Payload: make([]byte, 32000)})
	fmt.Println(buf.Duration(), err)
	// Output: 1s <nil>
}
