package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpmix(t *testing.T) {
	got := bytesToSamples(audio.Upmix(audio.Int16ToBytes([]int16{100, -200}), 2))
	equalSamples(t, got, []int16{100, 100, -200, -200})
}

func TestDownmix_AveragesAndClamps(t *testing.T) {
	stereo := audio.Int16ToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	got := bytesToSamples(audio.Downmix(stereo, 2))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample_DoublesMonoLength(t *testing.T) {
	src := audio.Int16ToBytes([]int16{0, 100, 200, 300})
	got := bytesToSamples(audio.Resample(src, 1, 8000, 16000))
	if len(got) != 8 {
		t.Fatalf("resampled length: got %d, want 8", len(got))
	}
	if got[0] != 0 || got[2] != 100 || got[1] != 50 {
		t.Errorf("interpolation: got %v", got[:3])
	}
}

func TestResample_KeepsChannelsSeparate(t *testing.T) {
	// Left is constant 1000, right is constant -1000.
	src := audio.Int16ToBytes([]int16{1000, -1000, 1000, -1000, 1000, -1000})
	got := bytesToSamples(audio.Resample(src, 2, 24000, 48000))
	for i, s := range got {
		want := int16(1000)
		if i%2 == 1 {
			want = -1000
		}
		if s != want {
			t.Fatalf("sample %d: got %d, want %d", i, s, want)
		}
	}
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	src := audio.Int16ToBytes([]int16{1, 2, 3})
	if got := audio.Resample(src, 1, 16000, 16000); &got[0] != &src[0] {
		t.Error("same-rate resample allocated a new buffer")
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		in     audio.Buffer
		target audio.Format
		frames int
		ch     int
	}{
		{
			name:   "passthrough",
			in:     audio.Buffer{Data: make([]byte, 960*4), Format: audio.Format{SampleRate: 48000, Channels: 2}},
			target: audio.Format{SampleRate: 48000, Channels: 2},
			frames: 960, ch: 2,
		},
		{
			name:   "24k mono to 48k stereo",
			in:     audio.Buffer{Data: make([]byte, 480*2), Format: audio.Format{SampleRate: 24000, Channels: 1}},
			target: audio.Format{SampleRate: 48000, Channels: 2},
			frames: 960, ch: 2,
		},
		{
			name:   "48k stereo to 16k mono",
			in:     audio.Buffer{Data: make([]byte, 960*4), Format: audio.Format{SampleRate: 48000, Channels: 2}},
			target: audio.Format{SampleRate: 16000, Channels: 1},
			frames: 320, ch: 1,
		},
		{
			name:   "6ch to stereo",
			in:     audio.Buffer{Data: make([]byte, 10*12), Format: audio.Format{SampleRate: 48000, Channels: 6}},
			target: audio.Format{SampleRate: 48000, Channels: 2},
			frames: 10, ch: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := audio.Convert(tt.in, tt.target)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if out.Format != tt.target {
				t.Errorf("format: got %s, want %s", out.Format, tt.target)
			}
			if got := len(out.Data) / (tt.ch * audio.BytesPerSample); got != tt.frames {
				t.Errorf("frames: got %d, want %d", got, tt.frames)
			}
		})
	}
}

func TestConvert_RejectsMisalignedData(t *testing.T) {
	in := audio.Buffer{Data: make([]byte, 7), Format: audio.Format{SampleRate: 16000, Channels: 2}}
	if _, err := audio.Convert(in, audio.Format{SampleRate: 48000, Channels: 2}); err == nil {
		t.Error("misaligned buffer converted without error")
	}
	if _, err := audio.Convert(audio.Buffer{}, audio.Format{SampleRate: 48000, Channels: 2}); err == nil {
		t.Error("zero format converted without error")
	}
}

func TestFormat_Duration(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000): got %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("invalid format duration: got %v, want 0", got)
	}
	if got := f.String(); got != "16000Hz mono" {
		t.Errorf("String: got %q", got)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := audio.RMS(audio.Int16ToBytes([]int16{300, -300, 300, -300}))
	if math.Abs(got-300) > 1e-9 {
		t.Errorf("RMS = %v, want 300", got)
	}
}

func TestFloat32Mono(t *testing.T) {
	got := audio.Float32Mono(audio.Int16ToBytes([]int16{16384, 16384, -32768, -32768}), 2)
	if len(got) != 2 || got[0] != 0.5 || got[1] != -1 {
		t.Errorf("Float32Mono = %v, want [0.5 -1]", got)
	}
}
