// Package audio provides the PCM plumbing shared by parley's playback and
// capture paths.
//
// All PCM in parley is signed 16-bit little-endian, interleaved when it has
// more than one channel. A [Buffer] pairs such samples with their [Format];
// [Convert] brings a buffer to the format a device expects.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the size of one signed 16-bit sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerFrame returns the size of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return f.Channels * BytesPerSample
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is a block of decoded PCM.
type Buffer struct {
	Data   []byte
	Format Format
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration { return b.Format.Duration(len(b.Data)) }

// Convert resamples and channel-maps b to target. When the formats already
// match, b is returned unchanged. Resampling happens before channel mapping
// so that a stereo-to-mono conversion never resamples two channels.
func Convert(b Buffer, target Format) (Buffer, error) {
	if !b.Format.Valid() || !target.Valid() {
		return Buffer{}, fmt.Errorf("audio: convert %s to %s: invalid format", b.Format, target)
	}
	if len(b.Data)%b.Format.BytesPerFrame() != 0 {
		return Buffer{}, fmt.Errorf("audio: convert: %d bytes is not a whole number of %s frames", len(b.Data), b.Format)
	}
	if b.Format == target {
		return b, nil
	}

	pcm := b.Data
	ch := b.Format.Channels
	if b.Format.SampleRate != target.SampleRate {
		pcm = Resample(pcm, ch, b.Format.SampleRate, target.SampleRate)
	}

	switch {
	case ch == target.Channels:
	case ch == 1:
		pcm = Upmix(pcm, target.Channels)
	case target.Channels == 1:
		pcm = Downmix(pcm, ch)
	default:
		pcm = Upmix(Downmix(pcm, ch), target.Channels)
	}
	return Buffer{Data: pcm, Format: target}, nil
}

// Resample converts interleaved PCM with the given channel count from
// srcRate to dstRate using linear interpolation per channel.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameSize := channels * BytesPerSample
	srcFrames := len(pcm) / frameSize
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := sampleAt(pcm, idx*channels+c)
			s1 := sampleAt(pcm, next*channels+c)
			putSample(out, i*channels+c, int32(float64(s0)*(1-frac)+float64(s1)*frac))
		}
	}
	return out
}

// Upmix copies each mono sample into every output channel.
func Upmix(mono []byte, channels int) []byte {
	if channels <= 1 {
		return mono
	}
	n := len(mono) / BytesPerSample
	out := make([]byte, n*channels*BytesPerSample)
	for i := range n {
		lo, hi := mono[i*2], mono[i*2+1]
		for c := range channels {
			j := (i*channels + c) * BytesPerSample
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Downmix averages interleaved channels into mono, clamping to int16.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (channels * BytesPerSample)
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(sampleAt(pcm, i*channels+c))
		}
		putSample(out, i, sum/int32(channels))
	}
	return out
}

// RMS returns the root-mean-square energy of 16-bit PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Float32Mono down-mixes PCM to mono float32 samples in [-1, 1].
func Float32Mono(pcm []byte, channels int) []float32 {
	mono := Downmix(pcm, channels)
	n := len(mono) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(sampleAt(mono, i)) / 32768.0
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int32) {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	} else if v < math.MinInt16 {
		v = math.MinInt16
	}
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
}
