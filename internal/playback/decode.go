package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// Decoder turns an encoded clip into PCM.
type Decoder func(payload []byte, params map[string]string) (audio.Buffer, error)

// decoders maps media types to their decoder.
var decoders = map[string]Decoder{
	"audio/wav":   decodeWAV,
	"audio/x-wav": decodeWAV,
	"audio/wave":  decodeWAV,
	"audio/pcm":   decodeRawPCM,
	"audio/l16":   decodeL16,
	"audio/ogg":   decodeOggOpus,
	"audio/opus":  decodeOggOpus,
}

// Decode decodes clip according to its MIME type. Unknown types return
// [ErrUnsupportedFormat].
func Decode(clip Clip) (audio.Buffer, error) {
	mt, params, err := mime.ParseMediaType(clip.MIME)
	if err != nil {
		mt = clip.MediaType()
	}
	dec, ok := decoders[mt]
	if !ok {
		return audio.Buffer{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, clip.MIME)
	}
	if len(clip.Payload) == 0 {
		return audio.Buffer{}, errors.New("playback: empty payload")
	}
	return dec(clip.Payload, params)
}

// ---- WAV ----

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// decodeWAV parses a RIFF/WAVE container holding 16-bit PCM.
func decodeWAV(payload []byte, _ map[string]string) (audio.Buffer, error) {
	if len(payload) < 12 || string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return audio.Buffer{}, errors.New("playback: wav: missing RIFF/WAVE header")
	}

	var (
		format  audio.Format
		haveFmt bool
	)
	for pos := 12; pos+8 <= len(payload); {
		id := string(payload[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(payload[pos+4 : pos+8]))
		body := payload[pos+8:]
		if size > len(body) {
			// Streamed WAVs often carry a bogus data length; take what exists.
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return audio.Buffer{}, errors.New("playback: wav: short fmt chunk")
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if (tag != wavFormatPCM && tag != wavFormatExtensible) || bits != 16 {
				return audio.Buffer{}, fmt.Errorf("%w: wav format tag %d, %d bits", ErrUnsupportedFormat, tag, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt || !format.Valid() {
				return audio.Buffer{}, errors.New("playback: wav: data chunk before fmt chunk")
			}
			frame := format.BytesPerFrame()
			data := body[:len(body)-len(body)%frame]
			return audio.Buffer{Data: data, Format: format}, nil
		}

		pos += 8 + size + size%2 // chunks are word aligned
	}
	return audio.Buffer{}, errors.New("playback: wav: no data chunk")
}

// ---- raw PCM ----

// decodeRawPCM accepts little-endian 16-bit PCM described by "rate" and
// "channels" parameters, e.g. "audio/pcm;rate=24000;channels=1".
func decodeRawPCM(payload []byte, params map[string]string) (audio.Buffer, error) {
	format, err := pcmParams(params, 24000)
	if err != nil {
		return audio.Buffer{}, err
	}
	data := payload[:len(payload)-len(payload)%format.BytesPerFrame()]
	return audio.Buffer{Data: data, Format: format}, nil
}

// decodeL16 handles RFC 2586 audio/L16, which is big-endian.
func decodeL16(payload []byte, params map[string]string) (audio.Buffer, error) {
	format, err := pcmParams(params, 8000)
	if err != nil {
		return audio.Buffer{}, err
	}
	n := len(payload) - len(payload)%format.BytesPerFrame()
	data := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		data[i], data[i+1] = payload[i+1], payload[i]
	}
	return audio.Buffer{Data: data, Format: format}, nil
}

func pcmParams(params map[string]string, defaultRate int) (audio.Format, error) {
	f := audio.Format{SampleRate: defaultRate, Channels: 1}
	if v, ok := params["rate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, fmt.Errorf("playback: pcm: invalid rate %q", v)
		}
		f.SampleRate = n
	}
	if v, ok := params["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, fmt.Errorf("playback: pcm: invalid channels %q", v)
		}
		f.Channels = n
	}
	return f, nil
}

// ---- Ogg Opus ----

// opusSampleRate is the rate gopus decodes at; Opus is always 48 kHz
// internally.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = 5760 // 120ms at 48 kHz
)

// decodeOggOpus demuxes an Ogg Opus stream and decodes every audio packet.
func decodeOggOpus(payload []byte, params map[string]string) (audio.Buffer, error) {
	if c, ok := params["codecs"]; ok && c != "opus" {
		return audio.Buffer{}, fmt.Errorf("%w: ogg codec %q", ErrUnsupportedFormat, c)
	}
	packets, err := oggPackets(payload)
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(packets) < 2 || !bytes.HasPrefix(packets[0], []byte("OpusHead")) {
		return audio.Buffer{}, fmt.Errorf("%w: ogg stream is not opus", ErrUnsupportedFormat)
	}
	head := packets[0]
	if len(head) < 19 {
		return audio.Buffer{}, errors.New("playback: opus: short OpusHead")
	}
	channels := int(head[9])
	if channels < 1 || channels > 2 {
		return audio.Buffer{}, fmt.Errorf("%w: opus with %d channels", ErrUnsupportedFormat, channels)
	}
	preSkip := int(binary.LittleEndian.Uint16(head[10:12]))

	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("playback: opus: new decoder: %w", err)
	}

	var pcm []int16
	// packets[1] is OpusTags.
	for _, pkt := range packets[2:] {
		samples, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("playback: opus: decode packet: %w", err)
		}
		pcm = append(pcm, samples...)
	}

	skip := preSkip * channels
	if skip > len(pcm) {
		skip = len(pcm)
	}
	return audio.Buffer{
		Data:   audio.Int16ToBytes(pcm[skip:]),
		Format: audio.Format{SampleRate: opusSampleRate, Channels: channels},
	}, nil
}
