package whisper

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Segmentation defaults. Whisper transcribes whole utterances, so the
// session buffers speech and cuts it at the first long enough pause.
const (
	defaultRMSThreshold = 300.0
	defaultSilence      = 500 * time.Millisecond
	defaultMaxSegment   = 10 * time.Second
)

// segmenter groups PCM chunks into utterances using an energy threshold.
// It is not safe for concurrent use.
type segmenter struct {
	format    audio.Format
	threshold float64
	silence   time.Duration
	maxLen    time.Duration

	buf       []byte
	hadSpeech bool
	silent    time.Duration
}

// push appends chunk and returns a finished utterance when a pause longer
// than s.silence follows speech or the buffer reaches s.maxLen. Leading
// silence is discarded.
func (s *segmenter) push(chunk []byte) []byte {
	d := s.format.Duration(len(chunk))
	if audio.RMS(chunk) < s.threshold {
		if !s.hadSpeech {
			return nil
		}
		s.buf = append(s.buf, chunk...)
		s.silent += d
		if s.silent >= s.silence {
			return s.flush()
		}
		return nil
	}

	s.hadSpeech = true
	s.silent = 0
	s.buf = append(s.buf, chunk...)
	if s.maxLen > 0 && s.format.Duration(len(s.buf)) >= s.maxLen {
		return s.flush()
	}
	return nil
}

// flush returns the buffered utterance, or nil when it holds no speech, and
// resets the segmenter.
func (s *segmenter) flush() []byte {
	var out []byte
	if s.hadSpeech && len(s.buf) > 0 {
		out = s.buf
	}
	s.buf, s.hadSpeech, s.silent = nil, false, 0
	return out
}
