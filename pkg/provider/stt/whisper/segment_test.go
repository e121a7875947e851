package whisper

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// chunk returns d of PCM at a constant amplitude.
func chunk(d time.Duration, amp int16) []byte {
	n := int(d * 16000 / time.Second)
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Int16ToBytes(s)
}

func newSegmenter() *segmenter {
	return &segmenter{format: mono16k, threshold: defaultRMSThreshold, silence: 100 * time.Millisecond, maxLen: time.Second}
}

func TestSegmenter_SilenceOnly(t *testing.T) {
	s := newSegmenter()
	for range 10 {
		if out := s.push(chunk(50*time.Millisecond, 0)); out != nil {
			t.Fatal("silence produced a segment")
		}
	}
	if out := s.flush(); out != nil {
		t.Fatal("flush after silence produced a segment")
	}
}

func TestSegmenter_SpeechThenPause(t *testing.T) {
	s := newSegmenter()
	speech := chunk(200*time.Millisecond, 5000)
	if out := s.push(speech); out != nil {
		t.Fatal("segment cut during speech")
	}
	if out := s.push(chunk(50*time.Millisecond, 0)); out != nil {
		t.Fatal("segment cut before pause threshold")
	}
	out := s.push(chunk(50*time.Millisecond, 0))
	if out == nil {
		t.Fatal("no segment after pause")
	}
	if got, want := len(out), len(speech)+2*len(chunk(50*time.Millisecond, 0)); got != want {
		t.Errorf("segment length = %d, want %d", got, want)
	}
	if s.flush() != nil {
		t.Error("segmenter not reset after cut")
	}
}

func TestSegmenter_MaxLength(t *testing.T) {
	s := newSegmenter()
	var cut []byte
	for range 6 {
		if out := s.push(chunk(200*time.Millisecond, 5000)); out != nil {
			cut = out
			break
		}
	}
	if cut == nil {
		t.Fatal("continuous speech never cut")
	}
	if d := mono16k.Duration(len(cut)); d < time.Second {
		t.Errorf("cut after %s, want at least 1s", d)
	}
}

func TestSegmenter_FlushPartialSpeech(t *testing.T) {
	s := newSegmenter()
	s.push(chunk(100*time.Millisecond, 5000))
	if out := s.flush(); out == nil {
		t.Fatal("flush dropped buffered speech")
	}
}
