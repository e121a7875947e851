package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		cfg  stt.StreamConfig
		want map[string]string
	}{
		{
			name: "defaults",
			want: map[string]string{"model": "nova-3", "sample_rate": "16000", "channels": "1", "encoding": "linear16", "interim_results": "true", "language": ""},
		},
		{
			name: "config wins",
			opts: []Option{WithModel("base")},
			cfg:  stt.StreamConfig{SampleRate: 48000, Channels: 2, Language: "en-US"},
			want: map[string]string{"model": "base", "sample_rate": "48000", "channels": "2", "language": "en-US"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.buildURL(tt.cfg)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(raw)
			for k, v := range tt.want {
				if got := u.Query().Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		ok    bool
		final bool
		text  string
	}{
		{"final", `{"type":"Results","is_final":true,"duration":1.5,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`, true, true, "hello"},
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`, true, false, "hel"},
		{"empty transcript", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`, false, false, ""},
		{"metadata", `{"type":"Metadata"}`, false, false, ""},
		{"garbage", `not json`, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResponse([]byte(tt.msg))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (got.IsFinal != tt.final || got.Text != tt.text) {
				t.Errorf("got %+v", got)
			}
		})
	}
}

// fakeDeepgram echoes one final result per binary frame and closes normally
// on CloseStream.
type fakeDeepgram struct {
	mu     sync.Mutex
	frames int
	auth   string
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"flushed"}]}}`))
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
		f.mu.Lock()
		f.frames++
		f.mu.Unlock()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there"}]}}`))
	}
}

func TestSession_RoundTrip(t *testing.T) {
	fake := &fakeDeepgram{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != "hello there" || !tr.IsFinal {
			t.Errorf("final = %+v", tr)
		}
	case <-ctx.Done():
		t.Fatal("no final received")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var rest []string
	for tr := range h.Finals() {
		rest = append(rest, tr.Text)
	}
	if len(rest) != 1 || rest[0] != "flushed" {
		t.Errorf("finals after close = %v, want [flushed]", rest)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after close = %v, want ErrSessionClosed", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.auth != "Token secret" {
		t.Errorf("Authorization = %q", fake.auth)
	}
	if fake.frames != 1 {
		t.Errorf("frames = %d, want 1", fake.frames)
	}
}

func TestSession_AbnormalCloseReportsErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusPolicyViolation, "bad key")
	}))
	defer srv.Close()

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	for range h.Finals() {
	}
	if h.Err() == nil {
		t.Fatal("Err = nil after policy violation close")
	}
}
