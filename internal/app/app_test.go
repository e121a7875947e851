package app_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	capmock "github.com/MrWong99/parley/internal/capture/mock"
	"github.com/MrWong99/parley/internal/config"
	pbmock "github.com/MrWong99/parley/internal/playback/mock"
	"github.com/MrWong99/parley/internal/provision"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/duplex/mock"
)

// syncBuffer is a bytes.Buffer safe for the console writer and the test
// reading it at the same time.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeProvisioner struct {
	mu    sync.Mutex
	chars []string
	resp  provision.Response
	err   error
}

func (f *fakeProvisioner) Start(_ context.Context, character string) (provision.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chars = append(f.chars, character)
	return f.resp, f.err
}

func (f *fakeProvisioner) Characters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chars...)
}

// harness runs an App against in-memory doubles.
type harness struct {
	app     *app.App
	ch      *mock.Channel
	primary *pbmock.Strategy
	rec     *capmock.Recognizer
	prov    *fakeProvisioner
	input   *io.PipeWriter
	out     *syncBuffer
	runErr  chan error
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Character = "narrator"
	cfg.Playback.DisableDevice = true
	cfg.Session.HandshakeTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	pr, pw := io.Pipe()
	h := &harness{
		ch:      &mock.Channel{},
		primary: &pbmock.Strategy{NameValue: "device"},
		rec:     &capmock.Recognizer{},
		prov: &fakeProvisioner{resp: provision.Response{
			Status: "success", Message: "Sherlock is ready.", SessionID: "abc",
		}},
		input:  pw,
		out:    &syncBuffer{},
		runErr: make(chan error, 1),
	}
	a, err := app.New(context.Background(), cfg,
		app.WithChannel(h.ch),
		app.WithStrategies(h.primary, &pbmock.Strategy{NameValue: "external"}),
		app.WithRecognizer(h.rec),
		app.WithProvisioner(h.prov),
		app.WithConsole(pr, h.out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
		<-h.runErr
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = a.Shutdown(shutdownCtx)
	})
	return h
}

func (h *harness) typeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(h.input, line+"\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ackHandshake answers the handshake of session id once it was dialed.
func (h *harness) ackHandshake(t *testing.T, id string) {
	t.Helper()
	eventually(t, func() bool { return h.ch.Query(session.QuerySessionID) == id })
	h.ch.Deliver("session-assigned", `{"session_id":"`+id+`"}`)
}

func (h *harness) emitted(event string) []mock.Emitted {
	var out []mock.Emitted
	for _, e := range h.ch.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) startSession(t *testing.T, line string) {
	t.Helper()
	h.typeLine(t, line)
	h.ackHandshake(t, "abc")
	eventually(t, func() bool { return strings.Contains(h.out.String(), "Sherlock is ready.") })
}

func TestApp_StartSessionFromConsole(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startSession(t, "/start sherlock")

	if got := h.prov.Characters(); len(got) != 1 || got[0] != "sherlock" {
		t.Errorf("provisioned characters = %q", got)
	}
	if h.ch.Reconnects() != 1 {
		t.Errorf("reconnects = %d, want 1 for the handshake", h.ch.Reconnects())
	}
}

func TestApp_StartSessionDefaultCharacter(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startSession(t, "/start")

	if got := h.prov.Characters(); len(got) != 1 || got[0] != "narrator" {
		t.Errorf("provisioned characters = %q, want [narrator]", got)
	}
}

func TestApp_ProvisionFailureReported(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.err = errors.New("server down")
	h.typeLine(t, "/start")

	eventually(t, func() bool {
		return strings.Contains(h.out.String(), "[error] Could not start a session: server down")
	})
}

func TestApp_TypedTextForwarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startSession(t, "/start")
	h.typeLine(t, "what is the time?")

	eventually(t, func() bool { return len(h.emitted(turn.EventUserUtterance)) == 1 })
	got := h.emitted(turn.EventUserUtterance)[0].Payload
	want := turn.UtterancePayload{Text: "what is the time?", SessionID: "abc", Source: turn.SourceText}
	if got != want {
		t.Errorf("payload = %#v, want %#v", got, want)
	}
}

func TestApp_TextWithoutSessionWarns(t *testing.T) {
	h := newHarness(t, testConfig())
	h.typeLine(t, "hello?")

	eventually(t, func() bool { return strings.Contains(h.out.String(), "[warn] Not sent:") })
	if n := len(h.emitted(turn.EventUserUtterance)); n != 0 {
		t.Errorf("utterances emitted = %d", n)
	}
}

func TestApp_AgentAudioPlayedAndAcknowledged(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startSession(t, "/start")

	clip := base64.StdEncoding.EncodeToString([]byte("RIFF0000WAVE"))
	h.ch.Deliver("agent-message", `{"text":"Elementary.","sender":"agent","session_id":"abc"}`)
	h.ch.Deliver("agent-audio", `{"audio_b64":"`+clip+`","mime":"audio/wav","session_id":"abc"}`)

	eventually(t, func() bool { return len(h.emitted(turn.EventClipPlaybackEnded)) == 1 })
	if calls := h.primary.Calls(); len(calls) != 1 || calls[0].MIME != "audio/wav" {
		t.Errorf("primary calls = %+v", calls)
	}
	got := h.emitted(turn.EventClipPlaybackEnded)[0].Payload
	if got != (turn.SessionPayload{SessionID: "abc"}) {
		t.Errorf("payload = %#v", got)
	}
	if !strings.Contains(h.out.String(), "Agent: Elementary.") {
		t.Errorf("chat output = %q", h.out.String())
	}
}

func TestApp_QuitEndsRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.typeLine(t, "/quit")

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
		h.runErr <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
}

func TestApp_ShutdownEndsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startSession(t, "/start")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	ends := h.emitted(turn.EventSessionEnd)
	if len(ends) != 1 || ends[0].Payload != (turn.SessionPayload{SessionID: "abc"}) {
		t.Errorf("session-end emitted = %+v", ends)
	}
	if !h.ch.Closed() {
		t.Error("channel not closed")
	}
}

func TestApp_InvalidContinuity(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Continuity = "carrier-pigeon"
	_, err := app.New(context.Background(), cfg,
		app.WithChannel(&mock.Channel{}),
		app.WithStrategies(&pbmock.Strategy{}, &pbmock.Strategy{}),
		app.WithRecognizer(&capmock.Recognizer{}),
		app.WithConsole(strings.NewReader(""), io.Discard),
	)
	if err == nil {
		t.Fatal("New accepted an unknown continuity strategy")
	}
}
