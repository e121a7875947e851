package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/mock"
)

const sampleYAML = `
log_level: debug
server:
  url: https://agent.example.com/api
  character: narrator
  reconnect:
    max_retries: 3
    backoff: 500ms
    max_backoff: 4s
session:
  continuity: in_place
  handshake_timeout: 3s
capture:
  provider:
    name: deepgram
    api_key: dg-test
    model: nova-3
  language: de-DE
  restart_delay: 250ms
  control_phrases: [stop recording, halt]
  phonetic_commands: true
playback:
  sample_rate: 44100
  channels: 2
  players:
    - command: ffplay
      args: [-nodisp, -autoexit, -i, pipe:0]
turn:
  agent_intent_timeout: 10s
debug:
  listen_addr: 127.0.0.1:9090
`

func TestLoadFromReader_Sample(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"log_level", cfg.LogLevel, config.LogDebug},
		{"server.url", cfg.Server.URL, "https://agent.example.com/api"},
		{"server.socket_url", cfg.Server.SocketURL, "wss://agent.example.com/api/ws"},
		{"server.character", cfg.Server.Character, "narrator"},
		{"server.dial_timeout", cfg.Server.DialTimeout, config.DefaultDialTimeout},
		{"server.reconnect.max_retries", cfg.Server.Reconnect.MaxRetries, 3},
		{"server.reconnect.backoff", cfg.Server.Reconnect.Backoff, 500 * time.Millisecond},
		{"session.continuity", cfg.Session.Continuity, config.ContinuityInPlace},
		{"session.handshake_timeout", cfg.Session.HandshakeTimeout, 3 * time.Second},
		{"capture.provider.name", cfg.Capture.Provider.Name, "deepgram"},
		{"capture.language", cfg.Capture.Language, "de-DE"},
		{"capture.sample_rate", cfg.Capture.SampleRate, 16000},
		{"capture.restart_delay", cfg.Capture.RestartDelay, 250 * time.Millisecond},
		{"capture.no_audio_timeout", cfg.Capture.NoAudioTimeout, config.DefaultNoAudioTimeout},
		{"capture.phonetic_commands", cfg.Capture.PhoneticCommands, true},
		{"capture.control_phrases", len(cfg.Capture.ControlPhrases), 2},
		{"playback.sample_rate", cfg.Playback.SampleRate, 44100},
		{"playback.players", len(cfg.Playback.Players), 1},
		{"turn.agent_intent_timeout", cfg.Turn.AgentIntentTimeout, 10 * time.Second},
		{"debug.listen_addr", cfg.Debug.ListenAddr, "127.0.0.1:9090"},
		{"telemetry.service_name", cfg.Telemetry.ServiceName, "parley"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", doc, err)
		}
		if cfg.Server.URL != config.DefaultServerURL {
			t.Errorf("server.url = %q", cfg.Server.URL)
		}
		if cfg.Server.SocketURL != "ws://localhost:5000/ws" {
			t.Errorf("server.socket_url = %q", cfg.Server.SocketURL)
		}
		if cfg.Server.Reconnect.MaxRetries != config.DefaultMaxRetries ||
			cfg.Server.Reconnect.Backoff != config.DefaultBackoff ||
			cfg.Server.Reconnect.MaxBackoff != config.DefaultMaxBackoff {
			t.Errorf("reconnect = %+v", cfg.Server.Reconnect)
		}
		if cfg.Session.Continuity != config.ContinuityHandshake {
			t.Errorf("session.continuity = %q", cfg.Session.Continuity)
		}
		if cfg.Capture.Language != "en-US" || cfg.Capture.RestartDelay != 300*time.Millisecond {
			t.Errorf("capture = %+v", cfg.Capture)
		}
		if len(cfg.Capture.ControlPhrases) != len(config.DefaultControlPhrases) {
			t.Errorf("control_phrases = %v", cfg.Capture.ControlPhrases)
		}
		if cfg.Playback.SampleRate != 48000 || cfg.Playback.Channels != 2 {
			t.Errorf("playback format = %d/%d", cfg.Playback.SampleRate, cfg.Playback.Channels)
		}
	}
}

func TestLoadFromReader_DefaultPhrasesAreCopied(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Capture.ControlPhrases[0] = "changed"
	if config.DefaultControlPhrases[0] == "changed" {
		t.Fatal("Validate aliased DefaultControlPhrases")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  ulr: http://x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "log_level: verbose", "log_level"},
		{"server url scheme", "server:\n  url: ftp://x", "server.url"},
		{"socket url scheme", "server:\n  socket_url: http://x/ws", "server.socket_url"},
		{"negative retries", "server:\n  reconnect:\n    max_retries: -1", "max_retries"},
		{"backoff order", "server:\n  reconnect:\n    backoff: 10s\n    max_backoff: 1s", "max_backoff"},
		{"continuity", "session:\n  continuity: carrier-pigeon", "session.continuity"},
		{"negative delay", "capture:\n  restart_delay: -1s", "capture.restart_delay"},
		{"empty phrase", "capture:\n  control_phrases: [\"stop\", \"  \"]", "control_phrases[1]"},
		{"channels", "playback:\n  channels: 6", "playback.channels"},
		{"sample rate", "capture:\n  sample_rate: 100", "capture.sample_rate"},
		{"player command", "playback:\n  players:\n    - args: [x]", "players[0].command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	cfg := &config.Config{LogLevel: "loud", Session: config.SessionConfig{Continuity: "x"}}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "session.continuity") {
		t.Errorf("joined error incomplete: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/parley.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistry(t *testing.T) {
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("fake", func(e config.ProviderEntry, c config.CaptureConfig) (stt.Provider, error) {
		gotEntry = e
		return want, nil
	})

	capture := config.CaptureConfig{Provider: config.ProviderEntry{Name: "fake", Model: "m"}}
	p, err := reg.CreateSTT(capture)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p != want || gotEntry.Model != "m" {
		t.Errorf("factory not used: %v %+v", p, gotEntry)
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Errorf("StartStream: %v", err)
	}

	_, err = reg.CreateSTT(config.CaptureConfig{Provider: config.ProviderEntry{Name: "missing"}})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT(missing) = %v, want ErrProviderNotRegistered", err)
	}
	if names := reg.STTNames(); len(names) != 1 || names[0] != "fake" {
		t.Errorf("STTNames = %v", names)
	}
}

func TestLogLevel_Level(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("%q.Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}
