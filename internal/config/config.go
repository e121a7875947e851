// Package config provides the configuration schema, loader, hot-reload
// watcher, and speech-to-text provider registry for the parley client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Continuity names how a session is bound to the duplex channel.
type Continuity string

const (
	// ContinuityHandshake reconnects with the session id as a dial query
	// parameter and waits for session-assigned.
	ContinuityHandshake Continuity = "handshake"

	// ContinuityInPlace emits update-session-id on the live connection and
	// waits for session-updated.
	ContinuityInPlace Continuity = "in_place"
)

// IsValid reports whether c is a recognised continuity strategy.
func (c Continuity) IsValid() bool {
	return c == ContinuityHandshake || c == ContinuityInPlace
}

// Config is the root configuration structure, typically loaded from YAML with
// [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Turn      TurnConfig      `yaml:"turn"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     DebugConfig     `yaml:"debug"`
}

// ServerConfig locates the conversation server.
type ServerConfig struct {
	// URL is the HTTP base address of the server, e.g. "http://localhost:5000".
	// Provisioning posts to URL + "/start-session".
	URL string `yaml:"url"`

	// SocketURL is the duplex channel endpoint. When empty it is derived from
	// URL by switching the scheme to ws or wss and appending "/ws".
	SocketURL string `yaml:"socket_url"`

	// Character is the agent persona requested when a session is provisioned.
	Character string `yaml:"character"`

	// DialTimeout bounds a single connection attempt. Default: 20s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Reconnect controls the duplex channel's retry policy.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the exponential backoff policy of the duplex channel.
type ReconnectConfig struct {
	// MaxRetries is the number of consecutive failed attempts before the
	// channel reports Failed. Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first retry. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay between retries. Default: 5s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// SessionConfig selects the session continuity strategy.
type SessionConfig struct {
	Continuity Continuity `yaml:"continuity"`

	// HandshakeTimeout bounds the wait for session-assigned or
	// session-updated. Default: 5s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// CaptureConfig configures speech capture.
type CaptureConfig struct {
	// Provider selects the speech-to-text provider registered in the
	// [Registry]. An empty name disables voice input.
	Provider ProviderEntry `yaml:"provider"`

	// Language is the BCP-47 recognition language. Default: "en-US".
	Language string `yaml:"language"`

	// SampleRate and Channels describe the microphone stream. Defaults:
	// 16000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// RestartDelay is the pause before a capture cycle restarts. Default: 300ms.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// NoSpeechTimeout ends a cycle that produced no final transcript.
	// Default: 8s.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`

	// NoAudioTimeout ends a cycle whose microphone delivered no frame.
	// Default: 2s.
	NoAudioTimeout time.Duration `yaml:"no_audio_timeout"`

	// ControlPhrases stop capture locally when heard. Defaults to
	// [DefaultControlPhrases].
	ControlPhrases []string `yaml:"control_phrases"`

	// PhoneticCommands also matches control phrases by sound.
	PhoneticCommands bool `yaml:"phonetic_commands"`
}

// DefaultControlPhrases are the stock local stop commands.
var DefaultControlPhrases = []string{
	"stop recording",
	"stop listening",
	"end recording",
	"quit recording",
	"quit listening",
}

// PlaybackConfig configures the audio output strategies.
type PlaybackConfig struct {
	// DisableDevice skips the low-level device path and plays every clip
	// through an external player.
	DisableDevice bool `yaml:"disable_device"`

	// SampleRate and Channels describe the output device. Defaults: 48000 Hz
	// stereo.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Players overrides the external player candidates, tried in order.
	Players []PlayerConfig `yaml:"players"`
}

// PlayerConfig is one external player command line. The literal token
// "{type}" in Args is replaced with the clip's container name.
type PlayerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// TurnConfig tunes turn taking.
type TurnConfig struct {
	// AgentIntentTimeout clears a pending "agent is about to speak" flag when
	// no audio follows. Default: 15s.
	AgentIntentTimeout time.Duration `yaml:"agent_intent_timeout"`
}

// TelemetryConfig names the service in exported telemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// DebugConfig configures the optional debug HTTP server.
type DebugConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics when non-empty,
	// e.g. "127.0.0.1:9090".
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderEntry is the configuration block of a speech-to-text provider. The
// Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation, e.g. "deepgram".
	Name string `yaml:"name"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model, e.g. "nova-2" or a local ggml file path.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}
