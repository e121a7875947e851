package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownSTTProviders lists the speech-to-text providers shipped with parley.
// [Validate] warns about other names, which may still be registered by an
// embedding program.
var KnownSTTProviders = []string{"deepgram", "whisper-native"}

// Default values applied by [Validate] to unset fields.
const (
	DefaultServerURL          = "http://localhost:5000"
	DefaultDialTimeout        = 20 * time.Second
	DefaultMaxRetries         = 5
	DefaultBackoff            = time.Second
	DefaultMaxBackoff         = 5 * time.Second
	DefaultHandshakeTimeout   = 5 * time.Second
	DefaultLanguage           = "en-US"
	DefaultRestartDelay       = 300 * time.Millisecond
	DefaultNoSpeechTimeout    = 8 * time.Second
	DefaultNoAudioTimeout     = 2 * time.Second
	DefaultAgentIntentTimeout = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. An
// empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated config holding only defaults.
func Default() *Config {
	cfg := &Config{}
	_ = Validate(cfg)
	return cfg
}

// Validate fills unset fields with their defaults and checks that cfg is
// coherent. It returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	} else if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	errs = append(errs, validateServer(&cfg.Server)...)

	if cfg.Session.Continuity == "" {
		cfg.Session.Continuity = ContinuityHandshake
	} else if !cfg.Session.Continuity.IsValid() {
		errs = append(errs, fmt.Errorf("session.continuity %q is invalid; valid values: handshake, in_place", cfg.Session.Continuity))
	}
	errs = append(errs, defaultDuration("session.handshake_timeout", &cfg.Session.HandshakeTimeout, DefaultHandshakeTimeout)...)

	errs = append(errs, validateCapture(&cfg.Capture)...)
	errs = append(errs, validatePlayback(&cfg.Playback)...)
	errs = append(errs, defaultDuration("turn.agent_intent_timeout", &cfg.Turn.AgentIntentTimeout, DefaultAgentIntentTimeout)...)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "parley"
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error
	if s.URL == "" {
		s.URL = DefaultServerURL
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q must be an absolute http or https URL", s.URL))
	} else if s.SocketURL == "" {
		ws := *u
		ws.Scheme = "ws"
		if u.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
		s.SocketURL = ws.String()
	}
	if s.SocketURL != "" {
		if wu, err := url.Parse(s.SocketURL); err != nil || (wu.Scheme != "ws" && wu.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("server.socket_url %q must be a ws or wss URL", s.SocketURL))
		}
	}

	errs = append(errs, defaultDuration("server.dial_timeout", &s.DialTimeout, DefaultDialTimeout)...)

	switch {
	case s.Reconnect.MaxRetries == 0:
		s.Reconnect.MaxRetries = DefaultMaxRetries
	case s.Reconnect.MaxRetries < 0:
		errs = append(errs, fmt.Errorf("server.reconnect.max_retries %d must not be negative", s.Reconnect.MaxRetries))
	}
	errs = append(errs, defaultDuration("server.reconnect.backoff", &s.Reconnect.Backoff, DefaultBackoff)...)
	errs = append(errs, defaultDuration("server.reconnect.max_backoff", &s.Reconnect.MaxBackoff, DefaultMaxBackoff)...)
	if s.Reconnect.MaxBackoff < s.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("server.reconnect.max_backoff %s is shorter than backoff %s", s.Reconnect.MaxBackoff, s.Reconnect.Backoff))
	}
	return errs
}

func validateCapture(c *CaptureConfig) []error {
	var errs []error
	if c.Provider.Name == "" {
		slog.Warn("capture.provider is not configured; voice input disabled, typed input only")
	} else if !slices.Contains(KnownSTTProviders, c.Provider.Name) {
		slog.Warn("unknown speech-to-text provider; it must be registered by the host program",
			"name", c.Provider.Name,
			"known", KnownSTTProviders,
		)
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	errs = append(errs, defaultFormat("capture", &c.SampleRate, &c.Channels, 16000, 1)...)
	errs = append(errs, defaultDuration("capture.restart_delay", &c.RestartDelay, DefaultRestartDelay)...)
	errs = append(errs, defaultDuration("capture.no_speech_timeout", &c.NoSpeechTimeout, DefaultNoSpeechTimeout)...)
	errs = append(errs, defaultDuration("capture.no_audio_timeout", &c.NoAudioTimeout, DefaultNoAudioTimeout)...)

	if c.ControlPhrases == nil {
		c.ControlPhrases = slices.Clone(DefaultControlPhrases)
	}
	for i, p := range c.ControlPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("capture.control_phrases[%d] is empty", i))
		}
	}
	return errs
}

func validatePlayback(p *PlaybackConfig) []error {
	errs := defaultFormat("playback", &p.SampleRate, &p.Channels, 48000, 2)
	for i, pl := range p.Players {
		if pl.Command == "" {
			errs = append(errs, fmt.Errorf("playback.players[%d].command is required", i))
		}
	}
	return errs
}

func defaultDuration(key string, d *time.Duration, def time.Duration) []error {
	switch {
	case *d == 0:
		*d = def
	case *d < 0:
		return []error{fmt.Errorf("%s %s must not be negative", key, *d)}
	}
	return nil
}

func defaultFormat(section string, rate, channels *int, defRate, defChannels int) []error {
	var errs []error
	if *rate == 0 {
		*rate = defRate
	} else if *rate < 8000 || *rate > 192000 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", section, *rate))
	}
	if *channels == 0 {
		*channels = defChannels
	} else if *channels < 1 || *channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d must be 1 or 2", section, *channels))
	}
	return errs
}
