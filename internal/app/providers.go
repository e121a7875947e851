package app

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
)

// RegisterBuiltinSTT wires the speech-to-text providers that ship with
// parley into reg.
func RegisterBuiltinSTT(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry, _ config.CaptureConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry, _ config.CaptureConfig) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if d := optDuration(entry.Options, "silence"); d > 0 {
			opts = append(opts, whisper.WithSilence(d))
		}
		if d := optDuration(entry.Options, "max_segment"); d > 0 {
			opts = append(opts, whisper.WithMaxSegment(d))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("app: registered provider", "kind", "stt", "name", name)
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "700ms" from a provider
// Options map. Returns 0 when the key is absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("app: ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
