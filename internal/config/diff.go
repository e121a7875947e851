package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without restarting the client are tracked; everything else
// takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CaptureChanged is set when restart delay, control phrases or phonetic
	// matching differ.
	CaptureChanged   bool
	RestartDelay     time.Duration
	ControlPhrases   []string
	PhoneticCommands bool

	// PlaybackChanged is set when the playback section differs. The app
	// retries resuming the output device in response.
	PlaybackChanged bool
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CaptureChanged && !d.PlaybackChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	oc, nc := old.Capture, new.Capture
	if oc.RestartDelay != nc.RestartDelay ||
		oc.PhoneticCommands != nc.PhoneticCommands ||
		!slices.Equal(oc.ControlPhrases, nc.ControlPhrases) {
		d.CaptureChanged = true
		d.RestartDelay = nc.RestartDelay
		d.ControlPhrases = slices.Clone(nc.ControlPhrases)
		d.PhoneticCommands = nc.PhoneticCommands
	}

	if !playbackEqual(old.Playback, new.Playback) {
		d.PlaybackChanged = true
	}

	return d
}

func playbackEqual(a, b PlaybackConfig) bool {
	if a.DisableDevice != b.DisableDevice || a.SampleRate != b.SampleRate || a.Channels != b.Channels {
		return false
	}
	return slices.EqualFunc(a.Players, b.Players, func(x, y PlayerConfig) bool {
		return x.Command == y.Command && slices.Equal(x.Args, y.Args)
	})
}
