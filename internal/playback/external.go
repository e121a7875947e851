package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNoPlayer is returned when none of the configured player programs is
// installed.
var ErrNoPlayer = errors.New("playback: no external player found")

// Player is an external program that plays encoded audio read from stdin.
// The placeholder "{type}" in Args is replaced with a short container name
// derived from the clip's MIME type (wav, mp3, ogg, ...).
type Player struct {
	Command string
	Args    []string
}

// DefaultPlayers are tried in order when no players are configured.
var DefaultPlayers = []Player{
	{Command: "ffplay", Args: []string{"-nodisp", "-autoexit", "-loglevel", "error", "-i", "pipe:0"}},
	{Command: "mpv", Args: []string{"--no-video", "--really-quiet", "-"}},
	{Command: "play", Args: []string{"-q", "-t", "{type}", "-"}},
}

// Runner starts a player process and waits for it to exit.
type Runner func(ctx context.Context, path string, args []string, stdin io.Reader) error

// ExternalStrategy is the universal path: it hands the still-encoded clip to
// an external player and treats process exit as the end of the clip. Any
// format the player understands works, so it is always available.
type ExternalStrategy struct {
	players  []Player
	run      Runner
	lookPath func(string) (string, error)
}

var _ Strategy = (*ExternalStrategy)(nil)

// ExternalOption configures an [ExternalStrategy].
type ExternalOption func(*ExternalStrategy)

// WithPlayers overrides [DefaultPlayers].
func WithPlayers(players ...Player) ExternalOption {
	return func(s *ExternalStrategy) {
		if len(players) > 0 {
			s.players = players
		}
	}
}

// WithRunner replaces process execution, for tests.
func WithRunner(r Runner, lookPath func(string) (string, error)) ExternalOption {
	return func(s *ExternalStrategy) {
		s.run = r
		if lookPath != nil {
			s.lookPath = lookPath
		}
	}
}

// NewExternalStrategy creates an ExternalStrategy.
func NewExternalStrategy(opts ...ExternalOption) *ExternalStrategy {
	s := &ExternalStrategy{
		players:  DefaultPlayers,
		run:      runProcess,
		lookPath: exec.LookPath,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [Strategy].
func (*ExternalStrategy) Name() string { return "external" }

// Available implements [Strategy]. A missing player surfaces as a Play error.
func (*ExternalStrategy) Available() bool { return true }

// Play implements [Strategy].
func (s *ExternalStrategy) Play(ctx context.Context, clip Clip, done func(error)) {
	p, path, err := s.resolve()
	if err != nil {
		done(err)
		return
	}
	args := expandArgs(p.Args, containerName(clip))
	slog.Debug("playback: starting external player", "clip_id", clip.ID, "player", p.Command)

	go func() {
		if err := s.run(ctx, path, args, bytes.NewReader(clip.Payload)); err != nil {
			if ctx.Err() != nil {
				done(ctx.Err())
				return
			}
			done(fmt.Errorf("playback: %s: %w", p.Command, err))
			return
		}
		done(nil)
	}()
}

func (s *ExternalStrategy) resolve() (Player, string, error) {
	for _, p := range s.players {
		path, err := s.lookPath(p.Command)
		if err == nil {
			return p, path, nil
		}
	}
	names := make([]string, len(s.players))
	for i, p := range s.players {
		names[i] = p.Command
	}
	return Player{}, "", fmt.Errorf("%w (tried %s)", ErrNoPlayer, strings.Join(names, ", "))
}

func runProcess(ctx context.Context, path string, args []string, stdin io.Reader) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func expandArgs(args []string, container string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{type}", container)
	}
	return out
}

// containerName maps a clip's MIME type to the short names players accept.
func containerName(clip Clip) string {
	switch mt := clip.MediaType(); mt {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/aac":
		return "aac"
	case "audio/flac", "audio/x-flac":
		return "flac"
	default:
		if _, sub, ok := strings.Cut(mt, "/"); ok && sub != "" {
			return sub
		}
		return "wav"
	}
}
