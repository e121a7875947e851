// Package console is the terminal surface of the client: it prints the
// conversation and notifications, and reads typed commands and text.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrQuit is returned by [Input.Run] when the user typed /quit.
var ErrQuit = errors.New("console: quit")

// Output writes chat lines and notifications. It implements the turn
// package's ChatSink and NotificationSink. Safe for concurrent use.
type Output struct {
	mu sync.Mutex
	w  io.Writer
}

// NewOutput writes to w.
func NewOutput(w io.Writer) *Output { return &Output{w: w} }

// Message prints one chat line labelled by sender.
func (o *Output) Message(text, sender string) {
	label := sender
	switch sender {
	case "agent":
		label = "Agent"
	case "user":
		label = "You"
	case "system", "":
		label = "*"
	}
	o.printf("%s: %s\n", label, text)
}

// Warn prints a warning.
func (o *Output) Warn(msg string) { o.printf("[warn] %s\n", msg) }

// Error prints an error.
func (o *Output) Error(msg string) { o.printf("[error] %s\n", msg) }

// Info prints a status line.
func (o *Output) Info(msg string) { o.printf("%s\n", msg) }

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := fmt.Fprintf(o.w, format, args...); err != nil {
		slog.Debug("console: write", "err", err)
	}
}

// Commands is what typed input drives.
type Commands interface {
	// StartSession provisions and starts a session with character, which
	// may be empty.
	StartSession(ctx context.Context, character string) error
	EndSession(ctx context.Context) error
	SubmitText(ctx context.Context, text string) error
}

// Input reads lines and dispatches them to Commands.
type Input struct {
	r   io.Reader
	out *Output
	cmd Commands
}

// NewInput reads from r. Command failures are reported on out.
func NewInput(r io.Reader, out *Output, cmd Commands) *Input {
	return &Input{r: r, out: out, cmd: cmd}
}

// Run dispatches lines until the reader ends, /quit is typed or ctx is
// done. It returns [ErrQuit] for /quit and nil at end of input.
func (in *Input) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("console: read input: %w", err)
			}
			return nil
		case line := <-lines:
			if err := in.dispatch(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (in *Input) dispatch(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := in.cmd.SubmitText(ctx, line); err != nil {
			in.out.Warn(fmt.Sprintf("Not sent: %v", err))
		}
		return nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "start":
		if err := in.cmd.StartSession(ctx, arg); err != nil {
			in.out.Error(fmt.Sprintf("Could not start a session: %v", err))
		}
	case "end":
		if err := in.cmd.EndSession(ctx); err != nil {
			in.out.Error(fmt.Sprintf("Could not end the session: %v", err))
		}
	case "quit", "exit":
		return ErrQuit
	case "help":
		in.out.Info(Help)
	default:
		in.out.Warn(fmt.Sprintf("Unknown command /%s. %s", name, Help))
	}
	return nil
}

// Help lists the commands.
const Help = "Commands: /start [character], /end, /quit. Anything else is sent as text."
