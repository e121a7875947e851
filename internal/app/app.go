// Package app wires parley's subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New builds every subsystem from
// the config, Run drives the channel, console, debug server and config
// watcher until the user quits or ctx ends, and Shutdown ends the live
// session and tears everything down in order.
//
// For testing, inject doubles via functional options (WithChannel,
// WithStrategies, WithRecognizer, ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/console"
	"github.com/MrWong99/parley/internal/loop"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/provision"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/malgo"
	"github.com/MrWong99/parley/pkg/duplex"
	"github.com/MrWong99/parley/pkg/duplex/ws"
)

// Provisioner creates sessions on the conversation server.
type Provisioner interface {
	Start(ctx context.Context, character string) (provision.Response, error)
}

// App owns all subsystem lifetimes of the voice client.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar
	registry   *config.Registry
	metrics    *observe.Metrics
	telemetry  *observe.Telemetry

	loop      *loop.Loop
	audio     *malgo.Client
	device    *playback.DeviceStrategy
	primary   playback.Strategy
	fallback  playback.Strategy
	queue     *playback.Queue
	rec       capture.Recognizer
	capture   *capture.Controller
	coord     *turn.Coordinator
	channel   duplex.Channel
	healthy   func(ctx context.Context) error
	provision Provisioner
	watcher   *config.Watcher

	in  io.Reader
	out *console.Output

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLevelVar lets hot reload change the level of the installed logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithRegistry replaces the built-in speech-to-text registry.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithTelemetry serves the telemetry's metrics on the debug server.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithChannel injects a duplex channel instead of dialing server.socket_url.
func WithChannel(ch duplex.Channel) Option {
	return func(a *App) { a.channel = ch }
}

// WithStrategies injects the playback strategies instead of opening the
// audio device and external players.
func WithStrategies(primary, fallback playback.Strategy) Option {
	return func(a *App) {
		a.primary = primary
		a.fallback = fallback
	}
}

// WithRecognizer injects a recognizer instead of opening the microphone and
// the configured speech-to-text provider.
func WithRecognizer(rec capture.Recognizer) Option {
	return func(a *App) { a.rec = rec }
}

// WithProvisioner injects a provisioner instead of the HTTP client.
func WithProvisioner(p Provisioner) Option {
	return func(a *App) { a.provision = p }
}

// WithConsole replaces stdin and stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = console.NewOutput(out)
	}
}

// New creates an App by wiring all subsystems together. The event loop
// starts immediately; everything else starts in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.LogLevel.Level())
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinSTT(a.registry)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.in == nil {
		a.in = os.Stdin
	}
	if a.out == nil {
		a.out = console.NewOutput(os.Stdout)
	}

	a.loop = loop.New()
	go a.loop.Run(context.Background())
	a.closers = append(a.closers, func() error { a.loop.Stop(); return nil })

	if err := a.initChannel(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init channel: %w", err)
	}
	if err := a.initAudio(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initRecognizer(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	if err := a.initTurn(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init turn taking: %w", err)
	}

	if a.provision == nil {
		a.provision = provision.New(cfg.Server.URL, provision.WithMetrics(a.metrics))
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	a.resumeDevice()
	observe.Logger(ctx).Info("app: ready",
		"server", cfg.Server.URL,
		"continuity", cfg.Session.Continuity,
		"voice", a.capture.Available(),
		"device", a.device != nil,
	)
	return a, nil
}

func (a *App) initChannel() error {
	if a.channel != nil {
		return nil
	}
	rc := a.cfg.Server.Reconnect
	c, err := ws.New(a.cfg.Server.SocketURL,
		ws.WithDialTimeout(a.cfg.Server.DialTimeout),
		ws.WithReconnect(ws.ReconnectConfig{
			MaxRetries: rc.MaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
		}),
		ws.WithOnReconnectAttempt(func(attempt int, err error) {
			status := "ok"
			if err != nil {
				status = "failed"
			}
			a.metrics.RecordReconnect(context.Background(), status)
			slog.Info("app: reconnect attempt", "attempt", attempt, "status", status, "err", err)
		}),
	)
	if err != nil {
		return err
	}
	a.channel = c
	a.healthy = c.Healthy
	return nil
}

// initAudio opens the sound card when any local path needs it. A missing
// device is not fatal: playback falls back to external players and voice
// input is disabled.
func (a *App) initAudio() error {
	needDevice := a.primary == nil && !a.cfg.Playback.DisableDevice
	needMic := a.rec == nil && a.cfg.Capture.Provider.Name != ""
	if needDevice || needMic {
		c, err := malgo.Open()
		if err != nil {
			slog.Warn("app: audio backend unavailable", "err", err)
		} else {
			a.audio = c
			a.closers = append(a.closers, c.Close)
		}
	}

	if a.primary == nil {
		var dev playback.Device
		if needDevice && a.audio != nil {
			pb, err := a.audio.NewPlayback(audio.Format{
				SampleRate: a.cfg.Playback.SampleRate,
				Channels:   a.cfg.Playback.Channels,
			})
			if err != nil {
				slog.Warn("app: playback device unavailable; using external players", "err", err)
			} else {
				dev = pb
			}
		}
		a.device = playback.NewDeviceStrategy(dev)
		a.primary = a.device
	}
	if a.fallback == nil {
		players := make([]playback.Player, 0, len(a.cfg.Playback.Players))
		for _, p := range a.cfg.Playback.Players {
			players = append(players, playback.Player{Command: p.Command, Args: p.Args})
		}
		a.fallback = playback.NewExternalStrategy(playback.WithPlayers(players...))
	}
	return nil
}

// initRecognizer builds the speech-to-text recognizer. It leaves a.rec nil,
// which puts the client in text-only mode, when no provider is configured or
// the microphone cannot be opened.
func (a *App) initRecognizer() error {
	if a.rec != nil {
		return nil
	}
	cc := a.cfg.Capture
	if cc.Provider.Name == "" {
		return nil
	}
	provider, err := a.registry.CreateSTT(cc)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("app: speech-to-text provider not registered; voice input disabled", "name", cc.Provider.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create stt provider %q: %w", cc.Provider.Name, err)
	}
	if c, ok := provider.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	slog.Info("app: provider created", "kind", "stt", "name", cc.Provider.Name)

	if a.audio == nil {
		return nil
	}
	mic, err := a.audio.NewMicrophone(audio.Format{SampleRate: cc.SampleRate, Channels: cc.Channels})
	if err != nil {
		slog.Warn("app: microphone unavailable; voice input disabled", "err", err)
		return nil
	}
	a.rec = capture.NewRecognizer(mic, provider,
		capture.WithLanguage(cc.Language),
		capture.WithNoSpeechTimeout(cc.NoSpeechTimeout),
		capture.WithNoAudioTimeout(cc.NoAudioTimeout),
	)
	return nil
}

// initTurn builds the queue, the capture controller and the coordinator.
// The queue and controller report to the coordinator through closures
// because the coordinator is built from them.
func (a *App) initTurn() error {
	cont, err := session.NewContinuity(string(a.cfg.Session.Continuity), a.cfg.Session.HandshakeTimeout)
	if err != nil {
		return err
	}

	var coord *turn.Coordinator
	a.queue = playback.New(a.loop, a.primary, a.fallback,
		playback.WithMetrics(a.metrics),
		playback.WithOnClipEnded(func(r playback.Result) { coord.OnClipEnded(r) }),
	)
	a.capture = capture.NewController(a.loop, a.rec,
		capture.WithMetrics(a.metrics),
		capture.WithRestartDelay(a.cfg.Capture.RestartDelay),
		capture.WithPhrases(capture.NewPhrases(a.cfg.Capture.ControlPhrases, a.cfg.Capture.PhoneticCommands)),
		capture.WithGate(func() bool { return coord.CaptureAllowed() }),
		capture.WithOnUtterance(func(text string) { coord.OnUtterance(text) }),
		capture.WithOnCommand(func(phrase string) { coord.OnCaptureCommand(phrase) }),
		capture.WithOnError(func(err error) { coord.OnCaptureError(err) }),
		capture.WithOnUnavailable(func() { coord.OnCaptureUnavailable() }),
	)

	out := channel.NewOutbound(a.channel, channel.WithMetrics(a.metrics))
	coord = turn.New(a.loop, turn.Deps{
		Identity:   &session.Identity{},
		Queue:      a.queue,
		Capture:    a.capture,
		Channel:    out,
		Chat:       a.out,
		Notify:     a.out,
		Continuity: cont,
		Metrics:    a.metrics,
	},
		turn.WithAgentIntentTimeout(a.cfg.Turn.AgentIntentTimeout),
		turn.WithOnSessionEnded(func() { a.out.Info("Session ended by the server. Type /start for a new one.") }),
	)
	a.coord = coord
	channel.NewAdapter(a.channel, coord, channel.WithMetrics(a.metrics))
	return nil
}

// Coordinator returns the turn coordinator.
func (a *App) Coordinator() *turn.Coordinator { return a.coord }

// Run connects the channel and serves the console, the debug server and the
// config watcher until the user quits, one of them fails or ctx is
// cancelled. It returns nil on a normal exit.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A failed first dial is retried in the background by the channel.
		if err := a.channel.Connect(gctx); err != nil {
			slog.Warn("app: initial connect failed", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		a.out.Info(console.Help)
		if err := console.NewInput(a.in, a.out, a).Run(gctx); err != nil {
			return err
		}
		// End of input quits like /quit.
		return console.ErrQuit
	})

	if addr := a.cfg.Debug.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveDebug(gctx, addr) })
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, console.ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StartSession provisions a session for character and makes it live. An
// empty character uses server.character.
func (a *App) StartSession(ctx context.Context, character string) error {
	if character == "" {
		character = a.cfg.Server.Character
	}
	resp, err := a.provision.Start(ctx, character)
	if err != nil {
		return err
	}
	if err := a.coord.StartSession(ctx, resp.SessionID); err != nil {
		return err
	}
	msg := "Session started."
	if resp.Message != "" {
		msg = resp.Message
	}
	a.out.Info(msg)
	return nil
}

// EndSession ends the live session.
func (a *App) EndSession(ctx context.Context) error {
	return a.coord.EndSession(ctx)
}

// SubmitText sends typed text as an utterance.
func (a *App) SubmitText(ctx context.Context, text string) error {
	return a.coord.SubmitText(ctx, text)
}

// reload applies the hot-reloadable part of a changed config file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		slog.Info("app: config changed; restart to apply")
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.CaptureChanged {
		a.coord.ApplySettings(turn.Settings{
			RestartDelay: d.RestartDelay,
			Phrases:      capture.NewPhrases(d.ControlPhrases, d.PhoneticCommands),
		})
		slog.Info("app: capture settings changed", "restart_delay", d.RestartDelay, "phrases", len(d.ControlPhrases))
	}
	if d.PlaybackChanged {
		a.resumeDevice()
	}
}

func (a *App) resumeDevice() {
	if a.device == nil {
		return
	}
	if err := a.device.Resume(); err != nil {
		slog.Warn("app: playback device suspended; using external players", "err", err)
	}
}

// Shutdown ends the live session and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.coord.EndSession(ctx); err != nil {
			slog.Warn("app: end session", "err", err)
		}
		flushed := make(chan struct{})
		go func() {
			a.coord.Flush()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			slog.Warn("app: outbound events not flushed")
		}
		if err := a.channel.Close(); err != nil {
			slog.Warn("app: close channel", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// close releases what New built so far.
func (a *App) close() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("app: closer error", "err", err)
		}
	}
}
