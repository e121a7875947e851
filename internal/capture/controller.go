package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/loop"
	"github.com/MrWong99/parley/internal/observe"
)

// DefaultRestartDelay is the pause between the end of one cycle and the
// start of the next.
const DefaultRestartDelay = 300 * time.Millisecond

// Controller owns the capture lifecycle.
//
// Controller is not safe for concurrent use: its methods and callbacks run
// on the owning [loop.Loop].
type Controller struct {
	loop    *loop.Loop
	rec     Recognizer
	metrics *observe.Metrics

	gate          func() bool
	onUtterance   func(string)
	onCommand     func(string)
	onError       func(error)
	onUnavailable func()
	restartDelay  time.Duration
	phrases       *Phrases

	state      State
	starting   bool
	shouldStop bool
	gen        uint64 // bumped whenever the current cycle is abandoned
	cycle      Cycle
	cancel     context.CancelFunc
	cycleStart time.Time
}

// Option configures a [Controller].
type Option func(*Controller)

// WithGate sets the predicate consulted before any cycle opens. When it
// returns false, Start and pending restarts do nothing.
func WithGate(fn func() bool) Option {
	return func(c *Controller) { c.gate = fn }
}

// WithOnUtterance receives every finalized transcript that is neither noise
// nor a control phrase.
func WithOnUtterance(fn func(text string)) Option {
	return func(c *Controller) { c.onUtterance = fn }
}

// WithOnCommand is called with the matched phrase when a control phrase
// stops capture.
func WithOnCommand(fn func(phrase string)) Option {
	return func(c *Controller) { c.onCommand = fn }
}

// WithOnError receives non-transient recognizer failures as *CaptureError.
func WithOnError(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithOnUnavailable is called once, on the loop, when the controller is
// built without a recognizer.
func WithOnUnavailable(fn func()) Option {
	return func(c *Controller) { c.onUnavailable = fn }
}

// WithRestartDelay overrides [DefaultRestartDelay].
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.restartDelay = d
		}
	}
}

// WithPhrases sets the control-phrase matcher. Without it no transcript is
// treated as a command.
func WithPhrases(p *Phrases) Option {
	return func(c *Controller) { c.phrases = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a Controller. rec may be nil, which makes capture
// unavailable for the controller's lifetime.
func NewController(l *loop.Loop, rec Recognizer, opts ...Option) *Controller {
	c := &Controller{loop: l, rec: rec, restartDelay: DefaultRestartDelay}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if rec == nil {
		slog.Warn("capture: no recognizer, voice input unavailable")
		if c.onUnavailable != nil {
			l.Post(c.onUnavailable)
		}
	}
	return c
}

// Available reports whether the controller has a recognizer.
func (c *Controller) Available() bool { return c.rec != nil }

// State returns the capture state. A cycle that is still connecting counts
// as Listening.
func (c *Controller) State() State { return c.state }

// Listening reports whether a cycle is open or opening.
func (c *Controller) Listening() bool { return c.state == Listening }

// SetRestartDelay changes the restart delay for cycles ending from now on.
func (c *Controller) SetRestartDelay(d time.Duration) {
	if d > 0 {
		c.restartDelay = d
	}
}

// RestartDelay returns the pause before an automatic restart.
func (c *Controller) RestartDelay() time.Duration { return c.restartDelay }

// SetPhrases replaces the control-phrase matcher.
func (c *Controller) SetPhrases(p *Phrases) { c.phrases = p }

// Phrases returns the control-phrase matcher.
func (c *Controller) Phrases() *Phrases { return c.phrases }

// Start clears the stop request and opens a cycle unless one is already
// open or the gate refuses.
func (c *Controller) Start() error {
	if c.rec == nil {
		return ErrCaptureUnavailable
	}
	c.shouldStop = false
	if c.state == Listening {
		return nil
	}
	if c.gate != nil && !c.gate() {
		return nil
	}
	c.open()
	return nil
}

// Stop requests that capture stay off and ends any open cycle. Reasons that
// suppress leave the controller Suppressed, all others Idle.
func (c *Controller) Stop(reason Reason) {
	c.shouldStop = true
	next := reason.State()
	if c.state == next {
		return
	}
	if c.state == Listening {
		slog.Debug("capture: stopped", "reason", reason)
		c.metrics.RecordCaptureCycle(context.Background(), "stopped")
	}
	c.abandon(next)
}

func (c *Controller) open() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.starting = true
	c.state = Listening
	c.cycleStart = time.Now()

	go func() {
		cyc, err := c.rec.Start(ctx)
		if !c.loop.Post(func() { c.opened(gen, cyc, err) }) && cyc != nil {
			cyc.Stop()
		}
	}()
}

func (c *Controller) opened(gen uint64, cyc Cycle, err error) {
	if gen != c.gen {
		if cyc != nil {
			cyc.Stop()
		}
		return
	}
	c.starting = false
	if err != nil {
		c.failed(err)
		return
	}
	c.cycle = cyc
	slog.Debug("capture: listening")
	go func() {
		for ev := range cyc.Events() {
			c.loop.Post(func() { c.handle(gen, ev) })
		}
		c.loop.Post(func() { c.ended(gen) })
	}()
}

func (c *Controller) handle(gen uint64, ev Event) {
	if gen != c.gen {
		return
	}
	ctx := context.Background()
	if ev.Err != nil {
		c.failed(ev.Err)
		return
	}

	text := strings.TrimSpace(ev.Transcript)
	if !hasLetter(text) {
		slog.Debug("capture: noise discarded", "transcript", text)
		c.metrics.RecordCaptureCycle(ctx, "noise")
		return
	}

	if phrase, ok := c.phrases.Match(text); ok {
		slog.Info("capture: control phrase heard, stopping", "phrase", phrase)
		c.shouldStop = true
		c.abandon(Idle)
		c.metrics.RecordCaptureCycle(ctx, "command")
		if c.onCommand != nil {
			c.onCommand(phrase)
		}
		return
	}

	c.metrics.RecognitionLatency.Record(ctx, time.Since(c.cycleStart).Seconds())
	c.metrics.RecordCaptureCycle(ctx, "utterance")
	c.abandon(Idle)
	if c.onUtterance != nil {
		c.onUtterance(text)
	}
	c.scheduleRestart()
}

// ended handles a cycle that closed without a result.
func (c *Controller) ended(gen uint64) {
	if gen != c.gen {
		return
	}
	c.metrics.RecordCaptureCycle(context.Background(), "ended")
	c.abandon(Idle)
	c.scheduleRestart()
}

func (c *Controller) failed(err error) {
	ctx := context.Background()
	c.abandon(Idle)
	if IsTransient(err) {
		outcome := "transient"
		switch {
		case errors.Is(err, ErrNoSpeech):
			outcome = "no_speech"
		case errors.Is(err, ErrNoAudio):
			outcome = "no_audio"
		}
		slog.Debug("capture: cycle ended, restarting", "reason", outcome)
		c.metrics.RecordCaptureCycle(ctx, outcome)
		c.scheduleRestart()
		return
	}

	var ce *CaptureError
	if !errors.As(err, &ce) {
		ce = &CaptureError{Err: err}
	}
	slog.Error("capture: recognizer failed", "err", ce)
	c.metrics.RecordCaptureCycle(ctx, "error")
	if c.onError != nil {
		c.onError(ce)
	}
}

// abandon invalidates the current cycle, stops it and moves to next.
func (c *Controller) abandon(next State) {
	c.gen++
	if c.cycle != nil {
		c.cycle.Stop()
		c.cycle = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.starting = false
	c.state = next
}

// scheduleRestart opens a new cycle after the restart delay, unless capture
// was stopped, is already listening, or the gate refuses by then.
func (c *Controller) scheduleRestart() {
	c.loop.AfterFunc(c.restartDelay, func() {
		if c.shouldStop || c.state == Listening {
			return
		}
		if c.gate != nil && !c.gate() {
			return
		}
		c.metrics.CaptureRestarts.Add(context.Background(), 1)
		c.open()
	})
}
