// Package turn decides who may speak.
//
// The [Coordinator] sits between the duplex channel, the playback queue and
// the capture controller. It filters every inbound event through the live
// session, mutes capture while the agent is talking, and re-arms it once the
// last clip has played and the agent has handed the floor back.
//
// All coordinator state lives on a [loop.Loop]. The Handle* methods and the
// session operations may be called from any goroutine; the On* callbacks and
// [Coordinator.CaptureAllowed] are wired into the queue and the capture
// controller and run on the loop.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/loop"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/duplex"
)

// DefaultAgentIntentTimeout is how long an agent-message keeps the
// microphone muted when no audio follows.
const DefaultAgentIntentTimeout = 15 * time.Second

var (
	// ErrNoSession is returned by operations that need a live session.
	ErrNoSession = errors.New("turn: no live session")

	// ErrEmptySessionID is returned by StartSession for an empty id.
	ErrEmptySessionID = errors.New("turn: empty session id")
)

// State is the derived turn-taking state.
type State int

const (
	Idle State = iota
	Listening
	AgentSpeaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case AgentSpeaking:
		return "agent-speaking"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Queue is the playback queue as seen by the coordinator.
type Queue interface {
	Enqueue(clip playback.Clip)
	Flush()
	Playing() bool
	Idle() bool
}

// Capture is the capture controller as seen by the coordinator.
type Capture interface {
	Start() error
	Stop(reason capture.Reason)
	Listening() bool
	SetRestartDelay(d time.Duration)
	SetPhrases(p *capture.Phrases)
}

// ChatSink displays conversation lines.
type ChatSink interface {
	Message(text, sender string)
}

// NotificationSink displays user-facing warnings and errors.
type NotificationSink interface {
	Warn(msg string)
	Error(msg string)
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Identity   *session.Identity
	Queue      Queue
	Capture    Capture
	Channel    session.Binder
	Chat       ChatSink
	Notify     NotificationSink
	Continuity session.Continuity
	Metrics    *observe.Metrics
}

// Settings are the hot-reloadable capture parameters. Zero fields are left
// unchanged.
type Settings struct {
	RestartDelay time.Duration
	Phrases      *capture.Phrases
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithAgentIntentTimeout overrides [DefaultAgentIntentTimeout].
func WithAgentIntentTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.intentTimeout = d
		}
	}
}

// WithOnSessionEnded is called on the loop after the server ended the
// session.
func WithOnSessionEnded(fn func()) Option {
	return func(c *Coordinator) { c.onSessionEnded = fn }
}

// Coordinator is the turn-taking state machine.
type Coordinator struct {
	loop       *loop.Loop
	identity   *session.Identity
	queue      Queue
	capture    Capture
	chat       ChatSink
	notify     NotificationSink
	continuity session.Continuity
	metrics    *observe.Metrics
	out        *outbox
	bound      orderedBinder
	waiter     *session.Waiter

	intentTimeout  time.Duration
	onSessionEnded func()

	// Loop-owned.
	micOn       bool
	connected   bool
	intent      bool
	intentGen   uint64
	binding     bool
	unavailable bool
}

// New creates a Coordinator. Identity, Queue, Capture and Channel are
// required; Chat, Notify and Continuity have no-op and handshake defaults.
func New(l *loop.Loop, deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		loop:          l,
		identity:      deps.Identity,
		queue:         deps.Queue,
		capture:       deps.Capture,
		chat:          deps.Chat,
		notify:        deps.Notify,
		continuity:    deps.Continuity,
		metrics:       deps.Metrics,
		out:           newOutbox(deps.Channel),
		waiter:        &session.Waiter{},
		intentTimeout: DefaultAgentIntentTimeout,
	}
	c.bound = orderedBinder{out: c.out, ch: deps.Channel}
	for _, o := range opts {
		o(c)
	}
	if c.identity == nil {
		c.identity = &session.Identity{}
	}
	if c.chat == nil {
		c.chat = discard{}
	}
	if c.notify == nil {
		c.notify = discard{}
	}
	if c.continuity == nil {
		c.continuity = &session.Handshake{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ---- derived state (loop only) ----

// State returns the derived turn state. Must be called on the loop.
func (c *Coordinator) State() State {
	switch {
	case c.agentSpeaking():
		return AgentSpeaking
	case c.capture.Listening():
		return Listening
	}
	return Idle
}

// CaptureAllowed is the capture gate: the agent handed over the microphone,
// the channel is up, nothing is playing or about to play, and a session is
// live. Must be called on the loop.
func (c *Coordinator) CaptureAllowed() bool {
	_, live := c.identity.Current()
	return c.micOn && c.connected && !c.agentSpeaking() && !c.intent && live
}

// MicOn reports the last mic directive. Must be called on the loop.
func (c *Coordinator) MicOn() bool { return c.micOn }

func (c *Coordinator) agentSpeaking() bool { return !c.queue.Idle() }

// ---- inbound server events ----

// HandleSessionAssigned accepts a session-assigned event. It acknowledges a
// pending binding for the live session, or assigns the session when a
// handshake is pending and none is live.
func (c *Coordinator) HandleSessionAssigned(id string) {
	c.loop.Post(func() {
		if id == "" {
			slog.Debug("turn: session-assigned without id")
			return
		}
		if current, live := c.identity.Current(); live && current == id {
			c.waiter.Resolve(id)
			return
		}
		if _, live := c.identity.Current(); !live && c.waiter.Pending() {
			slog.Info("turn: session assigned by server", "session_id", id)
			c.identity.Assign(id)
			c.waiter.Resolve(id)
			return
		}
		c.mismatch("session-assigned", id)
	})
}

// HandleSessionUpdated completes a pending in-place session update.
func (c *Coordinator) HandleSessionUpdated(id string) {
	c.loop.Post(func() {
		if !c.accept("session-updated", id) {
			return
		}
		c.waiter.Resolve(id)
	})
}

// HandleSessionEnded resets the client after the server ended the session.
// No session-end is sent back.
func (c *Coordinator) HandleSessionEnded(tag string) {
	c.loop.Post(func() {
		if !c.accept("session-ended", tag) {
			return
		}
		slog.Info("turn: session ended by server", "session_id", tag)
		c.endSession(false)
		if c.onSessionEnded != nil {
			c.onSessionEnded()
		}
	})
}

// HandleAgentMessage shows a chat line. A message from the agent announces
// that it is about to speak, so capture is muted until its audio has played.
func (c *Coordinator) HandleAgentMessage(text, sender, tag string) {
	c.loop.Post(func() {
		if !c.accept("agent-message", tag) {
			return
		}
		c.chat.Message(text, sender)
		if sender == SenderAgent {
			c.setIntent()
			c.capture.Stop(capture.ReasonBargeIn)
		}
	})
}

// HandleAgentAudio mutes capture and queues clip.
func (c *Coordinator) HandleAgentAudio(clip playback.Clip, tag string) {
	c.loop.Post(func() {
		if !c.accept("agent-audio", tag) {
			return
		}
		c.capture.Stop(capture.ReasonBargeIn)
		c.queue.Enqueue(clip)
	})
}

// HandleMicDirective records whether the agent hands the microphone to the
// user and starts or stops capture accordingly.
func (c *Coordinator) HandleMicDirective(on bool, tag string) {
	c.loop.Post(func() {
		if !c.accept("mic-directive", tag) {
			return
		}
		slog.Debug("turn: mic directive", "on", on)
		c.micOn = on
		if on {
			c.rearm()
			return
		}
		c.capture.Stop(capture.ReasonDirectiveOff)
	})
}

// HandleTTSFailed warns that the agent's reply has no audio and gives the
// floor back.
func (c *Coordinator) HandleTTSFailed(msg, tag string) {
	c.loop.Post(func() {
		if !c.accept("tts-failed", tag) {
			return
		}
		if msg == "" {
			msg = "Audio for the reply is unavailable."
		}
		c.notify.Warn(msg)
		c.clearIntent()
		c.rearm()
	})
}

// ---- channel state ----

// HandleConnected sends what was held back while the channel was down,
// re-binds a live session and re-arms capture.
func (c *Coordinator) HandleConnected() {
	c.loop.Post(func() {
		c.connected = true
		c.out.resume()
		id, live := c.identity.Current()
		if live && !c.binding {
			go c.resume(id)
		}
		c.rearm()
	})
}

// HandleDisconnected suppresses capture until the channel is back and lets
// the continuity strategy prepare for the redial.
func (c *Coordinator) HandleDisconnected() {
	c.loop.Post(func() {
		c.connected = false
		if id, live := c.identity.Current(); live && !c.binding {
			c.continuity.Prepare(c.waiter, id)
		}
		c.capture.Stop(capture.ReasonDisconnected)
	})
}

// HandleConnectionFailed reports that the channel gave up reconnecting.
func (c *Coordinator) HandleConnectionFailed(err error) {
	c.loop.Post(func() {
		c.connected = false
		c.capture.Stop(capture.ReasonDisconnected)
		msg := "Connection to the server failed."
		if err != nil {
			msg = fmt.Sprintf("Connection to the server failed: %v", err)
		}
		c.notify.Error(msg)
	})
}

func (c *Coordinator) resume(id string) {
	ctx, span := observe.StartSessionSpan(observe.WithSession(context.Background(), id), "turn.resume")
	defer span.End()
	err := c.continuity.Resume(ctx, c.bound, c.waiter, id)
	c.logBinding(ctx, "resume", err)
}

// ---- session lifecycle ----

// StartSession ends any live session, makes id the live one and binds it to
// the channel. An acknowledgement timeout or a missing connection is logged,
// not returned.
func (c *Coordinator) StartSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	ctx, span := observe.StartSessionSpan(observe.WithSession(ctx, id), "turn.start_session")
	defer span.End()

	if err := c.loop.Do(ctx, func() {
		c.endSession(true)
		c.identity.Assign(id)
		c.binding = true
		observe.Logger(ctx).Info("turn: session started", "continuity", c.continuity.Name())
	}); err != nil {
		return err
	}

	err := c.continuity.Bind(ctx, c.bound, c.waiter, id)
	c.logBinding(ctx, "bind", err)

	if doErr := c.loop.Do(ctx, func() {
		c.binding = false
		c.rearm()
	}); doErr != nil {
		return doErr
	}
	// Without a connection the session is bound again on the next connect.
	if err != nil && !errors.Is(err, session.ErrAckTimeout) && !errors.Is(err, duplex.ErrNotConnected) {
		return fmt.Errorf("turn: bind session: %w", err)
	}
	return nil
}

// EndSession sends session-end for the live session, if any, and returns to
// Idle with an empty queue and no session. Calling it again is a no-op.
func (c *Coordinator) EndSession(ctx context.Context) error {
	return c.loop.Do(ctx, func() { c.endSession(true) })
}

// SubmitText forwards typed input as an utterance of the live session.
func (c *Coordinator) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var err error
	if doErr := c.loop.Do(ctx, func() {
		id, live := c.identity.Current()
		if !live {
			c.metrics.RecordUtterance(ctx, SourceText, "no_session")
			err = ErrNoSession
			return
		}
		c.metrics.RecordUtterance(ctx, SourceText, "forwarded")
		c.out.push(message{
			event:   EventUserUtterance,
			payload: UtterancePayload{Text: text, SessionID: id, Source: SourceText},
			session: id,
		})
	}); doErr != nil {
		return doErr
	}
	return err
}

// ApplySettings updates the capture parameters.
func (c *Coordinator) ApplySettings(s Settings) {
	c.loop.Post(func() {
		if s.RestartDelay > 0 {
			c.capture.SetRestartDelay(s.RestartDelay)
		}
		if s.Phrases != nil {
			c.capture.SetPhrases(s.Phrases)
		}
	})
}

// Flush waits until every queued outbound event was handed to the channel,
// or the channel is down and the rest is held for the next connection.
func (c *Coordinator) Flush() { _ = c.out.wait(context.Background()) }

func (c *Coordinator) endSession(notify bool) {
	id, live := c.identity.Current()
	if live {
		c.out.discard(id)
		if notify {
			c.out.push(message{event: EventSessionEnd, payload: SessionPayload{SessionID: id}})
		}
		c.waiter.Cancel(id)
		slog.Info("turn: session closed", "session_id", id)
	}
	c.queue.Flush()
	c.capture.Stop(capture.ReasonSessionEnd)
	c.identity.Clear()
	c.clearIntent()
	c.micOn = false
}

// ---- queue and capture callbacks (loop only) ----

// OnClipEnded acknowledges a finished clip and, once the queue is idle,
// hands the floor back to the user if the agent allows it.
func (c *Coordinator) OnClipEnded(r playback.Result) {
	if id, live := c.identity.Current(); live {
		c.out.push(message{event: EventClipPlaybackEnded, payload: SessionPayload{SessionID: id}, session: id})
	}
	if !c.queue.Idle() {
		return
	}
	c.clearIntent()
	c.rearm()
}

// OnUtterance forwards a recognized utterance unless the agent has started
// speaking in the meantime.
func (c *Coordinator) OnUtterance(text string) {
	ctx := context.Background()
	if c.agentSpeaking() || c.intent {
		slog.Debug("turn: utterance dropped, agent speaking", "text", text)
		c.metrics.RecordUtterance(ctx, SourceVoice, "dropped_barge_in")
		return
	}
	id, live := c.identity.Current()
	if !live {
		c.metrics.RecordUtterance(ctx, SourceVoice, "no_session")
		return
	}
	c.metrics.RecordUtterance(ctx, SourceVoice, "forwarded")
	c.out.push(message{event: EventUserUtterance, payload: UtterancePayload{Text: text, SessionID: id}, session: id})
	c.chat.Message(text, SenderUser)
}

// OnCaptureCommand reports a spoken stop command.
func (c *Coordinator) OnCaptureCommand(phrase string) {
	c.chat.Message(fmt.Sprintf("Listening stopped (%q).", phrase), SenderSystem)
}

// OnCaptureError reports a capture failure that will not be retried.
func (c *Coordinator) OnCaptureError(err error) {
	c.notify.Error(fmt.Sprintf("Voice input failed: %v", err))
}

// OnCaptureUnavailable reports, once, that only typed input is possible.
func (c *Coordinator) OnCaptureUnavailable() {
	if c.unavailable {
		return
	}
	c.unavailable = true
	c.notify.Warn("Voice input unavailable, text-only mode.")
}

// ---- helpers (loop only) ----

func (c *Coordinator) accept(event, tag string) bool {
	if c.identity.Matches(tag) {
		return true
	}
	c.mismatch(event, tag)
	return false
}

func (c *Coordinator) mismatch(event, tag string) {
	current, _ := c.identity.Current()
	slog.Debug("turn: event for another session dropped", "event", event, "session_id", tag, "live", current)
	c.metrics.RecordSessionMismatch(context.Background(), event)
}

func (c *Coordinator) rearm() {
	if !c.CaptureAllowed() {
		return
	}
	if err := c.capture.Start(); err != nil && !errors.Is(err, capture.ErrCaptureUnavailable) {
		slog.Warn("turn: start capture", "err", err)
	}
}

func (c *Coordinator) setIntent() {
	c.intent = true
	c.intentGen++
	gen := c.intentGen
	c.loop.AfterFunc(c.intentTimeout, func() {
		if !c.intent || gen != c.intentGen {
			return
		}
		slog.Warn("turn: agent announced speech but no audio finished, unmuting", "timeout", c.intentTimeout)
		c.intent = false
		c.rearm()
	})
}

func (c *Coordinator) clearIntent() {
	c.intent = false
	c.intentGen++
}

func (c *Coordinator) logBinding(ctx context.Context, op string, err error) {
	log := observe.Logger(ctx).With("op", op, "continuity", c.continuity.Name())
	switch {
	case err == nil:
		log.Debug("turn: session bound")
	case errors.Is(err, session.ErrAckTimeout):
		log.Warn("turn: server did not acknowledge session binding")
	default:
		log.Warn("turn: session binding failed", "err", err)
	}
}

type discard struct{}

func (discard) Message(string, string) {}
func (discard) Warn(string)            {}
func (discard) Error(string)           {}
