// Package channel maps duplex events onto the turn coordinator.
//
// [Adapter] decodes inbound payloads into typed structs and calls the
// matching [Handler] method; [Outbound] is the coordinator's side of the
// wire. Both record the channel event metrics.
package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/duplex"
)

// Inbound event names.
const (
	EventSessionAssigned     = "session-assigned"
	EventSessionUpdated      = "session-updated"
	EventConnectionConfirmed = "connection-confirmed"
	EventSessionEnded        = "session-ended"
	EventAgentMessage        = "agent-message"
	EventAgentAudio          = "agent-audio"
	EventMicDirective        = "mic-directive"
	EventTTSFailed           = "tts-failed"
)

// defaultMIME is assumed for agent-audio without a mime field.
const defaultMIME = "audio/wav"

// Handler receives decoded inbound events.
type Handler interface {
	HandleSessionAssigned(id string)
	HandleSessionUpdated(id string)
	HandleSessionEnded(tag string)
	HandleAgentMessage(text, sender, tag string)
	HandleAgentAudio(clip playback.Clip, tag string)
	HandleMicDirective(on bool, tag string)
	HandleTTSFailed(msg, tag string)
	HandleConnected()
	HandleDisconnected()
	HandleConnectionFailed(err error)
}

// SessionPayload carries only a session id.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// AgentMessagePayload is the body of agent-message.
type AgentMessagePayload struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	SessionID string `json:"session_id"`
}

// AgentAudioPayload is the body of agent-audio.
type AgentAudioPayload struct {
	AudioB64  string `json:"audio_b64"`
	MIME      string `json:"mime"`
	SessionID string `json:"session_id"`
}

// MicDirectivePayload is the body of mic-directive.
type MicDirectivePayload struct {
	Activated bool   `json:"activated"`
	SessionID string `json:"session_id"`
}

// TTSFailedPayload is the body of tts-failed.
type TTSFailedPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Adapter wires a duplex channel to a Handler.
type Adapter struct {
	*Outbound
	h Handler
}

// NewAdapter registers handlers for every inbound event on ch.
func NewAdapter(ch duplex.Channel, h Handler, opts ...Option) *Adapter {
	a := &Adapter{Outbound: NewOutbound(ch, opts...), h: h}

	on(a, EventSessionAssigned, func(p SessionPayload) { h.HandleSessionAssigned(p.SessionID) })
	on(a, EventSessionUpdated, func(p SessionPayload) { h.HandleSessionUpdated(p.SessionID) })
	on(a, EventConnectionConfirmed, func(p SessionPayload) { h.HandleSessionUpdated(p.SessionID) })
	on(a, EventSessionEnded, func(p SessionPayload) { h.HandleSessionEnded(p.SessionID) })
	on(a, EventAgentMessage, func(p AgentMessagePayload) { h.HandleAgentMessage(p.Text, p.Sender, p.SessionID) })
	on(a, EventAgentAudio, a.agentAudio)
	on(a, EventMicDirective, func(p MicDirectivePayload) { h.HandleMicDirective(p.Activated, p.SessionID) })
	on(a, EventTTSFailed, func(p TTSFailedPayload) { h.HandleTTSFailed(p.Message, p.SessionID) })

	ch.OnStateChange(func(s duplex.State, err error) {
		switch s {
		case duplex.Connected:
			h.HandleConnected()
		case duplex.Disconnected:
			h.HandleDisconnected()
		case duplex.Failed:
			h.HandleConnectionFailed(err)
		}
	})
	return a
}

func (a *Adapter) agentAudio(p AgentAudioPayload) {
	if p.AudioB64 == "" {
		slog.Warn("channel: empty agent-audio dropped", "session_id", p.SessionID)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(p.AudioB64)
	if err != nil {
		slog.Warn("channel: agent-audio is not valid base64", "session_id", p.SessionID, "err", err)
		return
	}
	mime := p.MIME
	if mime == "" {
		mime = defaultMIME
	}
	a.h.HandleAgentAudio(playback.Clip{ID: uuid.NewString(), Payload: payload, MIME: mime}, p.SessionID)
}

// on registers a typed handler for event.
func on[T any](a *Adapter, event string, fn func(T)) {
	a.ch.On(event, func(data json.RawMessage) {
		a.metrics.RecordChannelEvent(context.Background(), "in", event)
		var p T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				slog.Warn("channel: malformed payload dropped", "event", event, "err", err)
				return
			}
		}
		fn(p)
	})
}

// Option configures [Outbound] and [Adapter].
type Option func(*Outbound)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Outbound) { o.metrics = m }
}

// Outbound forwards coordinator writes to the channel.
type Outbound struct {
	ch      duplex.Channel
	metrics *observe.Metrics
}

// NewOutbound wraps ch.
func NewOutbound(ch duplex.Channel, opts ...Option) *Outbound {
	o := &Outbound{ch: ch}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Emit sends event with payload.
func (o *Outbound) Emit(ctx context.Context, event string, payload any) error {
	if err := o.ch.Emit(ctx, event, payload); err != nil {
		return err
	}
	o.metrics.RecordChannelEvent(ctx, "out", event)
	slog.Debug("channel: event sent", "event", event)
	return nil
}

// SetQuery sets a dial query parameter.
func (o *Outbound) SetQuery(key, value string) { o.ch.SetQuery(key, value) }

// Reconnect forces a fresh connection.
func (o *Outbound) Reconnect(ctx context.Context) error { return o.ch.Reconnect(ctx) }
