package turn

// Outbound event names.
const (
	EventUserUtterance     = "user-utterance"
	EventClipPlaybackEnded = "clip-playback-ended"
	EventSessionEnd        = "session-end"
)

// Sender values on agent-message.
const (
	SenderAgent  = "agent"
	SenderUser   = "user"
	SenderSystem = "system"
)

// Utterance sources.
const (
	SourceVoice = "voice"
	SourceText  = "text"
)

// UtterancePayload is the body of user-utterance.
type UtterancePayload struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Source    string `json:"source,omitempty"`
}

// SessionPayload is the body of clip-playback-ended and session-end.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}
