package relay

import "encoding/json"

// Voice event types delivered to the caller.
const (
	EventConnected = "connected"
	EventResponse  = "response"
	EventError     = "error"
)

// VoiceEvent is a JSON frame sent to the caller over the voice connection.
type VoiceEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Text      string          `json:"text,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	// Audio is vendor audio passed through as a binary frame.
	Audio []byte `json:"-"`
}

// VoiceInit tells the caller where to open the bidirectional voice connection.
type VoiceInit struct {
	StreamURL   string `json:"streamUrl"`
	// WSURL carries the same address under the name older web clients read.
	WSURL       string `json:"wsUrl,omitempty"`
	AssistantID string `json:"assistantId"`
}
