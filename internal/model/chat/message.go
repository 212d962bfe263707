package chat

import "time"

// Speaker identifies who produced a message.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Message is one conversational turn in a session transcript.
// Once Final is set the Text never changes.
type Message struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"type"`
	Text      string    `json:"content"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMessage builds a message stamped with at for both timestamps.
func NewMessage(speaker Speaker, text string, final bool, at time.Time) Message {
	return Message{
		Speaker:   speaker,
		Text:      text,
		Final:     final,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// PartialFragment is an in-flight speech transcript update that has not been
// committed to the transcript yet.
type PartialFragment struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
}
