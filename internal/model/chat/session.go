package chat

import "time"

// Session captures one visitor's ongoing conversation.
type Session struct {
	ID           string    `json:"id"`
	Transcript   []Message `json:"transcript"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}
