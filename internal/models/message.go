package models

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAssistant, SenderSystem:
		return true
	default:
		return false
	}
}

// Message is an immutable chat entry. Messages of a session are ordered by
// (Timestamp, ID).
type Message struct {
	ID        int64     `json:"id" yaml:"id"`
	SessionID int64     `json:"session_id" yaml:"session_id"`
	Sender    Sender    `json:"sender" yaml:"sender"`
	Body      string    `json:"body" yaml:"body"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// VoiceResult carries the outcome of one speech recognition.
type VoiceResult struct {
	Text    string `json:"text,omitempty"`
	Err     error  `json:"-"`
	Message string `json:"message,omitempty"`
}
