// Package events delivers session manager notifications to the HTTP event
// stream and, when configured, to a Redis channel.
package events

import (
	"time"

	"mikuai/internal/models"
	"mikuai/internal/worker"
)

const (
	TypeAssistantMessage = "assistant_message"
	TypeBusy             = "busy"
	TypeIdle             = "idle"
	TypeVoiceResult      = "voice_result"
)

// Event is the wire form of one notification.
type Event struct {
	Type      string    `json:"type"`
	SessionID int64     `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

func voiceEvent(res models.VoiceResult, now time.Time) Event {
	ev := Event{Type: TypeVoiceResult, Text: res.Text, Message: res.Message, Time: now}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

type fanout []worker.Listener

// Fanout forwards every notification to each listener in order.
func Fanout(listeners ...worker.Listener) worker.Listener {
	out := make(fanout, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (f fanout) OnAssistantMessage(sessionID int64, text string) {
	for _, l := range f {
		l.OnAssistantMessage(sessionID, text)
	}
}

func (f fanout) OnBusy(sessionID int64) {
	for _, l := range f {
		l.OnBusy(sessionID)
	}
}

func (f fanout) OnIdle(sessionID int64) {
	for _, l := range f {
		l.OnIdle(sessionID)
	}
}

func (f fanout) OnVoiceResult(res models.VoiceResult) {
	for _, l := range f {
		l.OnVoiceResult(res)
	}
}
