package moderation

import (
	"time"

	"github.com/whisper/relay/internal/chat"
)

// ModerationResult is published on moderation.result.<chat_id> for every
// screened message.
type ModerationResult struct {
	ChatID  string    `json:"chat_id"`
	Seq     int64     `json:"seq"`
	Sender  chat.Role `json:"sender"`
	Blocked bool      `json:"blocked"`
	Reason  string    `json:"reason,omitempty"`
	Term    string    `json:"term,omitempty"`
	Ts      int64     `json:"ts"`

	// Set by the moderator when a strike store is configured.
	Strikes   int  `json:"strikes,omitempty"`
	Escalated bool `json:"escalated,omitempty"`
}

// Review screens a chat event. It reports false for events that carry no
// message text, such as typing updates or attachments.
func (f *Filter) Review(ev chat.Event, now time.Time) (ModerationResult, bool) {
	if ev.Type != chat.EventMessage || ev.Message == nil || ev.Message.Payload.Text == "" {
		return ModerationResult{}, false
	}
	r := f.CheckFrom(ev.Message.Sender, ev.Message.Payload.Text)
	return ModerationResult{
		ChatID:  ev.ChatID,
		Seq:     ev.Message.Seq,
		Sender:  ev.Message.Sender,
		Blocked: r.Blocked,
		Reason:  r.Reason,
		Term:    r.Term,
		Ts:      now.UnixMilli(),
	}, true
}
