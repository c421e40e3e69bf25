package chat

import "time"

// EventType discriminates the events pushed to live viewers of a chat.
type EventType string

const (
	EventMessage   EventType = "message"
	EventRead      EventType = "read"
	EventTyping    EventType = "typing"
	EventCleared   EventType = "cleared"
	EventKeepalive EventType = "keepalive"
)

// Event is the payload fanned out to the subscribers of a chat. Which of
// the optional fields is set depends on Type.
type Event struct {
	Type    EventType    `json:"type"`
	ChatID  string       `json:"chat_id,omitempty"`
	Message *Message     `json:"message,omitempty"` // message, read
	Reader  Role         `json:"reader,omitempty"`  // read
	Typing  *TypingState `json:"typing,omitempty"`  // typing
	Dropped int          `json:"dropped,omitempty"` // cleared
	Ts      int64        `json:"ts"`                // unix millis
}

// NewMessageEvent announces a freshly appended message.
func NewMessageEvent(chatID string, m Message) Event {
	return Event{Type: EventMessage, ChatID: chatID, Message: &m, Ts: m.CreatedAt.UnixMilli()}
}

// NewReadEvent announces that reader has seen m.
func NewReadEvent(chatID string, reader Role, m Message, at time.Time) Event {
	return Event{Type: EventRead, ChatID: chatID, Message: &m, Reader: reader, Ts: at.UnixMilli()}
}

// NewTypingEvent announces a typing update. An empty state clears the display.
func NewTypingEvent(chatID string, state TypingState) Event {
	return Event{Type: EventTyping, ChatID: chatID, Typing: &state, Ts: state.UpdatedAt.UnixMilli()}
}

// NewClearedEvent announces that the chat history was wiped.
func NewClearedEvent(chatID string, dropped int, at time.Time) Event {
	return Event{Type: EventCleared, ChatID: chatID, Dropped: dropped, Ts: at.UnixMilli()}
}

// NewKeepaliveEvent is emitted on idle streams.
func NewKeepaliveEvent(chatID string, at time.Time) Event {
	return Event{Type: EventKeepalive, ChatID: chatID, Ts: at.UnixMilli()}
}
