package chat

import (
	"sort"
	"time"
)

// Attachment references a binary object stored outside the relay. The relay
// never sees the bytes, only the reference the uploader handed out.
type Attachment struct {
	Ref         string `json:"ref"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Payload is the body of a message: either text or an attachment, never both.
type Payload struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Message is one entry of a chat's log.
type Message struct {
	Seq       int64     `json:"seq"`
	Sender    Role      `json:"sender"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	SeenBy    []Role    `json:"seen_by"`
}

// SeenByRole reports whether r has acknowledged the message.
func (m Message) SeenByRole(r Role) bool {
	for _, seen := range m.SeenBy {
		if seen == r {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no mutable state with m.
func (m Message) clone() Message {
	out := m
	out.SeenBy = append([]Role{}, m.SeenBy...)
	if m.Payload.Attachment != nil {
		att := *m.Payload.Attachment
		out.Payload.Attachment = &att
	}
	return out
}

// addSeen inserts r into the seen set keeping it sorted. It returns false
// when r was already present.
func (m *Message) addSeen(r Role) bool {
	if m.SeenByRole(r) {
		return false
	}
	m.SeenBy = append(m.SeenBy, r)
	sort.Slice(m.SeenBy, func(i, j int) bool { return m.SeenBy[i] < m.SeenBy[j] })
	return true
}
