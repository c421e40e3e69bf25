package chat

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownSender is returned when a message is appended for a role that
// is not part of the chat.
var ErrUnknownSender = errors.New("message sender is not a chat participant")

// MessageLog stores the ordered message history of every chat in memory.
// It is goroutine-safe; callers only ever receive copies of the records.
type MessageLog struct {
	mu        sync.RWMutex
	chats     map[string]*chatLog // chatID -> log
	retention time.Duration       // 0 keeps everything
	now       func() time.Time
}

// chatLog is the append-only list of one chat plus its sequence counter.
// nextSeq survives pruning and clearing so numbers are never reused.
type chatLog struct {
	items   []Message
	nextSeq int64
}

// NewMessageLog creates an empty MessageLog. Messages older than retention
// are dropped from the front of the list; a zero retention disables pruning.
// A nil clock defaults to time.Now.
func NewMessageLog(retention time.Duration, clock func() time.Time) *MessageLog {
	if clock == nil {
		clock = time.Now
	}
	return &MessageLog{
		chats:     make(map[string]*chatLog),
		retention: retention,
		now:       clock,
	}
}

// Ensure creates the chat's log if it does not exist yet. It reports
// whether a new log was created.
func (ml *MessageLog) Ensure(chatID string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if _, ok := ml.chats[chatID]; ok {
		return false
	}
	ml.chats[chatID] = &chatLog{}
	return true
}

// Append validates payload, assigns the next sequence number for the chat
// and stores the message with an empty seen set.
func (ml *MessageLog) Append(chatID string, sender Role, payload Payload) (Message, error) {
	if !sender.Valid() {
		return Message{}, ErrUnknownSender
	}
	if err := ValidatePayload(payload); err != nil {
		return Message{}, err
	}
	if payload.Attachment != nil {
		payload.Text = ""
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	cl, ok := ml.chats[chatID]
	if !ok {
		cl = &chatLog{}
		ml.chats[chatID] = cl
	}

	now := ml.now()
	ml.prune(cl, now)

	msg := Message{
		Seq:       cl.nextSeq,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: now,
		SeenBy:    []Role{},
	}
	cl.nextSeq++
	cl.items = append(cl.items, msg)
	return msg.clone(), nil
}

// List returns the retained messages of a chat in append order. It returns
// an empty slice if the chat has no log.
func (ml *MessageLog) List(chatID string) []Message {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	cl, ok := ml.chats[chatID]
	if !ok {
		return []Message{}
	}
	return ml.snapshot(cl)
}

// MarkSeen adds reader to the seen set of the message with sequence seq.
// Only messages sent by the other participant are marked. found reports
// whether seq names a visible message; changed whether its set grew.
// Messages past retention count as missing even before they are pruned.
func (ml *MessageLog) MarkSeen(chatID string, reader Role, seq int64) (m Message, found, changed bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cl, ok := ml.chats[chatID]
	if !ok {
		return Message{}, false, false
	}
	now := ml.now()
	for i := range cl.items {
		if cl.items[i].Seq != seq {
			continue
		}
		if !ml.visible(cl.items[i], now) {
			return Message{}, false, false
		}
		m, changed = ml.markLocked(&cl.items[i], reader)
		return m, true, changed
	}
	return Message{}, false, false
}

// FetchAndMarkSeen lists the chat for a viewer. When active is set the
// trailing message is marked as seen by the viewer first, provided the
// viewer did not send it. The returned bool reports whether a receipt was
// recorded by this call; the returned Message is the one marked.
func (ml *MessageLog) FetchAndMarkSeen(chatID string, viewer Role, active bool) ([]Message, Message, bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cl, ok := ml.chats[chatID]
	if !ok {
		return []Message{}, Message{}, false
	}

	var (
		marked  Message
		changed bool
	)
	if active && len(cl.items) > 0 {
		last := &cl.items[len(cl.items)-1]
		if ml.visible(*last, ml.now()) {
			marked, changed = ml.markLocked(last, viewer)
		}
	}
	return ml.snapshot(cl), marked, changed
}

// Clear empties a chat's history and reports how many messages were
// dropped. The sequence counter keeps counting.
func (ml *MessageLog) Clear(chatID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cl, ok := ml.chats[chatID]
	if !ok {
		ml.chats[chatID] = &chatLog{}
		return 0
	}
	n := len(cl.items)
	cl.items = nil
	return n
}

func (ml *MessageLog) markLocked(m *Message, reader Role) (Message, bool) {
	if !reader.Valid() || m.Sender == reader {
		return Message{}, false
	}
	if !m.addSeen(reader) {
		return Message{}, false
	}
	return m.clone(), true
}

// snapshot copies the visible messages of cl. Caller holds at least the
// read lock.
func (ml *MessageLog) snapshot(cl *chatLog) []Message {
	now := ml.now()
	result := make([]Message, 0, len(cl.items))
	for _, m := range cl.items {
		if ml.visible(m, now) {
			result = append(result, m.clone())
		}
	}
	return result
}

func (ml *MessageLog) visible(m Message, now time.Time) bool {
	return ml.retention <= 0 || now.Sub(m.CreatedAt) < ml.retention
}

// prune drops expired messages from the front of the list. Messages are
// appended in time order, so the expired ones always form a prefix.
func (ml *MessageLog) prune(cl *chatLog, now time.Time) {
	if ml.retention <= 0 {
		return
	}
	i := 0
	for i < len(cl.items) && !ml.visible(cl.items[i], now) {
		i++
	}
	if i > 0 {
		cl.items = append([]Message(nil), cl.items[i:]...)
	}
}
