package chat

import (
	"sync"
	"time"
)

// DefaultTypingWindow is how long a typing update stays visible.
const DefaultTypingWindow = 5 * time.Second

// TypingState is the last typing update of a chat.
type TypingState struct {
	Sender    Role      `json:"sender"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether the state carries no typing display.
func (t TypingState) Empty() bool {
	return t.Sender == ""
}

// TypingIndicator keeps a single last-writer-wins typing slot per chat.
// Readers see an empty state once the slot is older than the window.
type TypingIndicator struct {
	mu     sync.Mutex
	slots  map[string]TypingState // chatID -> last update
	window time.Duration
	now    func() time.Time
}

// NewTypingIndicator creates a TypingIndicator. A non-positive window falls
// back to DefaultTypingWindow; a nil clock defaults to time.Now.
func NewTypingIndicator(window time.Duration, clock func() time.Time) *TypingIndicator {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &TypingIndicator{
		slots:  make(map[string]TypingState),
		window: window,
		now:    clock,
	}
}

// Set overwrites the chat's typing slot and returns the stored state.
func (ti *TypingIndicator) Set(chatID string, sender Role, text string) TypingState {
	state := TypingState{Sender: sender, Text: text, UpdatedAt: ti.now()}

	ti.mu.Lock()
	ti.slots[chatID] = state
	ti.mu.Unlock()
	return state
}

// Get returns the chat's typing state, or an empty state if there is none
// or it is at least one window old.
func (ti *TypingIndicator) Get(chatID string) TypingState {
	ti.mu.Lock()
	state, ok := ti.slots[chatID]
	ti.mu.Unlock()

	if !ok || ti.now().Sub(state.UpdatedAt) >= ti.window {
		return TypingState{}
	}
	return state
}

// Clear drops the chat's typing slot.
func (ti *TypingIndicator) Clear(chatID string) {
	ti.mu.Lock()
	delete(ti.slots, chatID)
	ti.mu.Unlock()
}
