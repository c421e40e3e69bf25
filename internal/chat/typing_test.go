package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypingSetAndGet(t *testing.T) {
	clock := newFakeClock()
	ti := NewTypingIndicator(5*time.Second, clock.Now)

	ti.Set("c1", RoleUser, "hell")
	got := ti.Get("c1")
	require.Equal(t, RoleUser, got.Sender)
	require.Equal(t, "hell", got.Text)
}

func TestTypingExpiresAtWindow(t *testing.T) {
	clock := newFakeClock()
	ti := NewTypingIndicator(5*time.Second, clock.Now)

	ti.Set("c1", RoleUser, "hell")

	clock.Advance(5*time.Second - time.Nanosecond)
	require.False(t, ti.Get("c1").Empty())

	clock.Advance(time.Nanosecond)
	require.True(t, ti.Get("c1").Empty(), "state exactly one window old is empty")

	clock.Advance(time.Hour)
	require.True(t, ti.Get("c1").Empty())
}

func TestTypingLastWriterWins(t *testing.T) {
	clock := newFakeClock()
	ti := NewTypingIndicator(0, clock.Now)

	ti.Set("c1", RoleUser, "hel")
	clock.Advance(time.Second)
	ti.Set("c1", RoleAgent, "one moment")

	got := ti.Get("c1")
	require.Equal(t, RoleAgent, got.Sender)
	require.Equal(t, "one moment", got.Text)
}

func TestTypingClear(t *testing.T) {
	ti := NewTypingIndicator(time.Minute, nil)

	ti.Set("c1", RoleUser, "hi")
	ti.Clear("c1")
	require.True(t, ti.Get("c1").Empty())

	// Unknown chats read as empty and clear without error.
	ti.Clear("missing")
	require.True(t, ti.Get("missing").Empty())
}
