package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
)

func newTestBroadcaster(cfg Config) *Broadcaster {
	return New(cfg, zerolog.Nop())
}

func textEvent(chatID string, seq int64) chat.Event {
	return chat.NewMessageEvent(chatID, chat.Message{
		Seq:       seq,
		Sender:    chat.RoleUser,
		Payload:   chat.Payload{Text: "hi"},
		CreatedAt: time.Unix(1700000000, 0),
	})
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	sub := b.Subscribe("c1")
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.Equal(t, 1, b.Publish("c1", textEvent("c1", i)))
	}
	for i := int64(0); i < 5; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, chat.EventMessage, ev.Type)
		require.Equal(t, i, ev.Message.Seq)
	}
}

func TestPublishIsScopedToChat(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	a := b.Subscribe("a")
	other := b.Subscribe("b")

	require.Equal(t, 1, b.Publish("a", textEvent("a", 0)))
	require.Len(t, a.Events(), 1)
	require.Len(t, other.Events(), 0)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	require.Equal(t, 0, b.Publish("nobody", textEvent("nobody", 0)))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := newTestBroadcaster(Config{Buffer: 2, MaxDrops: 100, Keepalive: time.Second})
	slow := b.Subscribe("c1")
	fast := b.Subscribe("c1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 10; i++ {
			b.Publish("c1", textEvent("c1", i))
			if _, err := fast.Next(ctx); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow subscriber kept the first events its queue could hold.
	require.Len(t, slow.Events(), 2)
	require.False(t, slow.Closed())
}

func TestStalledSubscriberIsReaped(t *testing.T) {
	b := newTestBroadcaster(Config{Buffer: 1, MaxDrops: 3, Keepalive: time.Second})
	sub := b.Subscribe("c1")

	for i := int64(0); i < 4; i++ {
		b.Publish("c1", textEvent("c1", i))
	}
	require.True(t, sub.Closed())
	require.Equal(t, 0, b.Count("c1"))
}

func TestDropCounterResetsOnDelivery(t *testing.T) {
	b := newTestBroadcaster(Config{Buffer: 1, MaxDrops: 2, Keepalive: time.Second})
	sub := b.Subscribe("c1")
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		b.Publish("c1", textEvent("c1", i)) // fills the queue
		b.Publish("c1", textEvent("c1", i)) // one drop
		_, err := sub.Next(ctx)
		require.NoError(t, err)
	}
	require.False(t, sub.Closed())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	sub := b.Subscribe("c1")
	require.Equal(t, 1, b.Count("c1"))

	b.Unsubscribe("c1", sub)
	b.Unsubscribe("c1", sub)
	b.Unsubscribe("c1", nil)

	require.Equal(t, 0, b.Count("c1"))
	require.Equal(t, 0, b.Publish("c1", textEvent("c1", 0)))

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestNextKeepalive(t *testing.T) {
	b := newTestBroadcaster(Config{Keepalive: 20 * time.Millisecond})
	sub := b.Subscribe("c1")

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, chat.EventKeepalive, ev.Type)
	require.Equal(t, "c1", ev.ChatID)
}

func TestNextHonoursContext(t *testing.T) {
	b := newTestBroadcaster(Config{Keepalive: time.Minute})
	sub := b.Subscribe("c1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseEndsAllSubscriptions(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	s1 := b.Subscribe("a")
	s2 := b.Subscribe("b")

	b.Close()

	require.True(t, s1.Closed())
	require.True(t, s2.Closed())
	require.Equal(t, 0, b.Count("a"))
}

func TestSubscribeAfterClose(t *testing.T) {
	b := newTestBroadcaster(Config{Keepalive: time.Minute})
	b.Close()

	sub := b.Subscribe("c1")
	require.True(t, sub.Closed())
	require.Equal(t, 0, b.Count("c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	require.Equal(t, 0, b.Publish("c1", textEvent("c1", 0)))
}

type recordingMirror struct {
	mu    sync.Mutex
	chats []string
	err   error
}

func (m *recordingMirror) PublishChatEvent(chatID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, chatID)
	return m.err
}

func TestMirrorReceivesEvents(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	m := &recordingMirror{}
	b.SetMirror(m)

	b.Publish("c1", textEvent("c1", 0))
	b.Publish("c2", chat.NewClearedEvent("c2", 3, time.Now()))

	require.Equal(t, []string{"c1", "c2"}, m.chats)
}

func TestConcurrentSubscribePublish(t *testing.T) {
	b := newTestBroadcaster(DefaultConfig())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("c1")
			b.Unsubscribe("c1", sub)
		}()
		go func(seq int64) {
			defer wg.Done()
			b.Publish("c1", textEvent("c1", seq))
		}(int64(i))
	}
	wg.Wait()
	require.Equal(t, 0, b.Count("c1"))
}
