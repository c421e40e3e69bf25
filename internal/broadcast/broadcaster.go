// Package broadcast fans chat events out to live viewers. Every subscriber
// owns a bounded queue; publishing never blocks, so one stalled viewer
// cannot hold up the others.
package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
)

// Config holds the delivery tuning of the broadcaster.
type Config struct {
	Buffer    int           // per-subscriber queue capacity
	MaxDrops  int           // consecutive drops before a subscriber is reaped
	Keepalive time.Duration // idle interval after which Next yields a keepalive
}

// DefaultConfig returns sensible defaults for browser viewers.
func DefaultConfig() Config {
	return Config{
		Buffer:    64,
		MaxDrops:  32,
		Keepalive: 15 * time.Second,
	}
}

// Mirror receives a JSON copy of every published event, e.g. to feed
// out-of-process consumers. Mirror errors never affect local delivery.
type Mirror interface {
	PublishChatEvent(chatID string, data []byte) error
}

// Broadcaster maintains the subscriber sets of every chat.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // chatID -> subscribers
	closed bool
	config Config
	mirror Mirror
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a Broadcaster. Zero config fields fall back to DefaultConfig.
func New(config Config, log zerolog.Logger) *Broadcaster {
	def := DefaultConfig()
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.MaxDrops <= 0 {
		config.MaxDrops = def.MaxDrops
	}
	if config.Keepalive <= 0 {
		config.Keepalive = def.Keepalive
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		config: config,
		log:    log.With().Str("component", "broadcast").Logger(),
		now:    time.Now,
	}
}

// SetMirror installs a mirror for published events. It must be called
// before the broadcaster is shared.
func (b *Broadcaster) SetMirror(m Mirror) {
	b.mirror = m
}

// Subscribe registers a new delivery queue for chatID. After Close it
// returns a subscription that is already closed.
func (b *Broadcaster) Subscribe(chatID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ch:        make(chan chat.Event, b.config.Buffer),
		done:      make(chan struct{}),
		keepalive: b.config.Keepalive,
		now:       b.now,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	set, ok := b.subs[chatID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[chatID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	metrics.Subscribers.Inc()
	b.log.Debug().Str("chat_id", chatID).Str("subscription", sub.ID).Msg("subscribed")
	return sub
}

// Unsubscribe removes and closes sub. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(chatID string, sub *Subscription) {
	if sub == nil {
		return
	}
	if b.remove(chatID, sub) {
		b.log.Debug().Str("chat_id", chatID).Str("subscription", sub.ID).Msg("unsubscribed")
	}
	sub.close()
}

// Publish delivers ev to every subscriber of chatID without blocking and
// returns how many queues accepted it. A full queue drops the event;
// subscribers that keep dropping, or that were closed, are reaped.
func (b *Broadcaster) Publish(chatID string, ev chat.Event) int {
	var (
		delivered int
		reap      []*Subscription
	)

	b.mu.RLock()
	for sub := range b.subs[chatID] {
		if sub.Closed() {
			reap = append(reap, sub)
			continue
		}
		select {
		case sub.ch <- ev:
			atomic.StoreInt32(&sub.drops, 0)
			delivered++
		default:
			metrics.EventsDropped.Inc()
			if int(atomic.AddInt32(&sub.drops, 1)) >= b.config.MaxDrops {
				reap = append(reap, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range reap {
		if b.remove(chatID, sub) {
			b.log.Warn().Str("chat_id", chatID).Str("subscription", sub.ID).Msg("reaped stalled subscriber")
		}
		sub.close()
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	b.mirrorEvent(chatID, ev)
	return delivered
}

// Count returns the number of subscribers of chatID.
func (b *Broadcaster) Count(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chatID])
}

// Close closes every subscription; blocked Next calls return
// ErrSubscriptionClosed. Later subscriptions start closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			metrics.Subscribers.Dec()
			sub.close()
		}
	}
}

// remove deletes sub from the chat's set and drops empty sets so chats
// without viewers hold no memory. It reports whether sub was present.
func (b *Broadcaster) remove(chatID string, sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[chatID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, chatID)
	}
	metrics.Subscribers.Dec()
	return true
}

func (b *Broadcaster) mirrorEvent(chatID string, ev chat.Event) {
	if b.mirror == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("chat_id", chatID).Msg("marshal mirrored event")
		return
	}
	if err := b.mirror.PublishChatEvent(chatID, data); err != nil {
		b.log.Warn().Err(err).Str("chat_id", chatID).Msg("mirror publish failed")
	}
}
