package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/chat"
)

// ErrSubscriptionClosed is returned by Next once the subscription was
// unsubscribed, reaped or the broadcaster closed.
var ErrSubscriptionClosed = errors.New("broadcast: subscription closed")

// Subscription is one live viewer's delivery queue.
type Subscription struct {
	ID     string
	ChatID string

	ch        chan chat.Event
	done      chan struct{}
	closeOnce sync.Once
	drops     int32 // consecutive drops, accessed atomically
	keepalive time.Duration
	now       func() time.Time
}

// Next blocks until the next event, returning a keepalive event when none
// arrives within the keepalive interval. It returns ctx.Err() when ctx ends
// and ErrSubscriptionClosed once the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (chat.Event, error) {
	timer := time.NewTimer(s.keepalive)
	defer timer.Stop()

	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}

	select {
	case <-ctx.Done():
		return chat.Event{}, ctx.Err()
	case <-s.done:
		return chat.Event{}, ErrSubscriptionClosed
	case ev := <-s.ch:
		return ev, nil
	case <-timer.C:
		return chat.NewKeepaliveEvent(s.ChatID, s.now()), nil
	}
}

// Events exposes the raw queue for callers that run their own select loop.
func (s *Subscription) Events() <-chan chat.Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the subscription has ended.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
