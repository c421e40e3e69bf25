package moderation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/chat"
)

const (
	// StrikesPrefix is the Redis key prefix for strike counters:
	//
	//	Key: strikes:<chat_id>:<role>
	//	TTL: StrikesTTL, set on the first strike
	StrikesPrefix = "strikes:"

	// StrikesTTL is how long a counter lives. The window does not slide.
	StrikesTTL = 24 * time.Hour

	// EscalationThreshold is the strike count at which a participant is
	// escalated for human review.
	EscalationThreshold = 3
)

// StrikeStore counts blocked messages per chat participant in Redis.
type StrikeStore struct {
	client *redis.Client
}

// NewStrikeStore creates a StrikeStore using the provided Redis client.
func NewStrikeStore(client *redis.Client) *StrikeStore {
	return &StrikeStore{client: client}
}

func strikeKey(chatID string, role chat.Role) string {
	return StrikesPrefix + chatID + ":" + string(role)
}

// Record adds a strike for (chatID, role) and returns the new count and
// whether the escalation threshold has been reached.
func (s *StrikeStore) Record(ctx context.Context, chatID string, role chat.Role) (int, bool, error) {
	key := strikeKey(chatID, role)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, false, errors.Wrap(err, "strikes: incr")
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return 0, false, errors.Wrap(err, "strikes: expire")
		}
	}
	return int(count), count >= EscalationThreshold, nil
}

// Count returns the current strike count, 0 when none are recorded.
func (s *StrikeStore) Count(ctx context.Context, chatID string, role chat.Role) (int, error) {
	n, err := s.client.Get(ctx, strikeKey(chatID, role)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "strikes: get")
	}
	return n, nil
}

// Reset forgets the strikes of (chatID, role).
func (s *StrikeStore) Reset(ctx context.Context, chatID string, role chat.Role) error {
	return errors.Wrap(s.client.Del(ctx, strikeKey(chatID, role)).Err(), "strikes: del")
}
