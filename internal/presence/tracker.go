// Package presence derives participant online status from heartbeats.
package presence

import (
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/whisper/relay/internal/chat"
)

// Config holds the online thresholds per role. Users ping often, so their
// threshold is short; the operator polls more coarsely.
type Config struct {
	UserThreshold  time.Duration
	AgentThreshold time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		UserThreshold:  5 * time.Second,
		AgentThreshold: 30 * time.Second,
	}
}

type key struct {
	chatID string
	role   chat.Role
}

// keyFor mirrors the session keying: the agent is tracked process-wide.
func keyFor(chatID string, role chat.Role) key {
	if role == chat.RoleAgent {
		return key{role: role}
	}
	return key{chatID: chatID, role: role}
}

type entry struct {
	at      time.Time
	offline bool // set by MarkOffline until the next heartbeat
}

// Tracker records the last heartbeat per (chat, role). Entries are never
// deleted; they age out of the online window.
type Tracker struct {
	mu      sync.RWMutex
	entries map[key]entry
	config  Config
	now     func() time.Time
}

// NewTracker creates a Tracker. Zero thresholds fall back to DefaultConfig;
// a nil clock defaults to time.Now.
func NewTracker(config Config, clock func() time.Time) *Tracker {
	def := DefaultConfig()
	if config.UserThreshold <= 0 {
		config.UserThreshold = def.UserThreshold
	}
	if config.AgentThreshold <= 0 {
		config.AgentThreshold = def.AgentThreshold
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		entries: make(map[key]entry),
		config:  config,
		now:     clock,
	}
}

// Heartbeat records that the participant is alive now.
func (t *Tracker) Heartbeat(chatID string, role chat.Role) {
	now := t.now()
	t.mu.Lock()
	t.entries[keyFor(chatID, role)] = entry{at: now}
	t.mu.Unlock()
}

// MarkOffline reports the participant offline at once, as on logout. The
// last heartbeat is kept for the last-seen label.
func (t *Tracker) MarkOffline(chatID string, role chat.Role) {
	k := keyFor(chatID, role)
	t.mu.Lock()
	if e, ok := t.entries[k]; ok {
		e.offline = true
		t.entries[k] = e
	}
	t.mu.Unlock()
}

// LastHeartbeat returns the last recorded heartbeat, if any.
func (t *Tracker) LastHeartbeat(chatID string, role chat.Role) (time.Time, bool) {
	t.mu.RLock()
	e, ok := t.entries[keyFor(chatID, role)]
	t.mu.RUnlock()
	return e.at, ok
}

// IsOnline reports whether the last heartbeat is strictly younger than the
// role's threshold. A heartbeat exactly one threshold old is offline.
func (t *Tracker) IsOnline(chatID string, role chat.Role) bool {
	t.mu.RLock()
	e, ok := t.entries[keyFor(chatID, role)]
	t.mu.RUnlock()
	if !ok || e.offline {
		return false
	}
	return t.now().Sub(e.at) < t.threshold(role)
}

// LastSeenLabel renders the age of the last heartbeat as a coarse
// "N units ago" label. It returns "" when no heartbeat was ever recorded.
func (t *Tracker) LastSeenLabel(chatID string, role chat.Role) string {
	at, ok := t.LastHeartbeat(chatID, role)
	if !ok {
		return ""
	}
	return Label(at, t.now())
}

func (t *Tracker) threshold(role chat.Role) time.Duration {
	if role == chat.RoleAgent {
		return t.config.AgentThreshold
	}
	return t.config.UserThreshold
}

var lastSeenMagnitudes = []humanize.RelTimeMagnitude{
	{D: 2 * time.Second, Format: "1 second %s", DivBy: 1},
	{D: time.Minute, Format: "%d seconds %s", DivBy: time.Second},
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: humanize.Day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "1 day %s", DivBy: 1},
	{D: math.MaxInt64, Format: "%d days %s", DivBy: humanize.Day},
}

// Label buckets the time elapsed between seen and now into seconds,
// minutes, hours or days. A seen time in the future counts as now.
func Label(seen, now time.Time) string {
	if seen.After(now) {
		seen = now
	}
	return humanize.CustomRelTime(seen, now, "ago", "from now", lastSeenMagnitudes)
}
