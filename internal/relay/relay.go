// Package relay composes the session registry, presence tracker, message
// log, typing indicator and event broadcaster into the operations offered
// to transports. Every mutating operation authenticates its token first,
// updates state, and publishes the matching event to live viewers.
//
// All state lives in process memory. Running more than one instance behind
// a load balancer splits chats across processes and is not supported.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/broadcast"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/session"
)

// Config holds the tunables of a Service.
type Config struct {
	Secret       string
	GraceWindow  time.Duration
	TypingWindow time.Duration
	Retention    time.Duration // 0 keeps messages for the process lifetime
	Presence     presence.Config
	Broadcast    broadcast.Config
}

// DefaultConfig returns the default policy with an empty secret.
func DefaultConfig() Config {
	return Config{
		GraceWindow:  session.DefaultGraceWindow,
		TypingWindow: chat.DefaultTypingWindow,
		Presence:     presence.DefaultConfig(),
		Broadcast:    broadcast.DefaultConfig(),
	}
}

// Limiter throttles actions per identifier. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Screener decides whether a message text from sender must be refused.
// *moderation.Filter satisfies it.
type Screener interface {
	Screen(sender chat.Role, text string) (blocked bool, term string)
}

// Option customises a Service.
type Option func(*Service)

// WithLimiter enables rate limiting of logins, sends and typing updates.
func WithLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithScreener refuses message texts that screener blocks.
func WithScreener(screener Screener) Option {
	return func(s *Service) { s.screener = screener }
}

// WithClock replaces time.Now for every component.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithMirror forwards every published event to m.
func WithMirror(m broadcast.Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// Status is the presence summary of a chat.
type Status struct {
	UserOnline    bool   `json:"user_online"`
	AgentOnline   bool   `json:"agent_online"`
	UserLastSeen  string `json:"user_last_seen"`
	AgentLastSeen string `json:"agent_last_seen"`
	Viewers       int    `json:"viewers"`
}

// Service is the relay core.
type Service struct {
	sessions *session.Registry
	presence *presence.Tracker
	messages *chat.MessageLog
	typing   *chat.TypingIndicator
	events   *broadcast.Broadcaster

	limiter  Limiter
	screener Screener
	mirror   broadcast.Mirror
	locks    chatLocks
	log      zerolog.Logger
	now      func() time.Time
}

// NewService builds a Service. It fails when no shared secret is configured.
func NewService(cfg Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("relay: shared secret is required")
	}

	s := &Service{
		log: log.With().Str("component", "relay").Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sessions = session.NewRegistry(cfg.Secret, cfg.GraceWindow, s.now)
	s.presence = presence.NewTracker(cfg.Presence, s.now)
	s.messages = chat.NewMessageLog(cfg.Retention, s.now)
	s.typing = chat.NewTypingIndicator(cfg.TypingWindow, s.now)
	s.events = broadcast.New(cfg.Broadcast, log)
	if s.mirror != nil {
		s.events.SetMirror(s.mirror)
	}
	return s, nil
}

// Login issues a token for (chatID, role). A user login starts the chat
// over: history and typing state are dropped and viewers are told so.
func (s *Service) Login(ctx context.Context, chatID string, role chat.Role, password string) (string, error) {
	if err := checkTarget(chatID, role); err != nil {
		return "", err
	}
	if !s.allow(ctx, chatID, role, ratelimit.RuleLogin) {
		metrics.LoginsTotal.WithLabelValues(string(role), "rate_limited").Inc()
		return "", rateLimited(ratelimit.RuleLogin)
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	token, err := s.sessions.Login(chatID, role, password)
	switch {
	case errors.Is(err, session.ErrBadPassword):
		metrics.LoginsTotal.WithLabelValues(string(role), "bad_password").Inc()
		s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Msg("login rejected: bad password")
		return "", ErrBadPassword
	case errors.Is(err, session.ErrAlreadyActive):
		metrics.LoginsTotal.WithLabelValues(string(role), "already_active").Inc()
		s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Msg("login rejected: already active")
		return "", ErrAlreadyActive
	case err != nil:
		return "", errors.Wrap(err, "relay: login")
	}
	metrics.LoginsTotal.WithLabelValues(string(role), "ok").Inc()

	s.messages.Ensure(chatID)
	s.presence.Heartbeat(chatID, role)

	if role == chat.RoleUser {
		dropped := s.messages.Clear(chatID)
		s.typing.Clear(chatID)
		if dropped > 0 {
			s.events.Publish(chatID, chat.NewClearedEvent(chatID, dropped, s.now()))
		}
	}

	s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Msg("login")
	return token, nil
}

// Send appends a message from role, cancels the typing display and
// publishes the message to viewers.
func (s *Service) Send(ctx context.Context, chatID string, role chat.Role, token string, payload chat.Payload) (chat.Message, error) {
	if err := s.authorize(chatID, role, token); err != nil {
		return chat.Message{}, err
	}
	if !s.allow(ctx, chatID, role, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return chat.Message{}, rateLimited(ratelimit.RuleMessage)
	}

	if s.screener != nil && payload.Text != "" {
		if blocked, term := s.screener.Screen(role, payload.Text); blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Str("term", term).Msg("message blocked")
			return chat.Message{}, ErrBlocked
		}
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	msg, err := s.messages.Append(chatID, role, payload)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, validationError(err)
	}
	s.typing.Clear(chatID)
	s.presence.Heartbeat(chatID, role)
	s.events.Publish(chatID, chat.NewMessageEvent(chatID, msg))

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	s.log.Debug().Str("chat_id", chatID).Str("role", string(role)).Int64("seq", msg.Seq).Msg("message sent")
	return msg, nil
}

// FetchAndMarkSeen returns the chat's messages in order. When active is
// set the viewer is looking at the chat, so the trailing message is marked
// as seen by it and a read receipt is published.
func (s *Service) FetchAndMarkSeen(chatID string, viewer chat.Role, active bool) ([]chat.Message, error) {
	if err := checkTarget(chatID, viewer); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	msgs, marked, changed := s.messages.FetchAndMarkSeen(chatID, viewer, active)
	if changed {
		s.events.Publish(chatID, chat.NewReadEvent(chatID, viewer, marked, s.now()))
	}
	return msgs, nil
}

// MarkSeen records that role has seen the message with sequence seq. It
// returns ErrNotFound when no such message is retained; marking a message
// twice, or one's own message, reports false without error.
func (s *Service) MarkSeen(chatID string, role chat.Role, token string, seq int64) (bool, error) {
	if err := s.authorize(chatID, role, token); err != nil {
		return false, err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	marked, found, changed := s.messages.MarkSeen(chatID, role, seq)
	if !found {
		return false, ErrNotFound
	}
	if changed {
		s.events.Publish(chatID, chat.NewReadEvent(chatID, role, marked, s.now()))
	}
	return changed, nil
}

// Heartbeat records that role is present in the chat.
func (s *Service) Heartbeat(chatID string, role chat.Role, token string) error {
	if err := s.authorize(chatID, role, token); err != nil {
		return err
	}
	s.presence.Heartbeat(chatID, role)
	return nil
}

// Status reports the presence of both participants of a chat.
func (s *Service) Status(chatID string) Status {
	return Status{
		UserOnline:    s.presence.IsOnline(chatID, chat.RoleUser),
		AgentOnline:   s.presence.IsOnline(chatID, chat.RoleAgent),
		UserLastSeen:  s.presence.LastSeenLabel(chatID, chat.RoleUser),
		AgentLastSeen: s.presence.LastSeenLabel(chatID, chat.RoleAgent),
		Viewers:       s.Subscribers(chatID),
	}
}

// IsOnline reports whether role sent a heartbeat within its threshold.
func (s *Service) IsOnline(chatID string, role chat.Role) bool {
	return s.presence.IsOnline(chatID, role)
}

// SetTyping overwrites the chat's typing slot with role's draft. Blank text
// clears the display.
func (s *Service) SetTyping(ctx context.Context, chatID string, role chat.Role, token, text string) error {
	if err := s.authorize(chatID, role, token); err != nil {
		return err
	}
	blank := strings.TrimSpace(text) == ""
	if !blank {
		if err := chat.ValidateText(text); err != nil {
			return validationError(err)
		}
	}
	if !s.allow(ctx, chatID, role, ratelimit.RuleTyping) {
		return rateLimited(ratelimit.RuleTyping)
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	s.presence.Heartbeat(chatID, role)

	var state chat.TypingState
	if blank {
		s.typing.Clear(chatID)
		state = chat.TypingState{UpdatedAt: s.now()}
	} else {
		state = s.typing.Set(chatID, role, text)
	}
	s.events.Publish(chatID, chat.NewTypingEvent(chatID, state))
	return nil
}

// GetTyping returns the chat's current typing display, empty when there is
// none or it went stale.
func (s *Service) GetTyping(chatID string) chat.TypingState {
	return s.typing.Get(chatID)
}

// ClearChat wipes the chat's history and typing display. It returns how
// many messages were dropped.
func (s *Service) ClearChat(chatID string, role chat.Role, token string) (int, error) {
	if err := s.authorize(chatID, role, token); err != nil {
		return 0, err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	dropped := s.messages.Clear(chatID)
	s.typing.Clear(chatID)
	s.events.Publish(chatID, chat.NewClearedEvent(chatID, dropped, s.now()))

	s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Int("dropped", dropped).Msg("chat cleared")
	return dropped, nil
}

// Logout ends role's session if token is the registered one. It is
// idempotent; an unknown or stale token is not an error.
func (s *Service) Logout(chatID string, role chat.Role, token string) error {
	if err := checkTarget(chatID, role); err != nil {
		return err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	if !s.sessions.Logout(chatID, role, token) {
		return nil
	}
	s.presence.MarkOffline(chatID, role)
	if role == chat.RoleUser && s.typing.Get(chatID).Sender == chat.RoleUser {
		s.typing.Clear(chatID)
		s.events.Publish(chatID, chat.NewTypingEvent(chatID, chat.TypingState{UpdatedAt: s.now()}))
	}
	s.log.Info().Str("chat_id", chatID).Str("role", string(role)).Msg("logout")
	return nil
}

// Subscribe opens a live event stream for chatID. Callers must
// Unsubscribe when their connection ends.
func (s *Service) Subscribe(chatID string) (*broadcast.Subscription, error) {
	if chatID == "" {
		return nil, invalid("chat id is required")
	}
	return s.events.Subscribe(chatID), nil
}

// Unsubscribe ends a stream opened by Subscribe. It is safe to call twice.
func (s *Service) Unsubscribe(chatID string, sub *broadcast.Subscription) {
	s.events.Unsubscribe(chatID, sub)
}

// Subscribers returns the number of live viewers of chatID.
func (s *Service) Subscribers(chatID string) int {
	return s.events.Count(chatID)
}

// Sessions returns the number of live participant tokens.
func (s *Service) Sessions() int {
	return s.sessions.Count()
}

// Close ends every live stream.
func (s *Service) Close() {
	s.events.Close()
}

// authorize validates the token and refreshes its grace timestamp.
func (s *Service) authorize(chatID string, role chat.Role, token string) error {
	if chatID == "" || !role.Valid() || token == "" {
		return ErrUnauthorized
	}
	if !s.sessions.Touch(chatID, role, token) {
		return ErrUnauthorized
	}
	return nil
}

// allow applies rule to (chatID, role). Limiter failures let the action
// through.
func (s *Service) allow(ctx context.Context, chatID string, role chat.Role, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, chatID+":"+string(role), rule)
	if err != nil {
		s.log.Debug().Err(err).Str("chat_id", chatID).Msg("rate limiter unavailable")
	}
	return ok
}

func checkTarget(chatID string, role chat.Role) error {
	if chatID == "" {
		return invalid("chat id is required")
	}
	if !role.Valid() {
		return invalid("unknown role")
	}
	return nil
}

// chatLocks serialises mutations of a single chat so that events reach
// viewers in the order the state changed. Entries live as long as the
// process, like the chat state they guard.
type chatLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *chatLocks) lock(chatID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	mu, ok := l.m[chatID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[chatID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
