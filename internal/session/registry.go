package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/chat"
)

// DefaultGraceWindow is how long an unrefreshed token keeps blocking a new
// login for the same key.
const DefaultGraceWindow = 10 * time.Second

// Login failures.
var (
	ErrBadPassword   = errors.New("bad password")
	ErrAlreadyActive = errors.New("already active")
)

// Key identifies the owner of a token.
type Key struct {
	ChatID string
	Role   chat.Role
}

// KeyFor returns the registry key for a participant. Agent keys ignore the
// chat because the operator session is process-global.
func KeyFor(chatID string, role chat.Role) Key {
	if role == chat.RoleAgent {
		return Key{Role: role}
	}
	return Key{ChatID: chatID, Role: role}
}

// Session is the registry's record of a live token.
type Session struct {
	Token       string
	IssuedAt    time.Time
	RefreshedAt time.Time
}

// Registry holds the live tokens. Every method is atomic with respect to
// the others.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	secret   string
	grace    time.Duration
	now      func() time.Time
	newToken func() string
}

// NewRegistry creates a Registry that accepts logins presenting secret. A
// non-positive grace falls back to DefaultGraceWindow; a nil clock defaults
// to time.Now.
func NewRegistry(secret string, grace time.Duration, clock func() time.Time) *Registry {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		sessions: make(map[Key]*Session),
		secret:   secret,
		grace:    grace,
		now:      clock,
		newToken: uuid.NewString,
	}
}

// Login issues a fresh token for (chatID, role). It fails with
// ErrBadPassword when password does not match the shared secret and with
// ErrAlreadyActive while the current token was refreshed within the grace
// window. A stale token is replaced.
func (r *Registry) Login(chatID string, role chat.Role, password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(r.secret)) != 1 {
		return "", ErrBadPassword
	}

	key := KeyFor(chatID, role)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok && now.Sub(s.RefreshedAt) < r.grace {
		return "", ErrAlreadyActive
	}

	token := r.newToken()
	r.sessions[key] = &Session{Token: token, IssuedAt: now, RefreshedAt: now}
	return token, nil
}

// Validate reports whether token is the one registered for (chatID, role).
// Expiry is not checked here.
func (r *Registry) Validate(chatID string, role chat.Role, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.lookup(KeyFor(chatID, role), token)
	return ok
}

// Touch refreshes the grace timestamp of a valid token. It reports whether
// the token was valid.
func (r *Registry) Touch(chatID string, role chat.Role, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(KeyFor(chatID, role), token)
	if ok {
		s.RefreshedAt = r.now()
	}
	return ok
}

// Logout removes token if it is the registered one. It reports whether a
// token was removed; calling it again is harmless.
func (r *Registry) Logout(chatID string, role chat.Role, token string) bool {
	key := KeyFor(chatID, role)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.lookup(key, token); !ok {
		return false
	}
	delete(r.sessions, key)
	return true
}

// Count returns the number of registered tokens.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// lookup returns the session for key if token matches it. Caller holds mu.
func (r *Registry) lookup(key Key, token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	s, ok := r.sessions[key]
	if !ok || subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return nil, false
	}
	return s, true
}
