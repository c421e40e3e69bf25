package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
)

const secret = "s3cret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(secret, 10*time.Second, clock.Now), clock
}

func TestLoginAndValidate(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.True(t, r.Validate("c1", chat.RoleUser, token))
	require.False(t, r.Validate("c1", chat.RoleAgent, token))
	require.False(t, r.Validate("c2", chat.RoleUser, token))
	require.False(t, r.Validate("c1", chat.RoleUser, "bogus"))
	require.False(t, r.Validate("c1", chat.RoleUser, ""))
}

func TestLoginBadPassword(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Login("c1", chat.RoleUser, "wrong")
	require.ErrorIs(t, err, ErrBadPassword)
	require.Equal(t, 0, r.Count())
}

func TestLoginWithinGraceIsRejected(t *testing.T) {
	r, clock := newTestRegistry(t)

	first, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	_, err = r.Login("c1", chat.RoleUser, secret)
	require.ErrorIs(t, err, ErrAlreadyActive)

	require.Equal(t, 1, r.Count())
	require.True(t, r.Validate("c1", chat.RoleUser, first))
}

func TestLoginAfterGraceReplacesToken(t *testing.T) {
	r, clock := newTestRegistry(t)

	first, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	second, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.False(t, r.Validate("c1", chat.RoleUser, first))
	require.True(t, r.Validate("c1", chat.RoleUser, second))
}

func TestTouchExtendsGrace(t *testing.T) {
	r, clock := newTestRegistry(t)

	token, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	require.True(t, r.Touch("c1", chat.RoleUser, token))
	clock.Advance(8 * time.Second)

	_, err = r.Login("c1", chat.RoleUser, secret)
	require.ErrorIs(t, err, ErrAlreadyActive)

	require.False(t, r.Touch("c1", chat.RoleUser, "bogus"))
}

func TestLogoutThenLoginSucceeds(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)

	require.True(t, r.Logout("c1", chat.RoleUser, token))
	require.False(t, r.Logout("c1", chat.RoleUser, token), "logout is idempotent")

	_, err = r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)
}

func TestLogoutWrongTokenKeepsSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, err := r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)

	require.False(t, r.Logout("c1", chat.RoleUser, "bogus"))
	require.True(t, r.Validate("c1", chat.RoleUser, token))
}

func TestAgentSessionIsGlobal(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, err := r.Login("c1", chat.RoleAgent, secret)
	require.NoError(t, err)

	_, err = r.Login("c2", chat.RoleAgent, secret)
	require.ErrorIs(t, err, ErrAlreadyActive)
	require.True(t, r.Validate("c2", chat.RoleAgent, token))

	// Users of different chats do not contend.
	_, err = r.Login("c1", chat.RoleUser, secret)
	require.NoError(t, err)
	_, err = r.Login("c2", chat.RoleUser, secret)
	require.NoError(t, err)
}

func TestConcurrentLoginYieldsOneToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	const attempts = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			token, err := r.Login("c1", chat.RoleUser, secret)
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, token)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	require.True(t, r.Validate("c1", chat.RoleUser, accepted[0]))
}
