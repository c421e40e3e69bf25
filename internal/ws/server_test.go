package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
)

const testSecret = "s3cret"

type testEnv struct {
	svc    *relay.Service
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...relay.Option) *testEnv {
	t.Helper()

	cfg := relay.DefaultConfig()
	cfg.Secret = testSecret
	cfg.Broadcast.Keepalive = time.Minute
	svc, err := relay.NewService(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)

	wsCfg := DefaultServerConfig()
	wsCfg.Heartbeat.Interval = 0
	server := NewServer(wsCfg, svc, zerolog.Nop())
	server.Start()

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleUpgrade(w, r, r.URL.Query().Get("chat"))
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		hs.Close()
		svc.Close()
	})
	return &testEnv{svc: svc, server: server, http: hs}
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (e *testEnv) dial(t *testing.T, chatID string) *client {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/?chat=" + chatID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(r), conn}}
}

func (c *client) send(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c.conn, data))
}

func (c *client) read(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readTypes reads n frames and returns them keyed by type.
func (c *client) readTypes(t *testing.T, n int) map[string]map[string]interface{} {
	t.Helper()
	out := make(map[string]map[string]interface{}, n)
	for i := 0; i < n; i++ {
		m := c.read(t)
		out[m["type"].(string)] = m
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "c1")

	c.send(t, map[string]string{"type": "ping"})
	m := c.read(t)
	require.Equal(t, "pong", m["type"])
}

func TestMessageFrameIsAckedAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.svc.Login(context.Background(), "c1", chat.RoleUser, testSecret)
	require.NoError(t, err)

	sender := env.dial(t, "c1")
	viewer := env.dial(t, "c1")
	waitFor(t, func() bool { return env.svc.Subscribers("c1") == 2 })

	sender.send(t, map[string]string{
		"type": "message", "role": "user", "token": token, "text": "hello", "ref": "r1",
	})

	frames := sender.readTypes(t, 2)
	require.Equal(t, "r1", frames["ack"]["ref"])
	require.EqualValues(t, 0, frames["ack"]["seq"])
	require.Contains(t, frames, "message")

	ev := viewer.read(t)
	require.Equal(t, "message", ev["type"])
	msg := ev["message"].(map[string]interface{})
	require.Equal(t, "user", msg["sender"])
	require.Equal(t, "hello", msg["payload"].(map[string]interface{})["text"])
}

func TestFrameWithBadTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "c1")

	c.send(t, map[string]string{"type": "message", "role": "user", "token": "bogus", "text": "hi"})
	m := c.read(t)
	require.Equal(t, "error", m["type"])
	require.Equal(t, "unauthorized", m["code"])
}

func TestFrameWithUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "c1")

	c.send(t, map[string]string{"type": "heartbeat", "role": "admin", "token": "x"})
	m := c.read(t)
	require.Equal(t, "error", m["type"])
	require.Equal(t, "validation", m["code"])
}

func TestUnsupportedFrame(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "c1")

	c.send(t, map[string]string{"type": "find_match"})
	m := c.read(t)
	require.Equal(t, "error", m["type"])
	require.Equal(t, "parse_error", m["code"])
}

func TestTypingFrameReachesViewers(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.svc.Login(context.Background(), "c1", chat.RoleAgent, testSecret)
	require.NoError(t, err)

	c := env.dial(t, "c1")
	waitFor(t, func() bool { return env.svc.Subscribers("c1") == 1 })

	c.send(t, map[string]string{"type": "typing", "role": "agent", "token": token, "text": "one moment"})
	m := c.read(t)
	require.Equal(t, "typing", m["type"])
	require.Equal(t, "one moment", m["typing"].(map[string]interface{})["text"])
	require.Equal(t, "one moment", env.svc.GetTyping("c1").Text)
}

type denyTyping struct{}

func (denyTyping) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != ratelimit.RuleTyping.Key, nil
}

func TestRateLimitedFrameReportsRuleWindow(t *testing.T) {
	env := newTestEnv(t, relay.WithLimiter(denyTyping{}))
	token, err := env.svc.Login(context.Background(), "c1", chat.RoleUser, testSecret)
	require.NoError(t, err)

	c := env.dial(t, "c1")
	c.send(t, map[string]string{"type": "typing", "role": "user", "token": token, "text": "he"})
	m := c.read(t)
	require.Equal(t, "rate_limited", m["type"])
	require.EqualValues(t, ratelimit.RuleTyping.Window.Seconds(), m["retry_after"])
}

func TestDisconnectUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "c1")
	waitFor(t, func() bool { return env.server.Connections().Count() == 1 })

	require.NoError(t, c.conn.Close())
	waitFor(t, func() bool { return env.svc.Subscribers("c1") == 0 })
	waitFor(t, func() bool { return env.server.Connections().Count() == 0 })
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "c1")
	env.dial(t, "c2")
	waitFor(t, func() bool { return env.server.Connections().Count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	require.Equal(t, 0, env.server.Connections().Count())
	require.Equal(t, 0, env.svc.Subscribers("c1"))
}
