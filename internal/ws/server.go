// Package ws streams chat events to browser widgets over WebSocket and
// accepts participant actions on the same socket. Each connection owns one
// broadcaster subscription, drained by a writer goroutine, and a reader
// goroutine that dispatches client frames to the relay.
package ws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/broadcast"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// MaxFrameBytes bounds a single client frame.
const MaxFrameBytes = 16 << 10

// Relay is the subset of the relay service used by sockets.
type Relay interface {
	Subscribe(chatID string) (*broadcast.Subscription, error)
	Unsubscribe(chatID string, sub *broadcast.Subscription)
	Send(ctx context.Context, chatID string, role chat.Role, token string, payload chat.Payload) (chat.Message, error)
	Heartbeat(chatID string, role chat.Role, token string) error
	SetTyping(ctx context.Context, chatID string, role chat.Role, token, text string) error
	MarkSeen(chatID string, role chat.Role, token string, seq int64) (bool, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // max silence between client frames
	WriteTimeout   time.Duration // timeout for a single frame write
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 10000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket connections bound to a chat.
type Server struct {
	config     ServerConfig
	relay      Relay
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	log        zerolog.Logger

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a Server that forwards client actions to relay.
func NewServer(config ServerConfig, relay Relay, log zerolog.Logger) *Server {
	s := &Server{
		config: config,
		relay:  relay,
		conns:  NewConnectionManager(),
		log:    log.With().Str("component", "ws").Logger(),
		done:   make(chan struct{}),
	}
	s.dispatcher = NewMessageDispatcher(s.log)
	registerRelayHandlers(s.dispatcher, relay)
	return s
}

// Start launches the heartbeat monitor. It returns immediately.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		if s.config.Heartbeat.Interval > 0 {
			s.startHeartbeat(s.config.Heartbeat)
		}
	})
}

// HandleUpgrade upgrades r to a WebSocket watching chatID. The connection
// lives until the client goes away or the server shuts down.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request, chatID string) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sub, err := s.relay.Subscribe(chatID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.relay.Unsubscribe(chatID, sub)
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Conn:      conn,
		CreatedAt: now,
		sub:       sub,
		ctx:       ctx,
		cancel:    cancel,
		timeout:   s.config.WriteTimeout,
	}
	c.touch(now)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)

	s.log.Info().Str("conn_id", c.ID).Str("chat_id", chatID).Int("total", s.conns.Count()).Msg("new connection")
}

// readLoop reads client frames until the socket fails or closes.
func (s *Server) readLoop(c *Connection) {
	defer s.wg.Done()
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		if header.Length > MaxFrameBytes {
			s.log.Info().Str("conn_id", c.ID).Int64("length", header.Length).Msg("frame too large")
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}

		// Any frame proves the connection is alive.
		c.touch(time.Now())

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				_ = c.writeFrame(ws.NewPongFrame(data))
			}
			continue
		}

		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

// writeLoop drains the connection's subscription into the socket, emitting
// keepalive frames while the chat is idle.
func (s *Server) writeLoop(c *Connection) {
	defer s.wg.Done()
	defer s.RemoveConnection(c)

	for {
		ev, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		data, err := protocol.EncodeEvent(ev)
		if err != nil {
			s.log.Error().Err(err).Str("conn_id", c.ID).Msg("encode event")
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("write event")
			return
		}
	}
}

// RemoveConnection unsubscribes and closes c. It is safe to call from
// several goroutines; only the first call has an effect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	c.cancel()
	s.relay.Unsubscribe(c.ChatID, c.sub)
	metrics.ConnectionsTotal.Dec()

	s.log.Info().Str("conn_id", c.ID).Str("chat_id", c.ChatID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the registry of open sockets.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown closes every socket and waits for their goroutines to finish or
// ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown")))
		s.RemoveConnection(c)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Info().Msg("server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "ws: shutdown")
	}
}
