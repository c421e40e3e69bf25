package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// frame. msg is the concrete struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by type.
// It answers pings itself and sends structured errors for malformed or
// unsupported frames.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a MessageHandler with a frame type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it to the handler for its type.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("dispatch parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn_id", conn.ID).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// send marshals payload as a msgType frame and writes it to conn.
func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Str("conn_id", conn.ID).Msg("build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str("type", msgType).Str("conn_id", conn.ID).Msg("send server message")
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	d.send(conn, protocol.TypePong, protocol.PongMsg{Ts: time.Now().UnixMilli()})
}
