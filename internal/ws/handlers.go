package ws

import (
	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/relay"
)

// registerRelayHandlers wires the participant actions to the relay. The
// socket's chat scopes every action; credentials travel in each frame.
func registerRelayHandlers(d *MessageDispatcher, r Relay) {
	d.Register(protocol.TypeHeartbeat, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.HeartbeatMsg)
		role, ok := d.role(conn, m.Credentials)
		if !ok {
			return
		}
		if err := r.Heartbeat(conn.ChatID, role, m.Token); err != nil {
			d.sendRelayError(conn, err)
		}
	})

	d.Register(protocol.TypeTyping, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.TypingMsg)
		role, ok := d.role(conn, m.Credentials)
		if !ok {
			return
		}
		if err := r.SetTyping(conn.ctx, conn.ChatID, role, m.Token, m.Text); err != nil {
			d.sendRelayError(conn, err)
		}
	})

	d.Register(protocol.TypeMessage, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.ChatMsg)
		role, ok := d.role(conn, m.Credentials)
		if !ok {
			return
		}
		stored, err := r.Send(conn.ctx, conn.ChatID, role, m.Token, m.Payload())
		if err != nil {
			d.sendRelayError(conn, err)
			return
		}
		d.send(conn, protocol.TypeAck, protocol.AckMsg{Ref: m.Ref, Seq: stored.Seq})
	})

	d.Register(protocol.TypeSeen, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.SeenMsg)
		role, ok := d.role(conn, m.Credentials)
		if !ok {
			return
		}
		if _, err := r.MarkSeen(conn.ChatID, role, m.Token, m.Seq); err != nil && relay.KindOf(err) != relay.KindNotFound {
			d.sendRelayError(conn, err)
		}
	})
}

// role parses the frame's role, answering with an error frame when it is
// not a chat participant.
func (d *MessageDispatcher) role(conn *Connection, c protocol.Credentials) (chat.Role, bool) {
	role, err := chat.ParseRole(c.Role)
	if err != nil {
		d.sendError(conn, relay.KindValidation.String(), err.Error())
		return "", false
	}
	return role, true
}

// sendRelayError reports a failed action to the client.
func (d *MessageDispatcher) sendRelayError(conn *Connection, err error) {
	if errors.Is(err, relay.ErrRateLimited) {
		d.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: relay.RetryAfterSeconds(err),
		})
		return
	}

	kind := relay.KindOf(err)
	switch kind {
	case relay.KindUnauthorized:
		d.sendError(conn, kind.String(), "request not permitted")
	case relay.KindUnknown:
		d.log.Error().Err(err).Str("conn_id", conn.ID).Msg("relay action failed")
		d.sendError(conn, "internal_error", "internal error")
	default:
		d.sendError(conn, kind.String(), err.Error())
	}
}
