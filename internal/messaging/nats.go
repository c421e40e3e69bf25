// Package messaging provides a NATS client wrapper used to mirror chat
// events out of the relay process and to carry moderation verdicts back.
// It handles connection lifecycle and subject-based subscriptions.
package messaging

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NATS subject patterns.
const (
	SubjectChatEvents       = "relay.chat"        // + .<chat_id>
	SubjectModerationResult = "moderation.result" // + .<chat_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	log = log.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return errors.Wrapf(c.conn.Publish(subject, data), "nats publish %s", subject)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", subject)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishChatEvent publishes an encoded chat event to relay.chat.<chatID>.
// It lets the client serve as the broadcaster's mirror.
func (c *NATSClient) PublishChatEvent(chatID string, data []byte) error {
	return c.Publish(SubjectChatEvents+"."+chatID, data)
}

// SubscribeChatEvents receives the mirrored events of every chat.
func (c *NATSClient) SubscribeChatEvents(handler func(chatID string, data []byte)) error {
	return c.Subscribe(SubjectChatEvents+".*", func(msg *nats.Msg) {
		handler(SubjectSuffix(msg.Subject, SubjectChatEvents), msg.Data)
	})
}

// PublishModerationResult publishes a moderation verdict for a chat.
func (c *NATSClient) PublishModerationResult(chatID string, data []byte) error {
	return c.Publish(SubjectModerationResult+"."+chatID, data)
}

// SubscribeModerationResults receives the moderation verdicts of every chat.
func (c *NATSClient) SubscribeModerationResults(handler func(chatID string, data []byte)) error {
	return c.Subscribe(SubjectModerationResult+".*", func(msg *nats.Msg) {
		handler(SubjectSuffix(msg.Subject, SubjectModerationResult), msg.Data)
	})
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	return errors.Wrapf(sub.Unsubscribe(), "nats unsubscribe %s", subject)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}

// SubjectSuffix strips prefix and the following dot from subject.
func SubjectSuffix(subject, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(subject, prefix), ".")
}
