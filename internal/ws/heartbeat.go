package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat periodically sends WebSocket ping frames to all connections
// and closes those that have gone stale (nothing read within Interval +
// Timeout). It exits when the server is shut down.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections evicts connections without a successful read within
// Interval + Timeout and pings the rest. Browsers answer protocol-level
// pings (opcode 0x9) automatically.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info().Str("conn_id", c.ID).Str("chat_id", c.ChatID).
				Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.writeFrame(ws.NewPingFrame(nil)); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
