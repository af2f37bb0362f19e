package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // extra silence tolerated after a ping
}

// DefaultHeartbeatConfig returns the production defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and removes those
// silent for longer than Interval+Timeout. Removal goes through the normal
// disconnect path, so the participant's room and pool entries are released.
func (s *Server) startHeartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(now, cfg)
			}
		}
	}()
}

func (s *Server) checkConnections(now time.Time, cfg HeartbeatConfig) {
	deadline := cfg.Interval + cfg.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("session", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
