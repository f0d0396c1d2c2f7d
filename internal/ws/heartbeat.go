package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval before eviction (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat: a ping every 30s
// and eviction after 40s without any inbound frame.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection once per interval until the server
// shuts down.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(config, time.Now())
		}
	}
}

// checkConnections evicts connections idle for longer than Interval+Timeout
// and pings the rest. Browsers answer pings automatically, and any answer
// refreshes the connection's activity time.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			s.logger.Info("ws: heartbeat timeout",
				zap.String("conn", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Info("ws: heartbeat ping failed", zap.String("conn", c.ID), zap.Error(err))
			s.RemoveConnection(c)
			continue
		}

		if s.deps.Sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.deps.Sessions.Touch(ctx, c.ID, c.UserID); err != nil {
				s.logger.Debug("ws: session touch failed", zap.String("conn", c.ID), zap.Error(err))
			}
			cancel()
		}
	}
}
