package conebeam

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Start removes stale archives left by a previous run and keeps sweeping
// every sweep interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.sweep()
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	removed, err := m.cache.Sweep()
	if err != nil {
		log.Warn().Err(err).Msg("cache sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("stale archives swept")
	}
}
