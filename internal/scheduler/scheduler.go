// Package scheduler runs the server's background maintenance: replay
// retention, expired ban pruning and periodic status snapshots on the
// event bus.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/events"
	"github.com/stormhold-project/stormhold/internal/server"
	"github.com/stormhold-project/stormhold/internal/store"
	"github.com/stormhold-project/stormhold/internal/util"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	bus    *events.Bus
	core   *server.Server
	st     *store.Store
	logger zerolog.Logger
}

// NewScheduler creates a new task scheduler. st may be nil, disabling
// the persistence tasks.
func NewScheduler(cfg *config.Config, bus *events.Bus, core *server.Server, st *store.Store) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		bus:    bus,
		core:   core,
		st:     st,
		logger: util.ComponentLogger("scheduler"),
	}
}

// Start begins running all scheduled tasks, blocking until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runStatusLoop(ctx)
	}()

	if s.st != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runMaintenanceLoop(ctx)
		}()
	}

	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// runStatusLoop emits operational snapshots at the telemetry interval.
func (s *Scheduler) runStatusLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.ApplicationData.MQTT.Interval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := s.core.CurrentStatus()
			s.bus.Emit(ctx, events.Event{
				Type:   events.EventServerStatus,
				Source: "scheduler",
				Payload: events.StatusPayload{
					Players:   st.Players,
					Games:     st.Games,
					Rooms:     st.Rooms,
					UptimeSec: int64(st.Uptime / time.Second),
					Documents: st.Documents,
					DocBytes:  st.DocBytes,
				},
			})
		case <-ctx.Done():
			return
		}
	}
}

// runMaintenanceLoop prunes old replays and expired bans once a day,
// with a first pass shortly after startup.
func (s *Scheduler) runMaintenanceLoop(ctx context.Context) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runMaintenance()
			timer.Reset(24 * time.Hour)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runMaintenance() {
	if err := s.st.PruneExpiredBans(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune expired bans")
	}

	retention := s.cfg.GetServer().ReplayRetentionDays
	if retention <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retention)
	removed, err := s.st.PruneReplays(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune replays")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("pruned old replays")
	}
}
