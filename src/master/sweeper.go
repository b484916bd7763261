package master

import (
	"context"
	"time"
)

// Sweeper periodically returns builds of silent slaves to the queue.
type Sweeper struct {
	master *BuildMaster
	// interval overrides the sweep_interval option when positive.
	interval time.Duration
}

// NewSweeper creates a sweeper for bm. A zero interval follows the
// sweep_interval_ms option.
func NewSweeper(bm *BuildMaster, interval time.Duration) *Sweeper {
	return &Sweeper{master: bm, interval: interval}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	log := s.master.logger
	log.Info("[Sweeper] Starting...")

	changed := s.master.OptionsChanged()
	timer := time.NewTimer(s.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[Sweeper] Context cancelled, shutting down")
			return ctx.Err()
		case <-changed:
			changed = s.master.OptionsChanged()
			if s.interval <= 0 {
				timer.Stop()
				timer.Reset(s.next())
				log.Debug("[Sweeper] Sweeping every %s", s.next())
			}
		case <-timer.C:
			reset, err := s.master.ResetOrphanedBuilds(ctx)
			if err != nil {
				log.Error("[Sweeper] Failed to reset orphaned builds: %v", err)
			} else if len(reset) > 0 {
				log.Info("[Sweeper] Returned %d orphaned builds to the queue", len(reset))
			}
			timer.Reset(s.next())
		}
	}
}

func (s *Sweeper) next() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return s.master.Options().SweepInterval()
}
