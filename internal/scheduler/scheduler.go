// Package scheduler implements the periodic loop that evicts installation
// tokens that can no longer be handed out.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/donaldgifford/stapsher/internal/metrics"
)

// Pruner evicts stale entries and reports how many it removed.
type Pruner interface {
	Prune() int
	Len() int
}

// Scheduler periodically prunes the installation token cache.
type Scheduler struct {
	cache    Pruner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cache Pruner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the prune loop at the configured interval. It blocks until the
// context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("token janitor starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("token janitor stopped")
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Scheduler) pruneOnce() {
	pruned := s.cache.Prune()
	metrics.TokensPrunedTotal.Add(float64(pruned))

	if pruned == 0 {
		return
	}

	s.logger.Info("pruned expired installation tokens",
		"pruned", pruned,
		"cached", s.cache.Len(),
	)
}
