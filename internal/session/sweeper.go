package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Default sweep settings.
const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultMaxIdle       = 60 * time.Minute
)

// Sweeper periodically evicts idle sessions from a Store.
type Sweeper struct {
	Store    *Store
	Interval time.Duration
	MaxIdle  time.Duration
	// OnEvict is called once per evicted user, after removal.
	OnEvict func(userID string)
	Logger  *zap.Logger
}

// Run blocks until ctx is done, sweeping on every tick.
func (w *Sweeper) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	maxIdle := w.MaxIdle
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("session sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("max_idle", maxIdle))

	for {
		select {
		case <-ctx.Done():
			logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			evicted := w.Store.Sweep(maxIdle)
			for _, id := range evicted {
				if w.OnEvict != nil {
					w.OnEvict(id)
				}
			}
			if len(evicted) > 0 {
				logger.Info("evicted idle sessions",
					zap.Int("count", len(evicted)),
					zap.Int("remaining", w.Store.Len()))
			}
		}
	}
}
