package quotecache

import (
	"context"
	"time"

	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Sweeper periodically removes expired entries from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(store Store, interval time.Duration, logger *otelzap.Logger, metrics *telemetry.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval, logger: logger, metrics: metrics}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns the number of evicted entries.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("Quote cache sweep failed", zap.Error(err))
	}
	s.metrics.RecordEvictions(removed)
	if removed > 0 {
		s.logger.Debug("Quote cache swept", zap.Int("removed", removed))
	}
	return removed
}
