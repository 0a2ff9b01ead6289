package template

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically flags templates whose deadline has passed.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper creates a new sweeper.
func NewSweeper(store *Store, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, interval: interval, log: log.Named("template-sweeper")}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx, time.Now()); err != nil {
			s.log.Error("template sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce flags every template whose deadline is before now and returns
// how many were flagged. Templates without a deadline never expire here.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int64, error) {
	templates, err := s.store.FindUnexpired(ctx)
	if err != nil {
		return 0, err
	}

	var ids []int
	for _, t := range templates {
		deadline := t.Rule.Expiration.Deadline
		if !deadline.IsZero() && deadline.Before(now) {
			ids = append(ids, t.ID)
		}
	}

	n, err := s.store.MarkExpired(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("templates expired", zap.Int64("count", n), zap.Ints("template_ids", ids))
	}
	return n, nil
}
