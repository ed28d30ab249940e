package outbox

import (
	"context"
	"fmt"
	"time"

	"notifications/internal/domain"
	"notifications/internal/repository/outbox_repo"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
	Expiry    time.Duration
}

type CleanupResult struct {
	Processed   int64
	Unprocessed int64
	Claims      int64
}

// Cleaner deletes relayed rows past retention, rows that never made it to
// the broker within the expiry window, and lapsed idempotency claims.
type Cleaner struct {
	db     domain.Querier
	repo   outbox_repo.OutboxRepository
	clock  clockwork.Clock
	cfg    CleanupConfig
	logger *zap.Logger
}

func NewCleaner(db domain.Querier, repo outbox_repo.OutboxRepository, clock clockwork.Clock, cfg CleanupConfig, logger *zap.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 7 * 24 * time.Hour
	}
	return &Cleaner{db: db, repo: repo, clock: clock, cfg: cfg, logger: logger}
}

// Run cleans every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := c.CleanOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (c *Cleaner) CleanOnce(ctx context.Context) (CleanupResult, error) {
	now := c.clock.Now()
	var res CleanupResult

	processed, err := c.repo.DeleteProcessedBefore(ctx, c.db, now.Add(-c.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("outbox cleanup: %w", err)
	}
	res.Processed = processed

	unprocessed, err := c.repo.DeleteUnprocessedBefore(ctx, c.db, now.Add(-c.cfg.Expiry))
	if err != nil {
		return res, fmt.Errorf("outbox cleanup: %w", err)
	}
	res.Unprocessed = unprocessed

	claims, err := c.repo.DeleteExpiredClaims(ctx, c.db, now)
	if err != nil {
		return res, fmt.Errorf("outbox cleanup: %w", err)
	}
	res.Claims = claims

	if unprocessed > 0 {
		c.logger.Warn("Purged outbox events that were never relayed",
			zap.Int64("count", unprocessed),
			zap.Duration("expiry", c.cfg.Expiry))
	}
	c.logger.Info("Outbox cleanup completed",
		zap.Int64("processed_deleted", processed),
		zap.Int64("unprocessed_deleted", unprocessed),
		zap.Int64("claims_deleted", claims))
	return res, nil
}
