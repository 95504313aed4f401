package license

import (
	"context"
	"log/slog"
	"time"
)

// RevocationPruner is the store surface the sweeper drives.
type RevocationPruner interface {
	PruneExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// RevocationSweeper periodically drops revocation entries for tokens that
// have expired on their own. A revoked-and-expired token is rejected on the
// expiry check alone, so its entry carries no information.
type RevocationSweeper struct {
	pruner   RevocationPruner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRevocationSweeper creates a sweeper with the given prune interval.
func NewRevocationSweeper(pruner RevocationPruner, interval time.Duration, logger *slog.Logger) *RevocationSweeper {
	return &RevocationSweeper{
		pruner:   pruner,
		interval: interval,
		logger:   logger.With(slog.String("component", "revocation_sweeper")),
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. The loop exits when Stop is called or the
// context is cancelled.
func (rs *RevocationSweeper) Start(ctx context.Context) {
	go rs.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (rs *RevocationSweeper) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
}

func (rs *RevocationSweeper) run(ctx context.Context) {
	defer close(rs.doneChan)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.sweep(ctx)
		case <-rs.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (rs *RevocationSweeper) sweep(ctx context.Context) {
	pruned, err := rs.pruner.PruneExpiredRevocations(ctx, rs.now())
	if err != nil {
		rs.logger.WarnContext(ctx, "revocation sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if pruned > 0 {
		rs.logger.InfoContext(ctx, "expired revocations pruned",
			slog.Int64("pruned", pruned),
		)
	}
}
