package cleanup

import (
	"context"
	"time"

	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
)

// IdempotencyStore removes cached responses past their TTL
type IdempotencyStore interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// PendingDeposits reports unconfirmed transfers that never reached confirmation
type PendingDeposits interface {
	CountPendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker prunes expired idempotency keys and watches for stuck pending deposits
type Worker struct {
	keys          IdempotencyStore
	deposits      PendingDeposits
	staleAfter    time.Duration
	checkInterval time.Duration
	logger        *logger.Logger
	stopCh        chan struct{}
	now           func() time.Time
}

// Config holds worker configuration
type Config struct {
	StaleAfter    time.Duration
	CheckInterval time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		StaleAfter:    24 * time.Hour,
		CheckInterval: 1 * time.Hour,
	}
}

// NewWorker creates a new cleanup worker. deposits may be nil.
func NewWorker(keys IdempotencyStore, deposits PendingDeposits, config *Config, logger *logger.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Worker{
		keys:          keys,
		deposits:      deposits,
		staleAfter:    config.StaleAfter,
		checkInterval: config.CheckInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start runs the cleanup loop until ctx is cancelled or Stop is called
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting cleanup worker",
		"stale_after", w.staleAfter.String(),
		"check_interval", w.checkInterval.String())

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Cleanup worker stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Cleanup worker stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

// Stop stops the worker
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) cleanup(ctx context.Context) {
	if w.keys != nil {
		removed, err := w.keys.DeleteExpired(ctx)
		if err != nil {
			w.logger.Error("Failed to delete expired idempotency keys", "error", err)
		} else if removed > 0 {
			metrics.ExpiredIdempotencyKeysTotal.Add(float64(removed))
			w.logger.Info("Expired idempotency keys removed", "count", removed)
		}
	}

	if w.deposits == nil {
		return
	}
	cutoff := w.now().Add(-w.staleAfter)
	stale, err := w.deposits.CountPendingOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("Failed to count stale pending deposits", "error", err)
		return
	}
	metrics.StalePendingDepositsGauge.Set(float64(stale))
	if stale > 0 {
		// pending rows are never credited; a confirmation notification has to arrive
		w.logger.Warn("Pending deposits awaiting confirmation past threshold",
			"count", stale,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}

// RunOnce runs cleanup once (for testing or manual trigger)
func (w *Worker) RunOnce(ctx context.Context) {
	w.cleanup(ctx)
}
