package collection_scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/pkg/logger"
)

const executedBy = "scheduler"

// Sweeper runs one synchronous collection sweep
type Sweeper interface {
	Run(ctx context.Context, symbol, executedBy string) (*entities.BatchCollectRecord, error)
}

// Scheduler triggers collection sweeps on a cron schedule
type Scheduler struct {
	schedule string
	token    string
	timeout  time.Duration
	sweeper  Sweeper
	cron     *cron.Cron
	logger   *logger.Logger
}

// NewScheduler creates a scheduler for one token. An empty schedule
// disables it.
func NewScheduler(schedule, token string, timeout time.Duration, sweeper Sweeper, log *logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Scheduler{
		schedule: schedule,
		token:    token,
		timeout:  timeout,
		sweeper:  sweeper,
		// a slow sweep makes the next tick wait instead of overlapping
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: log,
	}
}

// Enabled reports whether a schedule is configured
func (s *Scheduler) Enabled() bool {
	return s.schedule != "" && s.token != ""
}

func (s *Scheduler) Start() error {
	if !s.Enabled() {
		s.logger.Info("Scheduled collection disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid collection schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("Collection scheduler started", "schedule", s.schedule, "token", s.token)
	return nil
}

// RunOnce performs a single scheduled sweep and logs its outcome
func (s *Scheduler) RunOnce(ctx context.Context) {
	record, err := s.sweeper.Run(ctx, s.token, executedBy)
	switch {
	case apperrors.HasCode(err, apperrors.CodeNothingToCollect):
		s.logger.Debug("Scheduled collection found nothing to collect", "token", s.token)
	case apperrors.HasCode(err, apperrors.CodeCollectionInProgress):
		s.logger.Info("Scheduled collection skipped, another sweep is running", "token", s.token)
	case err != nil:
		s.logger.Error("Scheduled collection failed", "token", s.token, "error", err)
	case record != nil:
		s.logger.Info("Scheduled collection finished",
			"token", s.token,
			"status", record.Status,
			"succeeded_count", record.SucceededCount,
			"failed_count", record.FailedCount,
			"total_collected", record.TotalCollected.String())
	}
}

// Stop waits for a running sweep to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Collection scheduler stopped")
}
