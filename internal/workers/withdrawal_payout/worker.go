package withdrawal_payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/custodial/settlement_service/pkg/logger"
)

// Payouts is the part of the withdrawal service the worker drives
type Payouts interface {
	ExecutePayout(ctx context.Context, id uuid.UUID) error
	Recover(ctx context.Context) error
}

// Config holds configuration for the payout worker
type Config struct {
	Workers       int
	QueueSize     int
	PayoutTimeout time.Duration
	RecoveryCron  string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PayoutTimeout <= 0 {
		c.PayoutTimeout = 90 * time.Second
	}
	if c.RecoveryCron == "" {
		c.RecoveryCron = "*/2 * * * *"
	}
	return c
}

// Worker executes approved withdrawals in the background. An id is queued
// at most once at a time; a full queue drops the id and the recovery scan
// picks it up again.
type Worker struct {
	config   Config
	payouts  Payouts
	logger   *logger.Logger
	queue    chan uuid.UUID
	cron     *cron.Cron
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	closed   bool

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewWorker creates a payout worker. The withdrawal service must be given
// the worker as its dispatcher before Start.
func NewWorker(config Config, payouts Payouts, log *logger.Logger) *Worker {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:         config,
		payouts:        payouts,
		logger:         log,
		queue:          make(chan uuid.UUID, config.QueueSize),
		cron:           cron.New(),
		inFlight:       make(map[uuid.UUID]struct{}),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Dispatch queues a withdrawal for payout without blocking
func (w *Worker) Dispatch(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if _, ok := w.inFlight[id]; ok {
		return
	}

	select {
	case w.queue <- id:
		w.inFlight[id] = struct{}{}
	default:
		w.logger.Warn("Payout queue full, leaving withdrawal for recovery", "withdrawal_id", id)
	}
}

// Start launches the payout workers and the recovery schedule. A recovery
// pass runs immediately so work left by a previous process resumes.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.config.RecoveryCron, func() {
		w.recover(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", w.config.RecoveryCron, err)
	}

	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.recover(ctx)
	w.cron.Start()
	w.logger.Info("Withdrawal payout worker started", "workers", w.config.Workers)
	return nil
}

// Shutdown stops accepting work and waits for in-flight payouts
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.logger.Info("Shutting down withdrawal payout worker", "timeout", timeout)

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.shutdownCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Withdrawal payout worker shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdownCtx.Done():
			return
		case id := <-w.queue:
			w.execute(ctx, workerID, id)
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, id uuid.UUID) {
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, id)
		w.mu.Unlock()
	}()

	payoutCtx, cancel := context.WithTimeout(ctx, w.config.PayoutTimeout)
	defer cancel()

	if err := w.payouts.ExecutePayout(payoutCtx, id); err != nil {
		w.logger.Error("Payout execution error",
			"worker_id", workerID,
			"withdrawal_id", id,
			"error", err)
	}
}

func (w *Worker) recover(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.config.PayoutTimeout)
	defer cancel()

	if err := w.payouts.Recover(ctx); err != nil {
		w.logger.Error("Withdrawal recovery pass failed", "error", err)
	}
}

// Pending returns the number of queued or running payouts
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}
