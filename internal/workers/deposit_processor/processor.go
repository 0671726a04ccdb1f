package deposit_processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
	"github.com/custodial/settlement_service/pkg/retry"
	"github.com/custodial/settlement_service/pkg/tracing"
)

// JobStore is the queue side of the deposit job repository
type JobStore interface {
	ClaimReady(ctx context.Context, limit int) ([]*entities.DepositJob, error)
	Update(ctx context.Context, job *entities.DepositJob) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	GetMetrics(ctx context.Context) (*entities.DepositJobMetrics, error)
}

// JobProcessor credits a claimed job
type JobProcessor interface {
	ProcessJob(ctx context.Context, job *entities.DepositJob) (bool, error)
}

// ProcessorConfig holds configuration for the deposit processor
type ProcessorConfig struct {
	WorkerCount  int
	PollInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	QueueDepth   int
}

// DefaultProcessorConfig returns default configuration
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:  3,
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		JobTimeout:   2 * time.Minute,
		QueueDepth:   32,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	return c
}

// Processor polls claimed deposit jobs and credits them on a fixed pool of
// workers. Jobs for the same deposit address always land on the same worker.
type Processor struct {
	config    ProcessorConfig
	jobs      JobStore
	deposits  JobProcessor
	retrier   *retry.Retrier
	logger    *logger.Logger
	lanes     []chan *entities.DepositJob
	startOnce sync.Once

	processedCounter  metric.Int64Counter
	durationHistogram metric.Float64Histogram
	retryCounter      metric.Int64Counter
	dlqCounter        metric.Int64Counter

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewProcessor creates a new deposit processor
func NewProcessor(
	config ProcessorConfig,
	jobs JobStore,
	deposits JobProcessor,
	retrier *retry.Retrier,
	log *logger.Logger,
) (*Processor, error) {
	config = config.withDefaults()
	meter := otel.Meter("deposit-processor")

	processedCounter, err := meter.Int64Counter(
		"deposit.jobs.processed.total",
		metric.WithDescription("Total number of deposit jobs processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	durationHistogram, err := meter.Float64Histogram(
		"deposit.jobs.duration.seconds",
		metric.WithDescription("Deposit job processing duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	retryCounter, err := meter.Int64Counter(
		"deposit.jobs.retry.total",
		metric.WithDescription("Total number of deposit jobs scheduled for retry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	dlqCounter, err := meter.Int64Counter(
		"deposit.jobs.dlq.total",
		metric.WithDescription("Total number of deposit jobs parked in the DLQ"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ counter: %w", err)
	}

	lanes := make([]chan *entities.DepositJob, config.WorkerCount)
	for i := range lanes {
		lanes[i] = make(chan *entities.DepositJob, config.QueueDepth)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		config:            config,
		jobs:              jobs,
		deposits:          deposits,
		retrier:           retrier,
		logger:            log,
		lanes:             lanes,
		processedCounter:  processedCounter,
		durationHistogram: durationHistogram,
		retryCounter:      retryCounter,
		dlqCounter:        dlqCounter,
		shutdownCtx:       ctx,
		shutdownCancel:    cancel,
	}, nil
}

// Start launches the poller and the workers
func (p *Processor) Start(ctx context.Context) error {
	started := false
	p.startOnce.Do(func() {
		started = true
		p.logger.Info("Starting deposit processor",
			"worker_count", p.config.WorkerCount,
			"poll_interval", p.config.PollInterval)

		for i, lane := range p.lanes {
			p.wg.Add(1)
			go p.worker(ctx, i, lane)
		}

		p.wg.Add(1)
		go p.poller(ctx)
	})
	if !started {
		return fmt.Errorf("deposit processor already started")
	}
	return nil
}

// Shutdown stops polling and waits for in-flight jobs
func (p *Processor) Shutdown(timeout time.Duration) error {
	p.logger.Info("Shutting down deposit processor", "timeout", timeout)
	p.shutdownCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Deposit processor shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (p *Processor) poller(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	}()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCtx.Done():
			return
		case <-ticker.C:
			// drain while full batches keep coming back
			for p.pollOnce(ctx) == p.config.BatchSize {
				if p.stopping(ctx) {
					return
				}
			}
		}
	}
}

// pollOnce claims one batch and hands it to the workers. It returns the
// number of jobs claimed.
func (p *Processor) pollOnce(ctx context.Context) int {
	jobs, err := p.jobs.ClaimReady(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("Failed to claim deposit jobs", "error", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	p.logger.Debug("Claimed deposit jobs", "job_count", len(jobs))
	for _, job := range jobs {
		lane := p.lanes[p.laneFor(job.DepositAddress)]
		select {
		case lane <- job:
		case <-ctx.Done():
			return 0
		case <-p.shutdownCtx.Done():
			// left in processing; the reclaim puts it back on the retry path
			return 0
		}
	}
	return len(jobs)
}

func (p *Processor) laneFor(address string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Processor) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || p.shutdownCtx.Err() != nil
}

func (p *Processor) worker(ctx context.Context, workerID int, lane <-chan *entities.DepositJob) {
	defer p.wg.Done()
	p.logger.Debug("Deposit worker started", "worker_id", workerID)

	for job := range lane {
		p.processJob(ctx, job)
	}
	p.logger.Debug("Deposit worker stopped", "worker_id", workerID)
}

// processJob credits one job and persists its outcome
func (p *Processor) processJob(ctx context.Context, job *entities.DepositJob) {
	startTime := time.Now()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.JobTimeout)
	defer cancel()

	jobCtx, span := tracing.Start(jobCtx, "deposit.process_job",
		attribute.String("job.id", job.ID.String()),
		attribute.String("deposit.dedup_key", job.DedupKey),
		attribute.String("deposit.token", job.TokenSymbol),
		attribute.Int("job.attempt", job.AttemptCount),
	)
	credited, err := p.deposits.ProcessJob(jobCtx, job)
	duration := time.Since(startTime)
	tracing.End(span, err)

	outcome := "credited"
	if err != nil {
		errType := entities.DepositErrorTransient
		if retry.IsPermanent(err) {
			errType = entities.DepositErrorPermanent
		}
		job.MarkFailed(err, errType, p.retrier.NextDelay(job.AttemptCount))

		if job.Status == entities.DepositJobParked {
			outcome = "parked"
			p.dlqCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("token", job.TokenSymbol),
				attribute.String("error_type", string(errType)),
			))
			p.logger.Error("Deposit job parked",
				"job_id", job.ID,
				"dedup_key", job.DedupKey,
				"attempt", job.AttemptCount,
				"error_type", errType,
				"error", err)
		} else {
			outcome = "retry"
			p.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("token", job.TokenSymbol)))
			p.logger.Warn("Deposit job failed",
				"job_id", job.ID,
				"dedup_key", job.DedupKey,
				"attempt", job.AttemptCount,
				"next_retry_at", job.NextRetryAt,
				"error", err)
		}
	} else {
		if !credited {
			outcome = "duplicate"
		}
		job.MarkCompleted()
		p.logger.Debug("Deposit job completed", "job_id", job.ID, "outcome", outcome, "duration", duration)
	}

	metrics.DepositJobsTotal.WithLabelValues(outcome).Inc()
	p.processedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(job.Status)),
		attribute.String("token", job.TokenSymbol),
	))
	p.durationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", string(job.Status)),
	))

	if err := p.jobs.Update(jobCtx, job); err != nil {
		p.logger.Error("Failed to update deposit job", "error", err, "job_id", job.ID)
	}
}

// Reclaim returns jobs stuck in processing past the job timeout to the retry path
func (p *Processor) Reclaim(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-p.config.JobTimeout)
	n, err := p.jobs.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Warn("Reclaimed stale deposit jobs", "count", n)
	}
	return n, nil
}

// ReportMetrics logs the current queue depth per status
func (p *Processor) ReportMetrics(ctx context.Context) {
	m, err := p.jobs.GetMetrics(ctx)
	if err != nil {
		p.logger.Error("Failed to get deposit job metrics", "error", err)
		return
	}

	p.logger.Info("Deposit pipeline metrics",
		"pending", m.Pending,
		"processing", m.Processing,
		"completed", m.Completed,
		"failed", m.Failed,
		"parked", m.Parked)
	if m.Parked > 0 {
		p.logger.Warn("Deposit jobs waiting in DLQ", "parked", m.Parked)
	}
}
