package deposit_processor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/custodial/settlement_service/pkg/logger"
)

// ManagerConfig holds the periodic schedules around the processor
type ManagerConfig struct {
	ReclaimCron   string
	MetricsCron   string
	ReclaimBudget time.Duration
}

// Manager coordinates the deposit processor and its periodic reclaim
type Manager struct {
	config    ManagerConfig
	processor *Processor
	cron      *cron.Cron
	logger    *logger.Logger
	isRunning bool
}

// NewManager creates a new worker manager
func NewManager(config ManagerConfig, processor *Processor, log *logger.Logger) *Manager {
	if config.ReclaimCron == "" {
		config.ReclaimCron = "*/5 * * * *"
	}
	if config.MetricsCron == "" {
		config.MetricsCron = "* * * * *"
	}
	if config.ReclaimBudget <= 0 {
		config.ReclaimBudget = time.Minute
	}
	return &Manager{
		config:    config,
		processor: processor,
		cron:      cron.New(),
		logger:    log,
	}
}

// Start starts the processor and the cron jobs
func (m *Manager) Start(ctx context.Context) error {
	if m.isRunning {
		return fmt.Errorf("manager already running")
	}

	m.logger.Info("Starting deposit workers")

	// Jobs orphaned by a previous crash go back on the retry path first.
	if _, err := m.processor.Reclaim(ctx); err != nil {
		m.logger.Error("Initial deposit job reclaim failed", "error", err)
	}

	_, err := m.cron.AddFunc(m.config.ReclaimCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.ReclaimBudget)
		defer cancel()

		if _, err := m.processor.Reclaim(ctx); err != nil {
			m.logger.Error("Failed to reclaim stale deposit jobs", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reclaim schedule %q: %w", m.config.ReclaimCron, err)
	}

	_, err = m.cron.AddFunc(m.config.MetricsCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.processor.ReportMetrics(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid metrics schedule %q: %w", m.config.MetricsCron, err)
	}

	if err := m.processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}

	m.cron.Start()
	m.isRunning = true
	m.logger.Info("Deposit workers started successfully")
	return nil
}

// Shutdown gracefully stops all workers
func (m *Manager) Shutdown(timeout time.Duration) error {
	if !m.isRunning {
		return nil
	}

	m.logger.Info("Shutting down deposit workers", "timeout", timeout)

	cronCtx := m.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(timeout / 2):
		m.logger.Warn("Deposit cron jobs still running at shutdown")
	}

	if err := m.processor.Shutdown(timeout / 2); err != nil {
		m.logger.Error("Processor shutdown error", "error", err)
	}

	m.isRunning = false
	m.logger.Info("Deposit workers shutdown complete")
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	return m.isRunning
}
