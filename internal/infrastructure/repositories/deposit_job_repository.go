package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/pkg/logger"
)

const depositJobColumns = `
	id, dedup_key, external_event_id, tx_hash, log_index, block_number, deposit_address,
	token_symbol, token_address, token_decimals, amount, payload, status,
	attempt_count, max_attempts, last_error, error_type,
	next_retry_at, last_attempt_at, completed_at, created_at, updated_at`

// DepositJobRepository is the persisted deposit credit queue
type DepositJobRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewDepositJobRepository creates a new deposit job repository
func NewDepositJobRepository(db *sqlx.DB, logger *logger.Logger) *DepositJobRepository {
	return &DepositJobRepository{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a job unless its dedup key is already queued.
// It returns false for a duplicate.
func (r *DepositJobRepository) Enqueue(ctx context.Context, job *entities.DepositJob) (bool, error) {
	query := `
		INSERT INTO deposit_jobs (
			id, dedup_key, external_event_id, tx_hash, log_index, block_number, deposit_address,
			token_symbol, token_address, token_decimals, amount, payload, status,
			attempt_count, max_attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`

	var payload interface{}
	if len(job.Payload) > 0 {
		payload = []byte(job.Payload)
	}

	err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query,
		job.ID,
		job.DedupKey,
		job.ExternalEventID,
		job.TxHash,
		job.LogIndex,
		job.BlockNumber,
		job.DepositAddress,
		job.TokenSymbol,
		job.TokenAddress,
		job.TokenDecimals,
		job.Amount,
		payload,
		string(job.Status),
		job.AttemptCount,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	).Scan(&job.ID)

	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Debug("Deposit job already queued, skipping", "dedup_key", job.DedupKey)
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to enqueue deposit job", "error", err, "dedup_key", job.DedupKey)
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	r.logger.Info("Deposit job enqueued", "job_id", job.ID, "dedup_key", job.DedupKey)
	return true, nil
}

// ClaimReady moves up to limit ready jobs to processing and returns them in
// arrival order. Rows locked by another claimer are skipped.
func (r *DepositJobRepository) ClaimReady(ctx context.Context, limit int) ([]*entities.DepositJob, error) {
	query := `
		UPDATE deposit_jobs
		SET status = 'processing',
			attempt_count = attempt_count + 1,
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deposit_jobs
			WHERE status = 'pending'
			   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + depositJobColumns

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, limit)
	if err != nil {
		r.logger.Error("Failed to claim deposit jobs", "error", err)
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := r.scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Update persists the job's status and retry metadata
func (r *DepositJobRepository) Update(ctx context.Context, job *entities.DepositJob) error {
	query := `
		UPDATE deposit_jobs
		SET
			status = $1,
			attempt_count = $2,
			last_error = $3,
			error_type = $4,
			next_retry_at = $5,
			last_attempt_at = $6,
			completed_at = $7,
			updated_at = $8
		WHERE id = $9`

	var errorType *string
	if job.ErrorType != nil {
		et := string(*job.ErrorType)
		errorType = &et
	}

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		string(job.Status),
		job.AttemptCount,
		job.LastError,
		errorType,
		job.NextRetryAt,
		job.LastAttemptAt,
		job.CompletedAt,
		time.Now().UTC(),
		job.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update deposit job", "error", err, "job_id", job.ID)
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID. Returns (nil, nil) if it does not exist.
func (r *DepositJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error) {
	query := `SELECT ` + depositJobColumns + ` FROM deposit_jobs WHERE id = $1`

	row := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, id)
	job, err := r.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get deposit job", "error", err, "job_id", id)
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetParked retrieves jobs in the dead letter queue, most recent first
func (r *DepositJobRepository) GetParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error) {
	query := `SELECT ` + depositJobColumns + `
		FROM deposit_jobs
		WHERE status = 'dlq'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, limit, offset)
	if err != nil {
		r.logger.Error("Failed to get parked jobs", "error", err)
		return nil, fmt.Errorf("failed to get parked jobs: %w", err)
	}
	defer rows.Close()

	return r.scanJobs(rows)
}

// Requeue resets a parked job to pending with a fresh attempt budget.
// It returns false when the job is not parked.
func (r *DepositJobRepository) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE deposit_jobs
		SET status = 'pending', attempt_count = 0, next_retry_at = NULL,
			error_type = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'dlq'`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReclaimStale returns jobs stuck in processing since before cutoff to the
// retry path, parking those that have no attempts left.
func (r *DepositJobRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE deposit_jobs
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'dlq' ELSE 'failed' END,
			next_retry_at = CASE WHEN attempt_count >= max_attempts THEN NULL ELSE NOW() END,
			error_type = 'transient',
			last_error = 'processing interrupted; job reclaimed',
			updated_at = NOW()
		WHERE status = 'processing' AND last_attempt_at < $1`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to reclaim stale jobs", "error", err)
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// GetMetrics counts jobs per status
func (r *DepositJobRepository) GetMetrics(ctx context.Context) (*entities.DepositJobMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'dlq') AS parked
		FROM deposit_jobs`

	var metrics entities.DepositJobMetrics
	if err := database.Conn(ctx, r.db).GetContext(ctx, &metrics, query); err != nil {
		r.logger.Error("Failed to get deposit job metrics", "error", err)
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	return &metrics, nil
}

func (r *DepositJobRepository) scanJobs(rows *sql.Rows) ([]*entities.DepositJob, error) {
	var jobs []*entities.DepositJob
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			r.logger.Error("Failed to scan deposit job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// scanJob is a helper to scan a job from a row
func (r *DepositJobRepository) scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (*entities.DepositJob, error) {
	var job entities.DepositJob
	var status string
	var errorType *string
	var payload []byte

	err := scanner.Scan(
		&job.ID,
		&job.DedupKey,
		&job.ExternalEventID,
		&job.TxHash,
		&job.LogIndex,
		&job.BlockNumber,
		&job.DepositAddress,
		&job.TokenSymbol,
		&job.TokenAddress,
		&job.TokenDecimals,
		&job.Amount,
		&payload,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LastError,
		&errorType,
		&job.NextRetryAt,
		&job.LastAttemptAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = entities.DepositJobStatus(status)
	if errorType != nil {
		et := entities.DepositJobErrorType(*errorType)
		job.ErrorType = &et
	}
	if len(payload) > 0 {
		job.Payload = append([]byte(nil), payload...)
	}
	return &job, nil
}
