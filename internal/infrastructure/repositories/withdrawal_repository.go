package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
)

const withdrawalColumns = `id, user_id, token_symbol, token_address, amount, fee, destination_address,
	status, chain_tx_hash, approved_at, approved_by, rejected_reason, rejected_by, processed_at,
	failure_type, error_message, retry_count, created_at, updated_at`

// WithdrawalRepository handles withdrawal persistence
type WithdrawalRepository struct {
	db *sqlx.DB
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(db *sqlx.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

// Create creates a new withdrawal record
func (r *WithdrawalRepository) Create(ctx context.Context, withdrawal *entities.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (
			id, user_id, token_symbol, token_address, amount, fee, destination_address,
			status, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		withdrawal.ID,
		withdrawal.UserID,
		withdrawal.TokenSymbol,
		withdrawal.TokenAddress,
		withdrawal.Amount,
		withdrawal.Fee,
		withdrawal.DestinationAddress,
		withdrawal.Status,
		withdrawal.RetryCount,
		withdrawal.CreatedAt,
		withdrawal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}

	return nil
}

// GetByID retrieves a withdrawal by ID. Returns (nil, nil) if it does not exist.
func (r *WithdrawalRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`

	var withdrawal entities.Withdrawal
	err := database.Conn(ctx, r.db).GetContext(ctx, &withdrawal, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}

	return &withdrawal, nil
}

// ListByUser retrieves a user's withdrawals, newest first
func (r *WithdrawalRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	var withdrawals []*entities.Withdrawal
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &withdrawals, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return withdrawals, nil
}

// ListByStatus retrieves withdrawals in one status, oldest first
func (r *WithdrawalRepository) ListByStatus(ctx context.Context, status entities.WithdrawalStatus, limit, offset int) ([]*entities.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`

	var withdrawals []*entities.Withdrawal
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &withdrawals, query, status, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list withdrawals by status: %w", err)
	}
	return withdrawals, nil
}

// ListStale retrieves withdrawals in status whose last update is before cutoff
func (r *WithdrawalRepository) ListStale(ctx context.Context, status entities.WithdrawalStatus, cutoff time.Time, limit int) ([]*entities.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	var withdrawals []*entities.Withdrawal
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &withdrawals, query, status, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale withdrawals: %w", err)
	}
	return withdrawals, nil
}

// Transition applies t only while the row is still in t.From.
// It returns false when the status guard did not match.
func (r *WithdrawalRepository) Transition(ctx context.Context, t entities.WithdrawalTransition) (bool, error) {
	query := `
		UPDATE withdrawals
		SET status = $1,
			chain_tx_hash = CASE WHEN $12 THEN NULL ELSE COALESCE($2, chain_tx_hash) END,
			approved_at = CASE WHEN $1 = 'APPROVED' THEN $8 ELSE approved_at END,
			approved_by = COALESCE($3, approved_by),
			rejected_reason = COALESCE($4, rejected_reason),
			rejected_by = COALESCE($5, rejected_by),
			processed_at = CASE WHEN $1 = 'COMPLETED' THEN $8 ELSE processed_at END,
			failure_type = CASE WHEN $1 = 'FAILED' THEN $6 WHEN $1 = 'PROCESSING' THEN NULL ELSE failure_type END,
			error_message = CASE WHEN $1 = 'FAILED' THEN $7 WHEN $1 = 'PROCESSING' THEN NULL ELSE error_message END,
			retry_count = retry_count + $9,
			updated_at = $8
		WHERE id = $10 AND status = $11
	`

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	increment := 0
	if t.IncrementRetry {
		increment = 1
	}
	var failureType *string
	if t.FailureType != nil {
		ft := string(*t.FailureType)
		failureType = &ft
	}

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		string(t.To),
		t.ChainTxHash,
		t.ApprovedBy,
		t.RejectedReason,
		t.RejectedBy,
		failureType,
		t.ErrorMessage,
		at,
		increment,
		t.ID,
		string(t.From),
		t.ClearTxHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition withdrawal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetTxHash records the signed transaction hash before broadcast
func (r *WithdrawalRepository) SetTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	query := `
		UPDATE withdrawals
		SET chain_tx_hash = $1, updated_at = $2
		WHERE id = $3 AND status = 'PROCESSING'
	`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, txHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal tx hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("withdrawal %s is no longer processing", id)
	}
	return nil
}

// SumUsage returns the amount a user has committed to withdrawals of a token
// since the given instant. Rejected and permanently failed withdrawals do not count.
func (r *WithdrawalRepository) SumUsage(ctx context.Context, userID uuid.UUID, tokenSymbol string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM withdrawals
		WHERE user_id = $1
		  AND token_symbol = $2
		  AND created_at >= $3
		  AND status <> 'REJECTED'
		  AND NOT (status = 'FAILED' AND failure_type = 'PERMANENT')
	`

	var total decimal.Decimal
	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, userID, tokenSymbol, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum withdrawal usage: %w", err)
	}
	return total, nil
}
