package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/pkg/idempotency"
)

// IdempotencyRepository stores replayable responses of state-changing requests
type IdempotencyRepository struct {
	db *sqlx.DB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns an unexpired record, or (nil, nil)
func (r *IdempotencyRepository) Get(ctx context.Context, scope, key string) (*idempotency.Record, error) {
	query := `
		SELECT scope, idempotency_key, request_path, request_hash, response_status,
		       response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE scope = $1 AND idempotency_key = $2 AND expires_at > NOW()`

	var record idempotency.Record
	err := database.Conn(ctx, r.db).GetContext(ctx, &record, query, scope, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &record, nil
}

// Create stores a record. A concurrent duplicate keeps the first response.
func (r *IdempotencyRepository) Create(ctx context.Context, record *idempotency.Record) error {
	query := `
		INSERT INTO idempotency_keys (
			scope, idempotency_key, request_path, request_hash, response_status,
			response_body, created_at, expires_at
		) VALUES (
			:scope, :idempotency_key, :request_path, :request_hash, :response_status,
			:response_body, :created_at, :expires_at
		)
		ON CONFLICT (scope, idempotency_key) DO NOTHING`

	if _, err := database.Conn(ctx, r.db).NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to create idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired removes expired records
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return result.RowsAffected()
}
