package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/pkg/logger"
)

const balanceColumns = `id, user_id, token_symbol, token_address, available, locked, version, created_at, updated_at`

// BalanceRepository handles balance persistence operations
type BalanceRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *sqlx.DB, logger *logger.Logger) *BalanceRepository {
	return &BalanceRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves one balance row. Returns (nil, nil) when the row does not exist.
func (r *BalanceRepository) Get(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error) {
	query := `SELECT ` + balanceColumns + `
		FROM balances
		WHERE user_id = $1 AND token_symbol = $2 AND token_address = $3`

	var balance entities.Balance
	err := database.Conn(ctx, r.db).GetContext(ctx, &balance, query, userID, token.Symbol, token.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

// GetForUpdate reads one balance row holding a row lock until the
// surrounding transaction ends. Returns (nil, nil) when the row does not exist.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error) {
	query := `SELECT ` + balanceColumns + `
		FROM balances
		WHERE user_id = $1 AND token_symbol = $2 AND token_address = $3
		FOR UPDATE`

	var balance entities.Balance
	err := database.Conn(ctx, r.db).GetContext(ctx, &balance, query, userID, token.Symbol, token.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return &balance, nil
}

// CreateIfMissing inserts an empty row for (user, token). Concurrent
// creators race on the unique index and the loser is a no-op.
func (r *BalanceRepository) CreateIfMissing(ctx context.Context, balance *entities.Balance) error {
	query := `
		INSERT INTO balances (id, user_id, token_symbol, token_address, available, locked, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $5)
		ON CONFLICT (user_id, token_symbol, token_address) DO NOTHING`

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		balance.ID, balance.UserID, balance.TokenSymbol, balance.TokenAddress, balance.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create balance row", "error", err, "user_id", balance.UserID, "token", balance.TokenSymbol)
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return nil
}

// Update writes new amounts for a row previously read with GetForUpdate
func (r *BalanceRepository) Update(ctx context.Context, balance *entities.Balance) error {
	query := `
		UPDATE balances
		SET available = $1, locked = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		balance.Available, balance.Locked, time.Now().UTC(), balance.ID, balance.Version)
	if err != nil {
		r.logger.Error("Failed to update balance", "error", err, "balance_id", balance.ID)
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("balance %s was modified concurrently", balance.ID)
	}
	balance.Version++
	return nil
}

// ListByUser returns all balance rows of a user ordered by token
func (r *BalanceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	query := `SELECT ` + balanceColumns + `
		FROM balances
		WHERE user_id = $1
		ORDER BY token_symbol, token_address`

	var balances []*entities.Balance
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &balances, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}
