package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
)

// ErrDepositEventConflict is returned when a deposit event collides with an
// already recorded transfer on a secondary unique index.
var ErrDepositEventConflict = errors.New("deposit event already recorded")

// DepositAddressRepository stores the user -> chain address assignments
type DepositAddressRepository struct {
	db *sqlx.DB
}

// NewDepositAddressRepository creates a new deposit address repository
func NewDepositAddressRepository(db *sqlx.DB) *DepositAddressRepository {
	return &DepositAddressRepository{db: db}
}

const depositAddressColumns = `id, user_id, address, derivation_index, status, created_at`

// GetByAddress resolves a deposit address to its owner. Returns (nil, nil) if unknown.
func (r *DepositAddressRepository) GetByAddress(ctx context.Context, address string) (*entities.DepositAddress, error) {
	query := `SELECT ` + depositAddressColumns + ` FROM deposit_addresses WHERE address = $1`

	var addr entities.DepositAddress
	err := database.Conn(ctx, r.db).GetContext(ctx, &addr, query, strings.ToLower(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit address: %w", err)
	}
	return &addr, nil
}

// GetActiveByUser returns the user's active address. Returns (nil, nil) if none.
func (r *DepositAddressRepository) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	query := `SELECT ` + depositAddressColumns + `
		FROM deposit_addresses
		WHERE user_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at ASC
		LIMIT 1`

	var addr entities.DepositAddress
	err := database.Conn(ctx, r.db).GetContext(ctx, &addr, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user deposit address: %w", err)
	}
	return &addr, nil
}

// ListActive returns every active address, oldest first
func (r *DepositAddressRepository) ListActive(ctx context.Context) ([]*entities.DepositAddress, error) {
	query := `SELECT ` + depositAddressColumns + `
		FROM deposit_addresses
		WHERE status = 'ACTIVE'
		ORDER BY derivation_index ASC`

	var addrs []*entities.DepositAddress
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &addrs, query); err != nil {
		return nil, fmt.Errorf("failed to list deposit addresses: %w", err)
	}
	return addrs, nil
}

// NextDerivationIndex returns the next unused BIP-32 index
func (r *DepositAddressRepository) NextDerivationIndex(ctx context.Context) (int64, error) {
	var next int64
	query := `SELECT COALESCE(MAX(derivation_index) + 1, 0) FROM deposit_addresses`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &next, query); err != nil {
		return 0, fmt.Errorf("failed to get next derivation index: %w", err)
	}
	return next, nil
}

// Create stores a new address assignment
func (r *DepositAddressRepository) Create(ctx context.Context, addr *entities.DepositAddress) error {
	query := `
		INSERT INTO deposit_addresses (id, user_id, address, derivation_index, status, created_at)
		VALUES (:id, :user_id, :address, :derivation_index, :status, :created_at)`

	addr.Address = strings.ToLower(addr.Address)
	if _, err := database.Conn(ctx, r.db).NamedExecContext(ctx, query, addr); err != nil {
		return fmt.Errorf("failed to create deposit address: %w", err)
	}
	return nil
}

// DepositEventRepository stores observed inbound transfers
type DepositEventRepository struct {
	db *sqlx.DB
}

// NewDepositEventRepository creates a new deposit event repository
func NewDepositEventRepository(db *sqlx.DB) *DepositEventRepository {
	return &DepositEventRepository{db: db}
}

const depositEventColumns = `id, dedup_key, external_event_id, user_id, deposit_address, token_symbol,
	token_address, amount, tx_hash, log_index, block_number, status, created_at, updated_at`

// RecordPending stores an unconfirmed transfer. An existing row is left untouched.
func (r *DepositEventRepository) RecordPending(ctx context.Context, event *entities.DepositEvent) error {
	event.Status = entities.DepositEventPending
	query := `
		INSERT INTO deposit_events (` + depositEventColumns + `)
		VALUES (:id, :dedup_key, :external_event_id, :user_id, :deposit_address, :token_symbol,
			:token_address, :amount, :tx_hash, :log_index, :block_number, :status, :created_at, :updated_at)
		ON CONFLICT DO NOTHING`

	if _, err := database.Conn(ctx, r.db).NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("failed to record pending deposit event: %w", err)
	}
	return nil
}

// RecordConfirmed inserts the event as CONFIRMED, or promotes an existing
// PENDING row. It returns false when the transfer was already confirmed,
// which callers treat as already credited.
func (r *DepositEventRepository) RecordConfirmed(ctx context.Context, event *entities.DepositEvent) (bool, error) {
	event.Status = entities.DepositEventConfirmed
	query := `
		INSERT INTO deposit_events (` + depositEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dedup_key) DO UPDATE
			SET status = 'CONFIRMED', updated_at = EXCLUDED.updated_at
			WHERE deposit_events.status = 'PENDING'
		RETURNING id`

	err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query,
		event.ID, event.DedupKey, event.ExternalEventID, event.UserID, event.DepositAddress,
		event.TokenSymbol, event.TokenAddress, event.Amount, event.TxHash, event.LogIndex,
		event.BlockNumber, event.Status, event.CreatedAt, event.UpdatedAt,
	).Scan(&event.ID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case database.IsUniqueViolation(err):
		return false, ErrDepositEventConflict
	case err != nil:
		return false, fmt.Errorf("failed to record deposit event: %w", err)
	}
	return true, nil
}

// GetByDedupKey returns (nil, nil) when no event has the key
func (r *DepositEventRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*entities.DepositEvent, error) {
	query := `SELECT ` + depositEventColumns + ` FROM deposit_events WHERE dedup_key = $1`

	var event entities.DepositEvent
	err := database.Conn(ctx, r.db).GetContext(ctx, &event, query, dedupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit event: %w", err)
	}
	return &event, nil
}

// MarkSentToCollection advances every confirmed event of an address for the given token
func (r *DepositEventRepository) MarkSentToCollection(ctx context.Context, address string, token entities.Token) (int64, error) {
	query := `
		UPDATE deposit_events
		SET status = 'SENT_TO_COLLECTION', updated_at = $1
		WHERE deposit_address = $2 AND token_symbol = $3 AND token_address = $4 AND status = 'CONFIRMED'`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		time.Now().UTC(), strings.ToLower(address), token.Symbol, token.Address)
	if err != nil {
		return 0, fmt.Errorf("failed to mark deposit events collected: %w", err)
	}
	return result.RowsAffected()
}

// CountPendingOlderThan counts unconfirmed transfers first seen before cutoff
func (r *DepositEventRepository) CountPendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM deposit_events WHERE status = 'PENDING' AND created_at < $1`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &count, query, cutoff); err != nil {
		return 0, fmt.Errorf("failed to count pending deposit events: %w", err)
	}
	return count, nil
}
