package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
)

// CollectionRepository stores the collection wallet and sweep history
type CollectionRepository struct {
	db *sqlx.DB
}

// NewCollectionRepository creates a new collection repository
func NewCollectionRepository(db *sqlx.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

// GetWallet returns the collection wallet, or (nil, nil) when none is configured
func (r *CollectionRepository) GetWallet(ctx context.Context) (*entities.CollectionWallet, error) {
	query := `SELECT id, address, encrypted_private_key, created_at FROM collection_wallet LIMIT 1`

	var wallet entities.CollectionWallet
	err := database.Conn(ctx, r.db).GetContext(ctx, &wallet, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection wallet: %w", err)
	}
	return &wallet, nil
}

// SaveWallet creates or replaces the singleton collection wallet
func (r *CollectionRepository) SaveWallet(ctx context.Context, wallet *entities.CollectionWallet) error {
	query := `
		INSERT INTO collection_wallet (id, address, encrypted_private_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (singleton) DO UPDATE
			SET address = EXCLUDED.address,
				encrypted_private_key = EXCLUDED.encrypted_private_key`

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		wallet.ID, wallet.Address, wallet.EncryptedPrivateKey, wallet.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save collection wallet: %w", err)
	}
	return nil
}

// CreateRecord appends a sweep record
func (r *CollectionRepository) CreateRecord(ctx context.Context, record *entities.BatchCollectRecord) error {
	query := `
		INSERT INTO batch_collect_records (
			id, created_at, token_symbol, total_collected, addresses_count, succeeded_count,
			failed_count, status, tx_hashes, executed_by, error_message, duration_ms
		) VALUES (
			:id, :created_at, :token_symbol, :total_collected, :addresses_count, :succeeded_count,
			:failed_count, :status, :tx_hashes, :executed_by, :error_message, :duration_ms
		)`

	if record.TxHashes == nil {
		record.TxHashes = []string{}
	}
	if _, err := database.Conn(ctx, r.db).NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to create batch collect record: %w", err)
	}
	return nil
}

// ListRecords returns sweep records, newest first
func (r *CollectionRepository) ListRecords(ctx context.Context, limit, offset int) ([]*entities.BatchCollectRecord, error) {
	query := `
		SELECT id, created_at, token_symbol, total_collected, addresses_count, succeeded_count,
			failed_count, status, tx_hashes, executed_by, error_message, duration_ms
		FROM batch_collect_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	var records []*entities.BatchCollectRecord
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &records, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list batch collect records: %w", err)
	}
	return records, nil
}
