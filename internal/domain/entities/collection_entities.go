package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// CollectionWallet is the single operator wallet that receives swept funds
// and pays out withdrawals.
type CollectionWallet struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	Address             string    `json:"address" db:"address"`
	EncryptedPrivateKey string    `json:"-" db:"encrypted_private_key"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// BatchCollectStatus is the outcome of a sweep run
type BatchCollectStatus string

const (
	BatchCollectCompleted BatchCollectStatus = "COMPLETED"
	BatchCollectPartial   BatchCollectStatus = "PARTIAL"
	BatchCollectFailed    BatchCollectStatus = "FAILED"
)

// BatchCollectRecord is the append-only audit entry of one sweep
type BatchCollectRecord struct {
	ID             uuid.UUID          `json:"id" db:"id"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	TokenSymbol    string             `json:"token_symbol" db:"token_symbol"`
	TotalCollected decimal.Decimal    `json:"total_collected" db:"total_collected"`
	AddressesCount int                `json:"addresses_count" db:"addresses_count"`
	SucceededCount int                `json:"succeeded_count" db:"succeeded_count"`
	FailedCount    int                `json:"failed_count" db:"failed_count"`
	Status         BatchCollectStatus `json:"status" db:"status"`
	TxHashes       pq.StringArray     `json:"tx_hashes" db:"tx_hashes"`
	ExecutedBy     string             `json:"executed_by" db:"executed_by"`
	ErrorMessage   *string            `json:"error_message,omitempty" db:"error_message"`
	DurationMs     int64              `json:"duration_ms" db:"duration_ms"`
}

// SweepPhase is the current stage of a running sweep
type SweepPhase string

const (
	SweepPhaseIdle            SweepPhase = "idle"
	SweepPhasePreparing       SweepPhase = "preparing"
	SweepPhaseGasDistribution SweepPhase = "gas_distribution"
	SweepPhaseTokenCollection SweepPhase = "token_collection"
	SweepPhaseGasRecovery     SweepPhase = "gas_recovery"
	SweepPhaseDone            SweepPhase = "done"
)

// SweepProgress is an observable snapshot of the current or last sweep
type SweepProgress struct {
	RunID      *uuid.UUID         `json:"run_id,omitempty"`
	Token      string             `json:"token,omitempty"`
	Phase      SweepPhase         `json:"phase"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Running    bool               `json:"running"`
	ExecutedBy string             `json:"executed_by,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Status     BatchCollectStatus `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// CollectCandidate is a deposit address holding a sweepable balance
type CollectCandidate struct {
	Address       string          `json:"address"`
	UserID        uuid.UUID       `json:"user_id"`
	TokenBalance  decimal.Decimal `json:"token_balance"`
	NativeBalance decimal.Decimal `json:"native_balance"`
	GasDeficit    decimal.Decimal `json:"gas_deficit"`
}

// CollectPreview describes what a sweep would do right now
type CollectPreview struct {
	Token                   string             `json:"token"`
	CollectionAddress       string             `json:"collection_address"`
	Candidates              []CollectCandidate `json:"candidates"`
	AddressesCount          int                `json:"addresses_count"`
	TotalTokens             decimal.Decimal    `json:"total_tokens"`
	GasPriceWei             string             `json:"gas_price_wei"`
	PerAddressGas           decimal.Decimal    `json:"per_address_gas"`
	RequiredGas             decimal.Decimal    `json:"required_gas"`
	CollectionNativeBalance decimal.Decimal    `json:"collection_native_balance"`
	Sufficient              bool               `json:"sufficient"`
}
