package entities

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositAddressStatus marks whether an address is swept and accepts deposits
type DepositAddressStatus string

const (
	DepositAddressActive   DepositAddressStatus = "ACTIVE"
	DepositAddressDisabled DepositAddressStatus = "DISABLED"
)

// DepositAddress is a chain address assigned to exactly one user
type DepositAddress struct {
	ID              uuid.UUID            `json:"id" db:"id"`
	UserID          uuid.UUID            `json:"user_id" db:"user_id"`
	Address         string               `json:"address" db:"address"`
	DerivationIndex int64                `json:"derivation_index" db:"derivation_index"`
	Status          DepositAddressStatus `json:"status" db:"status"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
}

// DepositEventStatus tracks an observed transfer
type DepositEventStatus string

const (
	DepositEventPending          DepositEventStatus = "PENDING"
	DepositEventConfirmed        DepositEventStatus = "CONFIRMED"
	DepositEventSentToCollection DepositEventStatus = "SENT_TO_COLLECTION"
)

// DepositEvent is one observed inbound chain transfer. Never deleted.
type DepositEvent struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	DedupKey        string             `json:"dedup_key" db:"dedup_key"`
	ExternalEventID *string            `json:"external_event_id,omitempty" db:"external_event_id"`
	UserID          uuid.UUID          `json:"user_id" db:"user_id"`
	DepositAddress  string             `json:"deposit_address" db:"deposit_address"`
	TokenSymbol     string             `json:"token_symbol" db:"token_symbol"`
	TokenAddress    string             `json:"token_address,omitempty" db:"token_address"`
	Amount          decimal.Decimal    `json:"amount" db:"amount"`
	TxHash          string             `json:"tx_hash" db:"tx_hash"`
	LogIndex        int64              `json:"log_index" db:"log_index"`
	BlockNumber     int64              `json:"block_number" db:"block_number"`
	Status          DepositEventStatus `json:"status" db:"status"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// DepositNotification is the inbound webhook payload of a chain deposit
type DepositNotification struct {
	EventID       string `json:"event_id"`
	ChainID       int64  `json:"chain_id"`
	TxHash        string `json:"tx_hash"`
	LogIndex      int64  `json:"log_index"`
	BlockNumber   int64  `json:"block_number"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	TokenAddress  string `json:"token_address"`
	TokenSymbol   string `json:"token_symbol"`
	TokenDecimals *int32 `json:"token_decimals"`
	Amount        string `json:"amount"`
	RawAmount     string `json:"raw_amount"`
	Confirmed     *bool  `json:"confirmed"`
}

// IsConfirmed treats a missing flag as confirmed
func (n *DepositNotification) IsConfirmed() bool {
	return n.Confirmed == nil || *n.Confirmed
}

// DedupKey is (tx hash, log index) when known, otherwise the provider event id
func (n *DepositNotification) DedupKey() string {
	if n.TxHash != "" {
		return fmt.Sprintf("tx:%s:%d", strings.ToLower(n.TxHash), n.LogIndex)
	}
	if n.EventID != "" {
		return "evt:" + n.EventID
	}
	return ""
}

// DepositNotificationState is the outcome of ingesting a notification
type DepositNotificationState string

const (
	NotificationQueued    DepositNotificationState = "QUEUED"
	NotificationDuplicate DepositNotificationState = "DUPLICATE"
	NotificationPending   DepositNotificationState = "PENDING_CONFIRMATION"
	NotificationIgnored   DepositNotificationState = "IGNORED"
)

// IngestResult is returned to the webhook sender
type IngestResult struct {
	State    DepositNotificationState `json:"state"`
	DedupKey string                   `json:"dedup_key,omitempty"`
	JobID    *uuid.UUID               `json:"job_id,omitempty"`
}

// DepositJobStatus is the persisted state of a queued credit
type DepositJobStatus string

const (
	DepositJobPending    DepositJobStatus = "pending"
	DepositJobProcessing DepositJobStatus = "processing"
	DepositJobCompleted  DepositJobStatus = "completed"
	DepositJobFailed     DepositJobStatus = "failed"
	// DepositJobParked holds jobs that exhausted retries or failed permanently
	DepositJobParked DepositJobStatus = "dlq"
)

// DepositJobErrorType classifies a processing failure
type DepositJobErrorType string

const (
	DepositErrorTransient DepositJobErrorType = "transient"
	DepositErrorPermanent DepositJobErrorType = "permanent"
)

// DepositJob is a verified, deduplicated notification waiting to be credited
type DepositJob struct {
	ID              uuid.UUID            `json:"id" db:"id"`
	DedupKey        string               `json:"dedup_key" db:"dedup_key"`
	ExternalEventID *string              `json:"external_event_id,omitempty" db:"external_event_id"`
	TxHash          string               `json:"tx_hash" db:"tx_hash"`
	LogIndex        int64                `json:"log_index" db:"log_index"`
	BlockNumber     int64                `json:"block_number" db:"block_number"`
	DepositAddress  string               `json:"deposit_address" db:"deposit_address"`
	TokenSymbol     string               `json:"token_symbol" db:"token_symbol"`
	TokenAddress    string               `json:"token_address,omitempty" db:"token_address"`
	TokenDecimals   int32                `json:"token_decimals" db:"token_decimals"`
	Amount          decimal.Decimal      `json:"amount" db:"amount"`
	Payload         json.RawMessage      `json:"payload,omitempty" db:"payload"`
	Status          DepositJobStatus     `json:"status" db:"status"`
	AttemptCount    int                  `json:"attempt_count" db:"attempt_count"`
	MaxAttempts     int                  `json:"max_attempts" db:"max_attempts"`
	LastError       *string              `json:"last_error,omitempty" db:"last_error"`
	ErrorType       *DepositJobErrorType `json:"error_type,omitempty" db:"error_type"`
	NextRetryAt     *time.Time           `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastAttemptAt   *time.Time           `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" db:"updated_at"`
}

// Token returns the resolved token of the job
func (j *DepositJob) Token() Token {
	return Token{Symbol: j.TokenSymbol, Address: j.TokenAddress, Decimals: j.TokenDecimals}
}

// CanRetry reports whether a failed job is still eligible for another attempt
func (j *DepositJob) CanRetry() bool {
	return j.Status == DepositJobFailed && j.AttemptCount < j.MaxAttempts
}

// MarkProcessing records the start of an attempt
func (j *DepositJob) MarkProcessing() {
	now := time.Now().UTC()
	j.Status = DepositJobProcessing
	j.AttemptCount++
	j.LastAttemptAt = &now
	j.UpdatedAt = now
}

// MarkCompleted records a successful credit (or a no-op redelivery)
func (j *DepositJob) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = DepositJobCompleted
	j.CompletedAt = &now
	j.NextRetryAt = nil
	j.UpdatedAt = now
}

// MarkFailed schedules a retry, or parks the job when attempts are used up
// or the error is permanent.
func (j *DepositJob) MarkFailed(err error, errType DepositJobErrorType, retryDelay time.Duration) {
	now := time.Now().UTC()
	msg := err.Error()
	j.LastError = &msg
	j.ErrorType = &errType
	j.UpdatedAt = now

	if errType == DepositErrorPermanent || j.AttemptCount >= j.MaxAttempts {
		j.Status = DepositJobParked
		j.NextRetryAt = nil
		return
	}

	next := now.Add(retryDelay)
	j.Status = DepositJobFailed
	j.NextRetryAt = &next
}

// DepositJobMetrics summarizes the queue
type DepositJobMetrics struct {
	Pending    int `json:"pending" db:"pending"`
	Processing int `json:"processing" db:"processing"`
	Completed  int `json:"completed" db:"completed"`
	Failed     int `json:"failed" db:"failed"`
	Parked     int `json:"parked" db:"parked"`
}
