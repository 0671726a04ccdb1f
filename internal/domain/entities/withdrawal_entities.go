package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle state of a withdrawal
type WithdrawalStatus string

const (
	WithdrawalStatusPendingApproval WithdrawalStatus = "PENDING_APPROVAL"
	WithdrawalStatusApproved        WithdrawalStatus = "APPROVED"
	WithdrawalStatusProcessing      WithdrawalStatus = "PROCESSING"
	WithdrawalStatusCompleted       WithdrawalStatus = "COMPLETED"
	WithdrawalStatusRejected        WithdrawalStatus = "REJECTED"
	WithdrawalStatusFailed          WithdrawalStatus = "FAILED"
)

// withdrawalTransitions lists every permitted edge of the state machine
var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalStatusPendingApproval: {WithdrawalStatusApproved, WithdrawalStatusRejected},
	WithdrawalStatusApproved:        {WithdrawalStatusProcessing},
	WithdrawalStatusProcessing:      {WithdrawalStatusCompleted, WithdrawalStatusFailed},
	WithdrawalStatusFailed:          {WithdrawalStatusProcessing},
}

// CanTransitionTo reports whether from -> to is an edge of the state machine
func (s WithdrawalStatus) CanTransitionTo(to WithdrawalStatus) bool {
	for _, next := range withdrawalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status
func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalStatusPendingApproval, WithdrawalStatusApproved, WithdrawalStatusProcessing,
		WithdrawalStatusCompleted, WithdrawalStatusRejected, WithdrawalStatusFailed:
		return true
	}
	return false
}

// FailureType classifies an on-chain settlement failure
type FailureType string

const (
	FailureTypeRecoverable FailureType = "RECOVERABLE"
	FailureTypePermanent   FailureType = "PERMANENT"
)

// Withdrawal is a user's request to move funds off-platform
type Withdrawal struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	UserID             uuid.UUID        `json:"user_id" db:"user_id"`
	TokenSymbol        string           `json:"token_symbol" db:"token_symbol"`
	TokenAddress       string           `json:"token_address,omitempty" db:"token_address"`
	Amount             decimal.Decimal  `json:"amount" db:"amount"`
	Fee                decimal.Decimal  `json:"fee" db:"fee"`
	DestinationAddress string           `json:"destination_address" db:"destination_address"`
	Status             WithdrawalStatus `json:"status" db:"status"`
	ChainTxHash        *string          `json:"chain_tx_hash,omitempty" db:"chain_tx_hash"`
	ApprovedAt         *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy         *string          `json:"approved_by,omitempty" db:"approved_by"`
	RejectedReason     *string          `json:"rejected_reason,omitempty" db:"rejected_reason"`
	RejectedBy         *string          `json:"rejected_by,omitempty" db:"rejected_by"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	FailureType        *FailureType     `json:"failure_type,omitempty" db:"failure_type"`
	ErrorMessage       *string          `json:"error_message,omitempty" db:"error_message"`
	RetryCount         int              `json:"retry_count" db:"retry_count"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// Total is the amount held against the user's balance
func (w *Withdrawal) Total() decimal.Decimal {
	return w.Amount.Add(w.Fee)
}

// Token returns the withdrawn token; decimals come from the token registry
func (w *Withdrawal) Token(decimals int32) Token {
	return Token{Symbol: w.TokenSymbol, Address: w.TokenAddress, Decimals: decimals}
}

// IsTerminal reports whether no further transition will ever happen
func (w *Withdrawal) IsTerminal() bool {
	switch w.Status {
	case WithdrawalStatusCompleted, WithdrawalStatusRejected:
		return true
	case WithdrawalStatusFailed:
		return !w.CanRetry()
	}
	return false
}

// CanRetry reports whether an admin retry is permitted
func (w *Withdrawal) CanRetry() bool {
	return w.Status == WithdrawalStatusFailed &&
		(w.FailureType == nil || *w.FailureType != FailureTypePermanent)
}

// CreateWithdrawalRequest is the user input for a new withdrawal
type CreateWithdrawalRequest struct {
	UserID             uuid.UUID       `json:"-"`
	TokenSymbol        string          `json:"token_symbol" validate:"required,max=16"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address" validate:"required,max=128"`
}

// RejectWithdrawalRequest carries the admin's reason
type RejectWithdrawalRequest struct {
	Reason string `json:"reason"`
}

// WithdrawalTransition is an optimistic status change.
// The update applies only while the row is still in From.
type WithdrawalTransition struct {
	ID             uuid.UUID
	From           WithdrawalStatus
	To             WithdrawalStatus
	ChainTxHash    *string
	ClearTxHash    bool
	ApprovedBy     *string
	RejectedReason *string
	RejectedBy     *string
	FailureType    *FailureType
	ErrorMessage   *string
	IncrementRetry bool
	At             time.Time
}

// LimitCheckResult contains the result of a limit check
type LimitCheckResult struct {
	Allowed           bool            `json:"allowed"`
	Reason            string          `json:"reason,omitempty"`
	CurrentUsage      decimal.Decimal `json:"current_usage"`
	Limit             decimal.Decimal `json:"limit"`
	RemainingCapacity decimal.Decimal `json:"remaining_capacity"`
	ResetsAt          time.Time       `json:"resets_at"`
	LimitType         string          `json:"limit_type"` // "daily" or "monthly"
}
