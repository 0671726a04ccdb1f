package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
)

// Ledger failures. Each leaves the balance untouched.
var (
	ErrInvalidAmount = apperrors.ValidationError(apperrors.CodeInvalidAmount, "amount",
		"amount must be greater than zero")
	ErrInsufficientAvailableBalance = apperrors.New(apperrors.ErrConflict,
		apperrors.CodeInsufficientAvailableBalance, "insufficient available balance")
	ErrInsufficientLockedBalance = apperrors.New(apperrors.ErrConflict,
		apperrors.CodeInsufficientLockedBalance, "insufficient locked balance")
)

// NativeTokenAddress is the sentinel address used for the chain's gas currency
const NativeTokenAddress = ""

// Token identifies an asset on the settlement chain
type Token struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Address  string `json:"address,omitempty" mapstructure:"address"`
	Decimals int32  `json:"decimals" mapstructure:"decimals"`
}

// IsNative reports whether the token is the chain's gas currency
func (t Token) IsNative() bool {
	return t.Address == NativeTokenAddress
}

// ToBaseUnits converts a human amount into integer base units as a decimal
func (t Token) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(t.Decimals).Truncate(0)
}

// FromBaseUnits converts integer base units into a human amount
func (t Token) FromBaseUnits(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-t.Decimals)
}

// NormalizeAddress lower-cases a hex address and maps the zero address to native
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" || addr == "0x0000000000000000000000000000000000000000" ||
		addr == "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee" {
		return NativeTokenAddress
	}
	return addr
}

// LedgerOp names a balance mutation
type LedgerOp string

const (
	LedgerOpCredit LedgerOp = "credit"
	LedgerOpDebit  LedgerOp = "debit"
	LedgerOpLock   LedgerOp = "lock"
	LedgerOpUnlock LedgerOp = "unlock"
	// LedgerOpSettle removes locked funds permanently (unlock followed by debit)
	LedgerOpSettle LedgerOp = "settle"
)

// Balance is one user's holding of one token
type Balance struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	UserID       uuid.UUID       `json:"user_id" db:"user_id"`
	TokenSymbol  string          `json:"token_symbol" db:"token_symbol"`
	TokenAddress string          `json:"token_address,omitempty" db:"token_address"`
	Available    decimal.Decimal `json:"available" db:"available"`
	Locked       decimal.Decimal `json:"locked" db:"locked"`
	Version      int64           `json:"-" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// NewBalance returns an empty balance for (user, token)
func NewBalance(userID uuid.UUID, token Token) *Balance {
	now := time.Now().UTC()
	return &Balance{
		ID:           uuid.New(),
		UserID:       userID,
		TokenSymbol:  token.Symbol,
		TokenAddress: token.Address,
		Available:    decimal.Zero,
		Locked:       decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Total is available + locked
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Apply performs op in memory. On error the balance is unchanged.
// It returns the signed change to available and to locked.
func (b *Balance) Apply(op LedgerOp, amount decimal.Decimal) (availableDelta, lockedDelta decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	switch op {
	case LedgerOpCredit:
		availableDelta = amount
	case LedgerOpDebit:
		if b.Available.LessThan(amount) {
			return decimal.Zero, decimal.Zero, ErrInsufficientAvailableBalance
		}
		availableDelta = amount.Neg()
	case LedgerOpLock:
		if b.Available.LessThan(amount) {
			return decimal.Zero, decimal.Zero, ErrInsufficientAvailableBalance
		}
		availableDelta, lockedDelta = amount.Neg(), amount
	case LedgerOpUnlock:
		if b.Locked.LessThan(amount) {
			return decimal.Zero, decimal.Zero, ErrInsufficientLockedBalance
		}
		availableDelta, lockedDelta = amount, amount.Neg()
	case LedgerOpSettle:
		if b.Locked.LessThan(amount) {
			return decimal.Zero, decimal.Zero, ErrInsufficientLockedBalance
		}
		lockedDelta = amount.Neg()
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown ledger op %q", op)
	}

	b.Available = b.Available.Add(availableDelta)
	b.Locked = b.Locked.Add(lockedDelta)
	b.UpdatedAt = time.Now().UTC()
	return availableDelta, lockedDelta, nil
}

// BalanceMutation is a request to change one balance row
type BalanceMutation struct {
	UserID      uuid.UUID
	Token       Token
	Op          LedgerOp
	Amount      decimal.Decimal
	Reason      string
	ReferenceID string
}

// BalanceChangedEvent is emitted after every successful mutation
type BalanceChangedEvent struct {
	EventID      uuid.UUID       `json:"event_id"`
	UserID       uuid.UUID       `json:"user_id"`
	TokenSymbol  string          `json:"token_symbol"`
	TokenAddress string          `json:"token_address,omitempty"`
	Op           LedgerOp        `json:"op"`
	Amount       decimal.Decimal `json:"amount"`
	Delta        decimal.Decimal `json:"delta"`
	LockedDelta  decimal.Decimal `json:"locked_delta"`
	NewAvailable decimal.Decimal `json:"new_available"`
	NewLocked    decimal.Decimal `json:"new_locked"`
	Reason       string          `json:"reason"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Balance change reasons
const (
	ReasonDeposit            = "deposit"
	ReasonWithdrawalHold     = "withdrawal_hold"
	ReasonWithdrawalRejected = "withdrawal_rejected"
	ReasonWithdrawalSettled  = "withdrawal_settled"
)
