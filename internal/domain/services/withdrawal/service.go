package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/custody"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
)

const maxReasonLength = 500

// Repository persists withdrawals. Transition is the only way status changes.
type Repository interface {
	Create(ctx context.Context, w *entities.Withdrawal) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error)
	ListByStatus(ctx context.Context, status entities.WithdrawalStatus, limit, offset int) ([]*entities.Withdrawal, error)
	ListStale(ctx context.Context, status entities.WithdrawalStatus, cutoff time.Time, limit int) ([]*entities.Withdrawal, error)
	Transition(ctx context.Context, t entities.WithdrawalTransition) (bool, error)
	SetTxHash(ctx context.Context, id uuid.UUID, txHash string) error
}

// Ledger is the hold side of the balance ledger
type Ledger interface {
	Lock(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error)
	Unlock(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error)
	Settle(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error)
	GetBalance(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error)
}

// LimitChecker enforces per-user withdrawal windows
type LimitChecker interface {
	ValidateWithdrawal(ctx context.Context, userID uuid.UUID, tokenSymbol string, amount decimal.Decimal) (*entities.LimitCheckResult, error)
}

// Dispatcher hands a withdrawal id to the payout worker
type Dispatcher interface {
	Dispatch(id uuid.UUID)
}

// PayoutWallet signs, broadcasts and tracks outgoing transfers
type PayoutWallet interface {
	Transfer(ctx context.Context, req chain.TransferRequest) (string, error)
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)
	WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// SignerSource provides the collection wallet key
type SignerSource interface {
	Load(ctx context.Context) (*custody.Signer, error)
}

// Config tunes payout recovery
type Config struct {
	StaleAfter    time.Duration
	RecoveryBatch int
}

// Service runs the withdrawal state machine
type Service struct {
	cfg        Config
	repo       Repository
	ledger     Ledger
	limits     LimitChecker
	tx         database.Transactor
	registry   *tokens.Registry
	fees       FeeSchedule
	wallet     PayoutWallet
	signer     SignerSource
	dispatcher Dispatcher
	logger     *logger.Logger
	nowFn      func() time.Time
}

// errStatusChanged rolls back a transaction whose status guard missed
var errStatusChanged = errors.New("withdrawal status changed concurrently")

// NewService creates a new withdrawal service
func NewService(
	cfg Config,
	repo Repository,
	ledger Ledger,
	limits LimitChecker,
	tx database.Transactor,
	registry *tokens.Registry,
	fees FeeSchedule,
	wallet PayoutWallet,
	signer SignerSource,
	logger *logger.Logger,
) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 100
	}
	return &Service{
		cfg:      cfg,
		repo:     repo,
		ledger:   ledger,
		limits:   limits,
		tx:       tx,
		registry: registry,
		fees:     fees,
		wallet:   wallet,
		signer:   signer,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires the payout worker. The worker depends on the service,
// so it is attached after construction.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func notFound() error {
	return apperrors.NotFoundError("WITHDRAWAL")
}

// Quote returns the fee and total hold for a prospective withdrawal
func (s *Service) Quote(tokenSymbol string, amount decimal.Decimal) (entities.Token, decimal.Decimal, error) {
	token, ok := s.registry.BySymbol(tokenSymbol)
	if !ok {
		return entities.Token{}, decimal.Zero, apperrors.ValidationError(apperrors.CodeUnknownToken, "token_symbol",
			fmt.Sprintf("unknown token %q", tokenSymbol))
	}
	if !amount.IsPositive() {
		return token, decimal.Zero, entities.ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(token.Decimals)) {
		return token, decimal.Zero, apperrors.ValidationError(apperrors.CodeInvalidAmount, "amount",
			fmt.Sprintf("%s supports at most %d decimal places", token.Symbol, token.Decimals))
	}
	return token, s.fees.Fee(token, amount), nil
}

// Create validates a withdrawal request and holds amount + fee against the
// user's available balance.
func (s *Service) Create(ctx context.Context, req *entities.CreateWithdrawalRequest) (*entities.Withdrawal, error) {
	token, fee, err := s.Quote(req.TokenSymbol, req.Amount)
	if err != nil {
		return nil, err
	}

	destination := strings.TrimSpace(req.DestinationAddress)
	if !chain.IsValidAddress(destination) {
		return nil, apperrors.ValidationError(apperrors.CodeInvalidAddress, "destination_address",
			"destination must be a non-zero 20-byte hex address")
	}

	if _, err := s.limits.ValidateWithdrawal(ctx, req.UserID, token.Symbol, req.Amount); err != nil {
		return nil, err
	}

	total := req.Amount.Add(fee)
	balance, err := s.ledger.GetBalance(ctx, req.UserID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Available.LessThan(total) {
		return nil, entities.ErrInsufficientAvailableBalance
	}

	now := s.nowFn()
	w := &entities.Withdrawal{
		ID:                 uuid.New(),
		UserID:             req.UserID,
		TokenSymbol:        token.Symbol,
		TokenAddress:       token.Address,
		Amount:             req.Amount,
		Fee:                fee,
		DestinationAddress: entities.NormalizeAddress(destination),
		Status:             entities.WithdrawalStatusPendingApproval,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ledger.Lock(ctx, w.UserID, token, total, entities.ReasonWithdrawalHold, w.ID.String()); err != nil {
			return err
		}
		return s.repo.Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(w.Status)).Inc()
	s.logger.Info("Withdrawal created",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"token", w.TokenSymbol,
		"amount", w.Amount.String(),
		"fee", w.Fee.String())
	return w, nil
}

// Approve moves a pending withdrawal to APPROVED and dispatches its payout
func (s *Service) Approve(ctx context.Context, id uuid.UUID, adminID string) (*entities.Withdrawal, error) {
	err := s.transition(ctx, entities.WithdrawalTransition{
		ID:         id,
		From:       entities.WithdrawalStatusPendingApproval,
		To:         entities.WithdrawalStatusApproved,
		ApprovedBy: &adminID,
	}, "approve")
	if err != nil {
		return nil, err
	}

	s.logger.Info("Withdrawal approved", "withdrawal_id", id, "admin", adminID)
	s.dispatch(id)
	return s.Get(ctx, id)
}

// Reject refuses a pending withdrawal and releases its hold
func (s *Service) Reject(ctx context.Context, id uuid.UUID, adminID, reason string) (*entities.Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n == 0 || n > maxReasonLength {
		return nil, apperrors.ValidationError(apperrors.CodeInvalidReason, "reason",
			fmt.Sprintf("reason must be between 1 and %d characters", maxReasonLength))
	}

	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Transition(ctx, entities.WithdrawalTransition{
			ID:             id,
			From:           entities.WithdrawalStatusPendingApproval,
			To:             entities.WithdrawalStatusRejected,
			RejectedReason: &reason,
			RejectedBy:     &adminID,
			At:             s.nowFn(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStatusChanged
		}
		_, err = s.ledger.Unlock(ctx, w.UserID, s.ledgerToken(w), w.Total(), entities.ReasonWithdrawalRejected, w.ID.String())
		return err
	})
	if errors.Is(err, errStatusChanged) {
		return nil, s.invalidStatus(ctx, id, "reject")
	}
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.WithdrawalStatusRejected)).Inc()
	s.logger.Info("Withdrawal rejected", "withdrawal_id", id, "admin", adminID, "reason", reason)
	return s.Get(ctx, id)
}

// Retry re-dispatches a recoverably failed withdrawal
func (s *Service) Retry(ctx context.Context, id uuid.UUID, adminID string) (*entities.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != entities.WithdrawalStatusFailed {
		return nil, apperrors.InvalidStatusError("withdrawal", string(w.Status), "retry")
	}
	if !w.CanRetry() {
		return nil, apperrors.ConflictError(apperrors.CodeRetryNotAllowed,
			"withdrawal failed permanently and cannot be retried")
	}

	err = s.transition(ctx, entities.WithdrawalTransition{
		ID:             id,
		From:           entities.WithdrawalStatusFailed,
		To:             entities.WithdrawalStatusProcessing,
		IncrementRetry: true,
	}, "retry")
	if err != nil {
		return nil, err
	}

	s.logger.Info("Withdrawal retry requested", "withdrawal_id", id, "admin", adminID, "retry_count", w.RetryCount+1)
	s.dispatch(id)
	return s.Get(ctx, id)
}

// Get returns a withdrawal or WITHDRAWAL_NOT_FOUND
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, notFound()
	}
	return w, nil
}

// GetForUser returns a withdrawal only to its owner
func (s *Service) GetForUser(ctx context.Context, userID, id uuid.UUID) (*entities.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, notFound()
	}
	return w, nil
}

// ListByUser returns a user's withdrawals, newest first
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	out, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*entities.Withdrawal{}
	}
	return out, nil
}

// ListByStatus returns withdrawals in one status, oldest first
func (s *Service) ListByStatus(ctx context.Context, status entities.WithdrawalStatus, limit, offset int) ([]*entities.Withdrawal, error) {
	if !status.Valid() {
		return nil, apperrors.ValidationError(apperrors.CodeValidation, "status",
			fmt.Sprintf("unknown withdrawal status %q", status))
	}
	out, err := s.repo.ListByStatus(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*entities.Withdrawal{}
	}
	return out, nil
}

// transition applies a guarded status change outside any ledger mutation
func (s *Service) transition(ctx context.Context, t entities.WithdrawalTransition, action string) error {
	if t.At.IsZero() {
		t.At = s.nowFn()
	}
	ok, err := s.repo.Transition(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidStatus(ctx, t.ID, action)
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(t.To)).Inc()
	return nil
}

// invalidStatus re-reads the row so the error names the state that won
func (s *Service) invalidStatus(ctx context.Context, id uuid.UUID, action string) error {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return notFound()
	}
	return apperrors.InvalidStatusError("withdrawal", string(w.Status), action)
}

func (s *Service) dispatch(id uuid.UUID) {
	if s.dispatcher == nil {
		s.logger.Warn("No payout dispatcher; withdrawal waits for recovery", "withdrawal_id", id)
		return
	}
	s.dispatcher.Dispatch(id)
}

// ledgerToken identifies the balance row a withdrawal holds against.
// Rows are keyed by symbol and address; decimals only matter on chain.
func (s *Service) ledgerToken(w *entities.Withdrawal) entities.Token {
	if token, ok := s.registry.BySymbol(w.TokenSymbol); ok && token.Address == w.TokenAddress {
		return token
	}
	return w.Token(0)
}
