package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
)

// BalanceRepository is the persistence the ledger needs
type BalanceRepository interface {
	Get(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error)
	GetForUpdate(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error)
	CreateIfMissing(ctx context.Context, balance *entities.Balance) error
	Update(ctx context.Context, balance *entities.Balance) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error)
}

// EventPublisher receives balance change events once they are durable
type EventPublisher interface {
	Publish(ctx context.Context, event *entities.BalanceChangedEvent) error
}

// Service is the only writer of balance rows. Each mutation locks exactly
// one (user, token) row, so different rows never contend.
type Service struct {
	repo      BalanceRepository
	tx        database.Transactor
	publisher EventPublisher
	logger    *logger.Logger
}

// NewService creates a new ledger service
func NewService(
	repo BalanceRepository,
	tx database.Transactor,
	publisher EventPublisher,
	logger *logger.Logger,
) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		publisher: publisher,
		logger:    logger,
	}
}

// Credit adds amount to available
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error) {
	return s.Apply(ctx, entities.BalanceMutation{
		UserID: userID, Token: token, Op: entities.LedgerOpCredit,
		Amount: amount, Reason: reason, ReferenceID: referenceID,
	})
}

// Debit removes amount from available
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error) {
	return s.Apply(ctx, entities.BalanceMutation{
		UserID: userID, Token: token, Op: entities.LedgerOpDebit,
		Amount: amount, Reason: reason, ReferenceID: referenceID,
	})
}

// Lock moves amount from available to locked
func (s *Service) Lock(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error) {
	return s.Apply(ctx, entities.BalanceMutation{
		UserID: userID, Token: token, Op: entities.LedgerOpLock,
		Amount: amount, Reason: reason, ReferenceID: referenceID,
	})
}

// Unlock moves amount from locked back to available
func (s *Service) Unlock(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error) {
	return s.Apply(ctx, entities.BalanceMutation{
		UserID: userID, Token: token, Op: entities.LedgerOpUnlock,
		Amount: amount, Reason: reason, ReferenceID: referenceID,
	})
}

// Settle removes amount from locked permanently
func (s *Service) Settle(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error) {
	return s.Apply(ctx, entities.BalanceMutation{
		UserID: userID, Token: token, Op: entities.LedgerOpSettle,
		Amount: amount, Reason: reason, ReferenceID: referenceID,
	})
}

// Apply performs one mutation atomically. It joins the transaction on ctx
// if there is one; the change event is published after that commit.
func (s *Service) Apply(ctx context.Context, m entities.BalanceMutation) (*entities.Balance, error) {
	if !m.Amount.IsPositive() {
		metrics.LedgerMutationsTotal.WithLabelValues(string(m.Op), "rejected").Inc()
		return nil, entities.ErrInvalidAmount
	}

	var result *entities.Balance
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		balance, err := s.lockRow(ctx, m)
		if err != nil {
			return err
		}

		availableDelta, lockedDelta, err := balance.Apply(m.Op, m.Amount)
		if err != nil {
			return err
		}
		if err := s.repo.Update(ctx, balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		event := &entities.BalanceChangedEvent{
			EventID:      uuid.New(),
			UserID:       m.UserID,
			TokenSymbol:  m.Token.Symbol,
			TokenAddress: m.Token.Address,
			Op:           m.Op,
			Amount:       m.Amount,
			Delta:        availableDelta,
			LockedDelta:  lockedDelta,
			NewAvailable: balance.Available,
			NewLocked:    balance.Locked,
			Reason:       m.Reason,
			ReferenceID:  m.ReferenceID,
			OccurredAt:   time.Now().UTC(),
		}
		database.AfterCommit(ctx, func() { s.publish(event) })

		result = balance
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, entities.ErrInsufficientAvailableBalance) || errors.Is(err, entities.ErrInsufficientLockedBalance) {
			outcome = "rejected"
		}
		metrics.LedgerMutationsTotal.WithLabelValues(string(m.Op), outcome).Inc()
		return nil, err
	}

	metrics.LedgerMutationsTotal.WithLabelValues(string(m.Op), "applied").Inc()
	s.logger.Debug("Balance mutated",
		"user_id", m.UserID,
		"token", m.Token.Symbol,
		"op", m.Op,
		"amount", m.Amount.String(),
		"reason", m.Reason)
	return result, nil
}

// lockRow returns the row under a row lock. Credits create a missing row;
// other ops see a zero balance, which then fails the sufficiency check.
func (s *Service) lockRow(ctx context.Context, m entities.BalanceMutation) (*entities.Balance, error) {
	balance, err := s.repo.GetForUpdate(ctx, m.UserID, m.Token)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if balance != nil {
		return balance, nil
	}
	if m.Op != entities.LedgerOpCredit {
		return entities.NewBalance(m.UserID, m.Token), nil
	}

	if err := s.repo.CreateIfMissing(ctx, entities.NewBalance(m.UserID, m.Token)); err != nil {
		return nil, err
	}
	balance, err = s.repo.GetForUpdate(ctx, m.UserID, m.Token)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if balance == nil {
		return nil, fmt.Errorf("balance row for user %s token %s vanished after create", m.UserID, m.Token.Symbol)
	}
	return balance, nil
}

func (s *Service) publish(event *entities.BalanceChangedEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.Background(), event); err != nil {
		s.logger.Warn("Failed to hand off balance event", "error", err, "event_id", event.EventID)
	}
}

// GetBalance returns the balance of (user, token); a missing row is zero
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error) {
	balance, err := s.repo.Get(ctx, userID, token)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if balance == nil {
		return entities.NewBalance(userID, token), nil
	}
	return balance, nil
}

// ListBalances returns all balances held by a user
func (s *Service) ListBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	balances, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	if balances == nil {
		balances = []*entities.Balance{}
	}
	return balances, nil
}
