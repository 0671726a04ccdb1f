package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/pkg/metrics"
	"github.com/custodial/settlement_service/pkg/tracing"
)

const (
	maxErrorMessageLength = 1000
	recordTimeout         = 10 * time.Second
)

// ExecutePayout sends an APPROVED (or retried PROCESSING) withdrawal from
// the collection wallet and settles it once mined.
// Payout failures are recorded on the row and are not returned.
func (s *Service) ExecutePayout(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := tracing.Start(ctx, "withdrawal.payout", attribute.String("withdrawal.id", id.String()))
	defer func() { tracing.End(span, err) }()

	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	switch w.Status {
	case entities.WithdrawalStatusApproved:
		err := s.transition(ctx, entities.WithdrawalTransition{
			ID:   id,
			From: entities.WithdrawalStatusApproved,
			To:   entities.WithdrawalStatusProcessing,
		}, "process")
		if apperrors.HasCode(err, apperrors.CodeInvalidStatus) {
			s.logger.Debug("Withdrawal already picked up", "withdrawal_id", id)
			return nil
		}
		if err != nil {
			return err
		}
		w.Status = entities.WithdrawalStatusProcessing
	case entities.WithdrawalStatusProcessing:
		// retried, or resumed after a restart
	default:
		s.logger.Debug("Withdrawal not payable", "withdrawal_id", id, "status", w.Status)
		return nil
	}

	if w.ChainTxHash != nil && *w.ChainTxHash != "" {
		return s.await(ctx, w, *w.ChainTxHash)
	}
	return s.broadcast(ctx, w)
}

func (s *Service) broadcast(ctx context.Context, w *entities.Withdrawal) error {
	token, ok := s.registry.BySymbol(w.TokenSymbol)
	if !ok || token.Address != w.TokenAddress {
		return s.fail(ctx, w, fmt.Errorf("token %s is no longer configured", w.TokenSymbol), true)
	}

	signer, err := s.signer.Load(ctx)
	if err != nil {
		return s.fail(ctx, w, err, true)
	}

	sendCtx, span := tracing.Start(ctx, "withdrawal.broadcast",
		attribute.String("withdrawal.id", w.ID.String()),
		attribute.String("withdrawal.token", w.TokenSymbol),
	)
	persisted := false
	txHash, err := s.wallet.Transfer(sendCtx, chain.TransferRequest{
		Key:    signer.Key,
		To:     w.DestinationAddress,
		Token:  token,
		Amount: token.ToBaseUnits(w.Amount).BigInt(),
		BeforeBroadcast: func(hash string) error {
			if err := s.repo.SetTxHash(ctx, w.ID, hash); err != nil {
				return err
			}
			persisted = true
			return nil
		},
	})
	span.SetAttributes(attribute.String("tx.hash", txHash))
	tracing.End(span, err)
	if err != nil {
		// An ambiguous send keeps its hash so the next attempt waits on it
		// instead of signing a second transfer.
		clearHash := !persisted || !broadcastAmbiguous(err)
		return s.fail(ctx, w, err, clearHash)
	}

	s.logger.Info("Withdrawal broadcast",
		"withdrawal_id", w.ID,
		"tx_hash", txHash,
		"destination", w.DestinationAddress)
	return s.await(ctx, w, txHash)
}

func (s *Service) await(ctx context.Context, w *entities.Withdrawal, txHash string) error {
	waitCtx, span := tracing.Start(ctx, "withdrawal.await_receipt",
		attribute.String("withdrawal.id", w.ID.String()),
		attribute.String("tx.hash", txHash),
	)
	_, err := s.wallet.WaitForReceipt(waitCtx, txHash)
	tracing.End(span, err)
	switch {
	case err == nil:
		return s.complete(ctx, w, txHash)
	case errors.Is(err, chain.ErrTransactionReverted):
		return s.fail(ctx, w, fmt.Errorf("transaction %s: %w", txHash, err), false)
	case errors.Is(err, context.Canceled):
		// shutting down; recovery resolves the row from its hash
		s.logger.Warn("Payout interrupted while waiting for receipt", "withdrawal_id", w.ID, "tx_hash", txHash)
		return err
	default:
		return s.fail(ctx, w, fmt.Errorf("transaction %s still pending: %w", txHash, err), false)
	}
}

// complete marks the withdrawal COMPLETED and burns the hold atomically
func (s *Service) complete(ctx context.Context, w *entities.Withdrawal, txHash string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Transition(ctx, entities.WithdrawalTransition{
			ID:          w.ID,
			From:        entities.WithdrawalStatusProcessing,
			To:          entities.WithdrawalStatusCompleted,
			ChainTxHash: &txHash,
			At:          s.nowFn(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStatusChanged
		}
		_, err = s.ledger.Settle(ctx, w.UserID, s.ledgerToken(w), w.Total(), entities.ReasonWithdrawalSettled, w.ID.String())
		return err
	})
	if errors.Is(err, errStatusChanged) {
		s.logger.Warn("Withdrawal left PROCESSING before completion", "withdrawal_id", w.ID, "tx_hash", txHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete withdrawal %s: %w", w.ID, err)
	}

	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.WithdrawalStatusCompleted)).Inc()
	s.logger.Info("Withdrawal completed",
		"withdrawal_id", w.ID,
		"tx_hash", txHash,
		"amount", w.Amount.String(),
		"token", w.TokenSymbol)
	return nil
}

// fail records PROCESSING -> FAILED. Locked funds stay locked.
func (s *Service) fail(ctx context.Context, w *entities.Withdrawal, cause error, clearTxHash bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	failureType := ClassifyFailure(cause)
	message := cause.Error()
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength]
	}

	ok, err := s.repo.Transition(ctx, entities.WithdrawalTransition{
		ID:           w.ID,
		From:         entities.WithdrawalStatusProcessing,
		To:           entities.WithdrawalStatusFailed,
		FailureType:  &failureType,
		ErrorMessage: &message,
		ClearTxHash:  clearTxHash,
		At:           s.nowFn(),
	})
	if err != nil {
		return fmt.Errorf("failed to record payout failure (%v): %w", cause, err)
	}
	if !ok {
		s.logger.Warn("Withdrawal left PROCESSING before failure was recorded", "withdrawal_id", w.ID, "error", cause)
		return nil
	}

	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(entities.WithdrawalStatusFailed)).Inc()
	metrics.WithdrawalFailuresTotal.WithLabelValues(string(failureType)).Inc()
	s.logger.Error("Withdrawal payout failed",
		"withdrawal_id", w.ID,
		"failure_type", failureType,
		"error", cause)
	return nil
}

// Recover re-dispatches APPROVED withdrawals and resolves PROCESSING rows
// that have not moved for longer than the stale threshold.
func (s *Service) Recover(ctx context.Context) error {
	approved, err := s.repo.ListByStatus(ctx, entities.WithdrawalStatusApproved, s.cfg.RecoveryBatch, 0)
	if err != nil {
		return fmt.Errorf("failed to list approved withdrawals: %w", err)
	}
	for _, w := range approved {
		s.dispatch(w.ID)
	}

	cutoff := s.nowFn().Add(-s.cfg.StaleAfter)
	stale, err := s.repo.ListStale(ctx, entities.WithdrawalStatusProcessing, cutoff, s.cfg.RecoveryBatch)
	if err != nil {
		return fmt.Errorf("failed to list stale withdrawals: %w", err)
	}

	var errs []error
	for _, w := range stale {
		if err := s.resolveStale(ctx, w); err != nil {
			s.logger.Error("Failed to resolve stale withdrawal", "withdrawal_id", w.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if len(approved) > 0 || len(stale) > 0 {
		s.logger.Info("Withdrawal recovery pass",
			"redispatched", len(approved),
			"stale", len(stale),
			"errors", len(errs))
	}
	return errors.Join(errs...)
}

func (s *Service) resolveStale(ctx context.Context, w *entities.Withdrawal) error {
	if w.ChainTxHash == nil || *w.ChainTxHash == "" {
		return s.fail(ctx, w, errors.New("payout interrupted before broadcast"), true)
	}

	txHash := *w.ChainTxHash
	receipt, err := s.wallet.Receipt(ctx, txHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		s.logger.Warn("Stale withdrawal transaction has no receipt yet", "withdrawal_id", w.ID, "tx_hash", txHash)
		return nil
	}
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return s.fail(ctx, w, fmt.Errorf("transaction %s: %w", txHash, chain.ErrTransactionReverted), false)
	}
	return s.complete(ctx, w, txHash)
}
