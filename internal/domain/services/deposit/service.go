package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/internal/infrastructure/repositories"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
	"github.com/custodial/settlement_service/pkg/retry"
	"github.com/custodial/settlement_service/pkg/webhook"
)

// AddressRepository resolves and assigns deposit addresses
type AddressRepository interface {
	GetByAddress(ctx context.Context, address string) (*entities.DepositAddress, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error)
	NextDerivationIndex(ctx context.Context) (int64, error)
	Create(ctx context.Context, addr *entities.DepositAddress) error
}

// EventRepository stores observed transfers
type EventRepository interface {
	RecordPending(ctx context.Context, event *entities.DepositEvent) error
	RecordConfirmed(ctx context.Context, event *entities.DepositEvent) (bool, error)
}

// JobRepository is the persisted credit queue
type JobRepository interface {
	Enqueue(ctx context.Context, job *entities.DepositJob) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error)
	GetParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error)
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)
	GetMetrics(ctx context.Context) (*entities.DepositJobMetrics, error)
}

// Ledger is the credit side of the balance ledger
type Ledger interface {
	Credit(ctx context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, reason, referenceID string) (*entities.Balance, error)
}

// SignatureVerifier checks a webhook signature over the raw body
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// AddressDeriver derives the deposit address at a BIP-32 index
type AddressDeriver interface {
	Address(index int64) (string, error)
}

// Config tunes ingestion
type Config struct {
	ChainID              int64
	MaxAttempts          int
	DefaultTokenDecimals int32
}

// Service turns verified chain notifications into exactly-once ledger credits
type Service struct {
	cfg       Config
	verifier  SignatureVerifier
	registry  *tokens.Registry
	addresses AddressRepository
	events    EventRepository
	jobs      JobRepository
	ledger    Ledger
	tx        database.Transactor
	deriver   AddressDeriver
	logger    *logger.Logger
}

// NewService creates a new deposit service. deriver may be nil when no
// custody mnemonic is configured; address assignment is then unavailable.
func NewService(
	cfg Config,
	verifier SignatureVerifier,
	registry *tokens.Registry,
	addresses AddressRepository,
	events EventRepository,
	jobs JobRepository,
	ledger Ledger,
	tx database.Transactor,
	deriver AddressDeriver,
	logger *logger.Logger,
) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.DefaultTokenDecimals <= 0 {
		cfg.DefaultTokenDecimals = 18
	}
	return &Service{
		cfg:       cfg,
		verifier:  verifier,
		registry:  registry,
		addresses: addresses,
		events:    events,
		jobs:      jobs,
		ledger:    ledger,
		tx:        tx,
		deriver:   deriver,
		logger:    logger,
	}
}

// Ingest verifies, deduplicates and enqueues one webhook delivery.
// rawBody must be the exact bytes received.
func (s *Service) Ingest(ctx context.Context, rawBody []byte, signature string) (*entities.IngestResult, error) {
	if err := s.verify(rawBody, signature); err != nil {
		metrics.DepositNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var n entities.DepositNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		metrics.DepositNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError(apperrors.CodeInvalidPayload, "body", "malformed deposit notification")
	}

	if n.ChainID != 0 && s.cfg.ChainID != 0 && n.ChainID != s.cfg.ChainID {
		s.logger.Info("Ignoring deposit notification for another chain",
			"chain_id", n.ChainID, "tx_hash", n.TxHash)
		metrics.DepositNotificationsTotal.WithLabelValues("ignored").Inc()
		return &entities.IngestResult{State: entities.NotificationIgnored, DedupKey: n.DedupKey()}, nil
	}

	dedupKey := n.DedupKey()
	if dedupKey == "" {
		metrics.DepositNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError(apperrors.CodeInvalidPayload, "tx_hash",
			"notification carries neither tx_hash nor event_id")
	}
	if !chain.IsValidAddress(n.ToAddress) {
		metrics.DepositNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError(apperrors.CodeInvalidAddress, "to_address", "invalid deposit address")
	}

	token, amount, err := s.resolveTransfer(&n)
	if err != nil {
		metrics.DepositNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if !n.IsConfirmed() {
		return s.recordUnconfirmed(ctx, &n, dedupKey, token, amount)
	}

	now := time.Now().UTC()
	job := &entities.DepositJob{
		ID:              uuid.New(),
		DedupKey:        dedupKey,
		ExternalEventID: optional(n.EventID),
		TxHash:          strings.ToLower(n.TxHash),
		LogIndex:        n.LogIndex,
		BlockNumber:     n.BlockNumber,
		DepositAddress:  strings.ToLower(n.ToAddress),
		TokenSymbol:     token.Symbol,
		TokenAddress:    token.Address,
		TokenDecimals:   token.Decimals,
		Amount:          amount,
		Payload:         json.RawMessage(rawBody),
		Status:          entities.DepositJobPending,
		MaxAttempts:     s.cfg.MaxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	queued, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue deposit: %w", err)
	}
	if !queued {
		metrics.DepositNotificationsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("Duplicate deposit notification", "dedup_key", dedupKey)
		return &entities.IngestResult{State: entities.NotificationDuplicate, DedupKey: dedupKey}, nil
	}

	metrics.DepositNotificationsTotal.WithLabelValues("queued").Inc()
	s.logger.Info("Deposit queued",
		"job_id", job.ID,
		"dedup_key", dedupKey,
		"address", job.DepositAddress,
		"token", token.Symbol,
		"amount", amount.String())
	return &entities.IngestResult{State: entities.NotificationQueued, DedupKey: dedupKey, JobID: &job.ID}, nil
}

func (s *Service) verify(body []byte, signature string) error {
	if s.verifier == nil {
		return apperrors.ConfigurationError(apperrors.CodeWebhookSecretMissing, "webhook secret is not configured")
	}
	err := s.verifier.Verify(body, signature)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrMissingSecret):
		s.logger.Error("Deposit webhook received but no secret is configured")
		return apperrors.ConfigurationError(apperrors.CodeWebhookSecretMissing, "webhook secret is not configured")
	default:
		s.logger.Warn("Rejected deposit webhook", "error", err)
		return &apperrors.DomainError{
			Err:     apperrors.ErrUnauthorized,
			Code:    apperrors.CodeInvalidSignature,
			Message: "invalid webhook signature",
		}
	}
}

// resolveTransfer identifies the token and the human amount of a notification
func (s *Service) resolveTransfer(n *entities.DepositNotification) (entities.Token, decimal.Decimal, error) {
	token, known := s.registry.ByAddress(n.TokenAddress)
	if !known {
		symbol := strings.ToUpper(strings.TrimSpace(n.TokenSymbol))
		if symbol == "" {
			return entities.Token{}, decimal.Zero, apperrors.ValidationError(apperrors.CodeUnknownToken,
				"token_symbol", "unknown token without a symbol")
		}
		if !chain.IsValidAddress(n.TokenAddress) {
			return entities.Token{}, decimal.Zero, apperrors.ValidationError(apperrors.CodeInvalidAddress,
				"token_address", "invalid token address")
		}
		decimals := s.cfg.DefaultTokenDecimals
		if n.TokenDecimals != nil && *n.TokenDecimals >= 0 {
			decimals = *n.TokenDecimals
		}
		token = entities.Token{Symbol: symbol, Address: entities.NormalizeAddress(n.TokenAddress), Decimals: decimals}
		s.logger.Warn("Accepting deposit of unlisted token", "symbol", symbol, "address", token.Address)
	}

	var amount decimal.Decimal
	switch {
	case n.RawAmount != "":
		raw, err := decimal.NewFromString(n.RawAmount)
		if err != nil || !raw.Equal(raw.Truncate(0)) {
			return token, decimal.Zero, apperrors.ValidationError(apperrors.CodeInvalidAmount,
				"raw_amount", "raw_amount must be an integer")
		}
		amount = token.FromBaseUnits(raw)
	case n.Amount != "":
		parsed, err := decimal.NewFromString(n.Amount)
		if err != nil {
			return token, decimal.Zero, apperrors.ValidationError(apperrors.CodeInvalidAmount,
				"amount", "amount is not a decimal")
		}
		amount = parsed
	default:
		return token, decimal.Zero, apperrors.ValidationError(apperrors.CodeInvalidAmount, "amount", "amount is required")
	}

	if !amount.IsPositive() {
		return token, decimal.Zero, entities.ErrInvalidAmount
	}
	return token, amount, nil
}

func (s *Service) recordUnconfirmed(ctx context.Context, n *entities.DepositNotification, dedupKey string, token entities.Token, amount decimal.Decimal) (*entities.IngestResult, error) {
	result := &entities.IngestResult{State: entities.NotificationPending, DedupKey: dedupKey}

	owner, err := s.addresses.GetByAddress(ctx, n.ToAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve deposit address: %w", err)
	}
	if owner == nil {
		s.logger.Warn("Unconfirmed deposit to unknown address", "address", n.ToAddress, "dedup_key", dedupKey)
		metrics.DepositNotificationsTotal.WithLabelValues("pending").Inc()
		return result, nil
	}

	now := time.Now().UTC()
	event := &entities.DepositEvent{
		ID:              uuid.New(),
		DedupKey:        dedupKey,
		ExternalEventID: optional(n.EventID),
		UserID:          owner.UserID,
		DepositAddress:  owner.Address,
		TokenSymbol:     token.Symbol,
		TokenAddress:    token.Address,
		Amount:          amount,
		TxHash:          strings.ToLower(n.TxHash),
		LogIndex:        n.LogIndex,
		BlockNumber:     n.BlockNumber,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.events.RecordPending(ctx, event); err != nil {
		return nil, err
	}

	metrics.DepositNotificationsTotal.WithLabelValues("pending").Inc()
	s.logger.Info("Unconfirmed deposit recorded", "dedup_key", dedupKey, "user_id", owner.UserID)
	return result, nil
}

// ProcessJob credits one claimed job. It returns false when the transfer had
// already been credited. Errors that no retry can fix are marked with
// retry.Permanent.
func (s *Service) ProcessJob(ctx context.Context, job *entities.DepositJob) (bool, error) {
	if !job.Amount.IsPositive() {
		return false, retry.Permanent(entities.ErrInvalidAmount)
	}

	credited := false
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		owner, err := s.addresses.GetByAddress(ctx, job.DepositAddress)
		if err != nil {
			return fmt.Errorf("resolve deposit address: %w", err)
		}
		if owner == nil {
			return retry.Permanent(apperrors.New(apperrors.ErrNotFound, apperrors.CodeUnknownDepositAddress,
				fmt.Sprintf("no user owns deposit address %s", job.DepositAddress)))
		}

		now := time.Now().UTC()
		event := &entities.DepositEvent{
			ID:              uuid.New(),
			DedupKey:        job.DedupKey,
			ExternalEventID: job.ExternalEventID,
			UserID:          owner.UserID,
			DepositAddress:  owner.Address,
			TokenSymbol:     job.TokenSymbol,
			TokenAddress:    job.TokenAddress,
			Amount:          job.Amount,
			TxHash:          job.TxHash,
			LogIndex:        job.LogIndex,
			BlockNumber:     job.BlockNumber,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		created, err := s.events.RecordConfirmed(ctx, event)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		if _, err := s.ledger.Credit(ctx, owner.UserID, job.Token(), job.Amount, entities.ReasonDeposit, job.DedupKey); err != nil {
			return fmt.Errorf("credit deposit: %w", err)
		}
		credited = true
		return nil
	})

	if errors.Is(err, repositories.ErrDepositEventConflict) {
		s.logger.Info("Deposit already recorded under another key", "job_id", job.ID, "tx_hash", job.TxHash)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if credited {
		amount, _ := job.Amount.Float64()
		metrics.DepositCreditedAmount.WithLabelValues(job.TokenSymbol).Add(amount)
		s.logger.Info("Deposit credited",
			"job_id", job.ID,
			"dedup_key", job.DedupKey,
			"token", job.TokenSymbol,
			"amount", job.Amount.String())
	} else {
		s.logger.Info("Deposit already credited", "job_id", job.ID, "dedup_key", job.DedupKey)
	}
	return credited, nil
}

// AssignAddress returns the user's active deposit address, deriving a new one
// on first use.
func (s *Service) AssignAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	if s.deriver == nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeCustodyKeyMissing, "custody mnemonic is not configured")
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var assigned *entities.DepositAddress
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			existing, err := s.addresses.GetActiveByUser(ctx, userID)
			if err != nil {
				return err
			}
			if existing != nil {
				assigned = existing
				return nil
			}

			index, err := s.addresses.NextDerivationIndex(ctx)
			if err != nil {
				return err
			}
			address, err := s.deriver.Address(index)
			if err != nil {
				return fmt.Errorf("derive deposit address: %w", err)
			}

			addr := &entities.DepositAddress{
				ID:              uuid.New(),
				UserID:          userID,
				Address:         address,
				DerivationIndex: index,
				Status:          entities.DepositAddressActive,
				CreatedAt:       time.Now().UTC(),
			}
			if err := s.addresses.Create(ctx, addr); err != nil {
				return err
			}
			assigned = addr
			return nil
		})
		if err == nil {
			return assigned, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, err
		}
		s.logger.Debug("Derivation index taken concurrently, retrying", "user_id", userID, "attempt", attempt)
	}
	return nil, apperrors.ConflictError(apperrors.CodeInternal, "could not assign a deposit address, try again")
}

// GetAddress returns the user's active deposit address
func (s *Service) GetAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	addr, err := s.addresses.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if addr == nil {
		return nil, apperrors.NotFoundError("DEPOSIT_ADDRESS")
	}
	return addr, nil
}

// ListParked returns jobs in the dead letter queue
func (s *Service) ListParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error) {
	jobs, err := s.jobs.GetParked(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*entities.DepositJob{}
	}
	return jobs, nil
}

// Requeue gives a parked job a fresh attempt budget
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error) {
	ok, err := s.jobs.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, apperrors.CodeJobNotFound, "deposit job not found")
	}
	if !ok {
		return nil, apperrors.InvalidStatusError("deposit job", string(job.Status), "requeue")
	}

	s.logger.Info("Deposit job requeued", "job_id", id, "dedup_key", job.DedupKey)
	return job, nil
}

// Metrics counts jobs per status
func (s *Service) Metrics(ctx context.Context) (*entities.DepositJobMetrics, error) {
	return s.jobs.GetMetrics(ctx)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
