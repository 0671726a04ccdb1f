package collection

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/custody"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/infrastructure/cache"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
	"github.com/custodial/settlement_service/pkg/tracing"
)

const lockKey = "collection:sweep"

// AddressRepository lists the deposit addresses that may hold funds
type AddressRepository interface {
	ListActive(ctx context.Context) ([]*entities.DepositAddress, error)
}

// RecordRepository is the append-only sweep audit log
type RecordRepository interface {
	CreateRecord(ctx context.Context, record *entities.BatchCollectRecord) error
	ListRecords(ctx context.Context, limit, offset int) ([]*entities.BatchCollectRecord, error)
}

// EventMarker advances confirmed deposit events once their funds are swept
type EventMarker interface {
	MarkSentToCollection(ctx context.Context, address string, token entities.Token) (int64, error)
}

// ChainWallet reads balances and moves funds on chain
type ChainWallet interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token entities.Token, address string) (*big.Int, error)
	TransferGasLimit(token entities.Token) uint64
	NativeGasLimit() uint64
	Transfer(ctx context.Context, req chain.TransferRequest) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// KeySource derives deposit address keys
type KeySource interface {
	PrivateKey(index int64) (*ecdsa.PrivateKey, error)
}

// CollectionWallet is the destination of every sweep and the gas funder
type CollectionWallet interface {
	Address(ctx context.Context) (string, error)
	Load(ctx context.Context) (*custody.Signer, error)
}

// Config tunes the sweep
type Config struct {
	GasBufferMultiplier decimal.Decimal
	LockTTL             time.Duration
}

// Service sweeps deposit address balances into the collection wallet.
// It never touches ledger balances.
type Service struct {
	cfg        Config
	registry   *tokens.Registry
	addresses  AddressRepository
	records    RecordRepository
	events     EventMarker
	wallet     ChainWallet
	keys       KeySource
	collection CollectionWallet
	lock       cache.DistributedLock
	logger     *logger.Logger
	nowFn      func() time.Time

	mu       sync.Mutex
	running  bool
	progress entities.SweepProgress
}

// NewService creates a new collection service
func NewService(
	cfg Config,
	registry *tokens.Registry,
	addresses AddressRepository,
	records RecordRepository,
	events EventMarker,
	wallet ChainWallet,
	keys KeySource,
	collection CollectionWallet,
	lock cache.DistributedLock,
	logger *logger.Logger,
) *Service {
	if !cfg.GasBufferMultiplier.IsPositive() {
		cfg.GasBufferMultiplier = decimal.RequireFromString("1.2")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Service{
		cfg:        cfg,
		registry:   registry,
		addresses:  addresses,
		records:    records,
		events:     events,
		wallet:     wallet,
		keys:       keys,
		collection: collection,
		lock:       lock,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
		progress:   entities.SweepProgress{Phase: entities.SweepPhaseIdle},
	}
}

// target is one deposit address in a sweep
type target struct {
	addr    *entities.DepositAddress
	balance *big.Int // token base units
	native  *big.Int // wei
	deficit *big.Int
	failed  bool
}

type plan struct {
	token             entities.Token
	collection        string
	gasPrice          *big.Int
	perAddressGas     *big.Int
	required          *big.Int
	collectionBalance *big.Int
	targets           []*target
}

func (s *Service) resolveToken(symbol string) (entities.Token, error) {
	token, ok := s.registry.BySymbol(symbol)
	if !ok {
		return entities.Token{}, apperrors.ValidationError(apperrors.CodeUnknownToken, "token",
			fmt.Sprintf("unknown token %q", symbol))
	}
	return token, nil
}

// buildPlan reads on-chain state and sizes the gas budget
func (s *Service) buildPlan(ctx context.Context, token entities.Token) (*plan, error) {
	collectionAddr, err := s.collection.Address(ctx)
	if err != nil {
		return nil, err
	}

	gasPrice, err := s.wallet.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	p := &plan{
		token:      token,
		collection: collectionAddr,
		gasPrice:   gasPrice,
		required:   big.NewInt(0),
	}

	// perAddressGas = transferGasLimit * gasPrice * buffer, rounded up to whole wei
	fee := new(big.Int).Mul(new(big.Int).SetUint64(s.wallet.TransferGasLimit(token)), gasPrice)
	p.perAddressGas = decimal.NewFromBigInt(fee, 0).Mul(s.cfg.GasBufferMultiplier).Ceil().BigInt()
	nativeFee := new(big.Int).Mul(new(big.Int).SetUint64(s.wallet.NativeGasLimit()), gasPrice)

	addresses, err := s.addresses.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit addresses: %w", err)
	}

	for _, addr := range addresses {
		if strings.EqualFold(addr.Address, collectionAddr) {
			continue
		}

		balance, err := s.wallet.TokenBalance(ctx, token, addr.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s balance of %s: %w", token.Symbol, addr.Address, err)
		}
		if balance.Sign() <= 0 {
			continue
		}

		t := &target{addr: addr, balance: balance, deficit: big.NewInt(0)}
		if token.IsNative() {
			// the sweep itself pays for gas out of the balance
			if balance.Cmp(nativeFee) <= 0 {
				continue
			}
			t.native = balance
			t.balance = new(big.Int).Sub(balance, nativeFee)
		} else {
			if t.native, err = s.wallet.NativeBalance(ctx, addr.Address); err != nil {
				return nil, fmt.Errorf("failed to read native balance of %s: %w", addr.Address, err)
			}
			if t.native.Cmp(p.perAddressGas) < 0 {
				t.deficit = new(big.Int).Sub(p.perAddressGas, t.native)
			}
			p.required.Add(p.required, p.perAddressGas)
		}
		p.targets = append(p.targets, t)
	}

	if p.collectionBalance, err = s.wallet.NativeBalance(ctx, collectionAddr); err != nil {
		return nil, fmt.Errorf("failed to read collection wallet balance: %w", err)
	}
	return p, nil
}

// Preview reports what a sweep of symbol would do right now. Read only.
func (s *Service) Preview(ctx context.Context, symbol string) (*entities.CollectPreview, error) {
	token, err := s.resolveToken(symbol)
	if err != nil {
		return nil, err
	}
	p, err := s.buildPlan(ctx, token)
	if err != nil {
		return nil, err
	}

	native := s.registry.Native()
	toNative := func(v *big.Int) decimal.Decimal { return native.FromBaseUnits(decimal.NewFromBigInt(v, 0)) }
	toToken := func(v *big.Int) decimal.Decimal { return token.FromBaseUnits(decimal.NewFromBigInt(v, 0)) }

	preview := &entities.CollectPreview{
		Token:                   token.Symbol,
		CollectionAddress:       p.collection,
		Candidates:              make([]entities.CollectCandidate, 0, len(p.targets)),
		AddressesCount:          len(p.targets),
		TotalTokens:             decimal.Zero,
		GasPriceWei:             p.gasPrice.String(),
		PerAddressGas:           toNative(p.perAddressGas),
		RequiredGas:             toNative(p.required),
		CollectionNativeBalance: toNative(p.collectionBalance),
		Sufficient:              p.collectionBalance.Cmp(p.required) >= 0,
	}
	for _, t := range p.targets {
		amount := toToken(t.balance)
		preview.TotalTokens = preview.TotalTokens.Add(amount)
		preview.Candidates = append(preview.Candidates, entities.CollectCandidate{
			Address:       t.addr.Address,
			UserID:        t.addr.UserID,
			TokenBalance:  amount,
			NativeBalance: toNative(t.native),
			GasDeficit:    toNative(t.deficit),
		})
	}
	return preview, nil
}

// acquire takes the in-process flag and the distributed lock
func (s *Service) acquire(ctx context.Context) (func(), error) {
	inProgress := apperrors.ConflictError(apperrors.CodeCollectionInProgress, "a collection sweep is already running")

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, inProgress
	}
	s.running = true
	s.mu.Unlock()

	reset := func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}

	token, err := s.lock.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		reset()
		return nil, apperrors.ServiceUnavailableError("lock", err)
	}
	if token == "" {
		reset()
		return nil, inProgress
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx, lockKey, token); err != nil {
			s.logger.Warn("Failed to release collection lock", "error", err)
		}
		reset()
	}, nil
}

func (s *Service) begin(runID uuid.UUID, token entities.Token, executedBy string) {
	now := s.nowFn()
	s.mu.Lock()
	s.progress = entities.SweepProgress{
		RunID:      &runID,
		Token:      token.Symbol,
		Phase:      entities.SweepPhasePreparing,
		Running:    true,
		ExecutedBy: executedBy,
		StartedAt:  &now,
	}
	s.mu.Unlock()
}

func (s *Service) update(fn func(p *entities.SweepProgress)) {
	s.mu.Lock()
	fn(&s.progress)
	s.mu.Unlock()
}

// Start launches a sweep in the background. It fails fast with
// COLLECTION_IN_PROGRESS when another sweep holds the lock.
func (s *Service) Start(ctx context.Context, symbol, executedBy string) (*entities.SweepProgress, error) {
	token, err := s.resolveToken(symbol)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	s.begin(runID, token, executedBy)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer release()
		if _, err := s.execute(runCtx, runID, token, executedBy); err != nil {
			s.logger.Warn("Collection sweep ended with error", "run_id", runID, "token", token.Symbol, "error", err)
		}
	}()

	return s.Progress(ctx), nil
}

// Run sweeps synchronously; used by the scheduler and the CLI
func (s *Service) Run(ctx context.Context, symbol, executedBy string) (*entities.BatchCollectRecord, error) {
	token, err := s.resolveToken(symbol)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.New()
	s.begin(runID, token, executedBy)
	return s.execute(ctx, runID, token, executedBy)
}

// execute is the sweep body. The caller holds the lock.
func (s *Service) execute(ctx context.Context, runID uuid.UUID, token entities.Token, executedBy string) (record *entities.BatchCollectRecord, err error) {
	started := s.nowFn()
	ctx, span := tracing.Start(ctx, "collection.sweep",
		attribute.String("collection.run_id", runID.String()),
		attribute.String("collection.token", token.Symbol),
		attribute.String("collection.executed_by", executedBy),
	)
	defer func() {
		if record != nil {
			span.SetAttributes(
				attribute.String("collection.status", string(record.Status)),
				attribute.Int("collection.succeeded", record.SucceededCount),
				attribute.Int("collection.tx_count", len(record.TxHashes)),
			)
		}
		tracing.End(span, err)
	}()
	defer func() {
		s.update(func(p *entities.SweepProgress) {
			finished := s.nowFn()
			p.Running = false
			p.Phase = entities.SweepPhaseDone
			p.FinishedAt = &finished
			if record != nil {
				p.Status = record.Status
			}
			if err != nil {
				p.Error = err.Error()
			}
		})
		status := "aborted"
		if record != nil {
			status = string(record.Status)
		}
		metrics.SweepDuration.WithLabelValues(token.Symbol, status).Observe(s.nowFn().Sub(started).Seconds())
	}()

	p, err := s.buildPlan(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(p.targets) == 0 {
		return nil, apperrors.New(apperrors.ErrConflict, apperrors.CodeNothingToCollect,
			fmt.Sprintf("no deposit address holds %s", token.Symbol))
	}
	s.update(func(pr *entities.SweepProgress) { pr.Total = len(p.targets) })

	record = &entities.BatchCollectRecord{
		ID:             uuid.New(),
		CreatedAt:      started,
		TokenSymbol:    token.Symbol,
		TotalCollected: decimal.Zero,
		AddressesCount: len(p.targets),
		TxHashes:       []string{},
		ExecutedBy:     executedBy,
	}

	if !token.IsNative() {
		if p.collectionBalance.Cmp(p.required) < 0 {
			gasErr := apperrors.New(apperrors.ErrConflict, apperrors.CodeInsufficientGlobalGas,
				"collection wallet cannot fund gas for every address").
				WithDetails(map[string]interface{}{
					"required_wei":  p.required.String(),
					"available_wei": p.collectionBalance.String(),
				})
			msg := fmt.Sprintf("%s: required %s wei, available %s wei",
				apperrors.CodeInsufficientGlobalGas, p.required, p.collectionBalance)
			record.Status = entities.BatchCollectFailed
			record.ErrorMessage = &msg
			s.save(ctx, record, started)
			return record, gasErr
		}

		signer, err := s.collection.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.phase(ctx, entities.SweepPhaseGasDistribution, func(ctx context.Context) {
			s.distributeGas(ctx, p, signer, record)
		})
	}

	var collected *big.Int
	s.phase(ctx, entities.SweepPhaseTokenCollection, func(ctx context.Context) {
		collected = s.collectTokens(ctx, p, record)
	})

	if !token.IsNative() {
		s.phase(ctx, entities.SweepPhaseGasRecovery, func(ctx context.Context) {
			s.recoverGas(ctx, p, record)
		})
	}

	record.TotalCollected = token.FromBaseUnits(decimal.NewFromBigInt(collected, 0))
	record.FailedCount = record.AddressesCount - record.SucceededCount
	switch {
	case record.SucceededCount == record.AddressesCount:
		record.Status = entities.BatchCollectCompleted
	case record.SucceededCount > 0:
		record.Status = entities.BatchCollectPartial
	default:
		record.Status = entities.BatchCollectFailed
		msg := "no address was collected"
		record.ErrorMessage = &msg
	}
	s.save(ctx, record, started)

	s.logger.Info("Collection sweep finished",
		"record_id", record.ID,
		"token", token.Symbol,
		"status", record.Status,
		"collected", record.TotalCollected.String(),
		"succeeded", record.SucceededCount,
		"failed", record.FailedCount)
	return record, nil
}

func (s *Service) save(ctx context.Context, record *entities.BatchCollectRecord, started time.Time) {
	record.DurationMs = s.nowFn().Sub(started).Milliseconds()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.records.CreateRecord(saveCtx, record); err != nil {
		s.logger.Error("Failed to store batch collect record", "record_id", record.ID, "error", err)
	}
}

// phase runs one sweep stage under its own span
func (s *Service) phase(ctx context.Context, name entities.SweepPhase, fn func(ctx context.Context)) {
	s.update(func(pr *entities.SweepProgress) { pr.Phase = name })
	ctx, span := tracing.Start(ctx, "collection."+string(name))
	defer span.End()
	fn(ctx)
}

func (s *Service) markFailed(p *plan, t *target, stage string, err error) {
	t.failed = true
	s.update(func(pr *entities.SweepProgress) { pr.Failed++ })
	metrics.SweepAddressesTotal.WithLabelValues(p.token.Symbol, "failed").Inc()
	s.logger.Warn("Collection step failed",
		"stage", stage,
		"address", t.addr.Address,
		"error", err)
}

// distributeGas tops up every address below perAddressGas from the
// collection wallet and waits for the funding to be mined.
func (s *Service) distributeGas(ctx context.Context, p *plan, signer *custody.Signer, record *entities.BatchCollectRecord) {
	native := s.registry.Native()
	pending := make(map[*target]string)

	for _, t := range p.targets {
		if t.deficit.Sign() <= 0 {
			continue
		}
		hash, err := s.wallet.Transfer(ctx, chain.TransferRequest{
			Key:      signer.Key,
			To:       t.addr.Address,
			Token:    native,
			Amount:   t.deficit,
			GasPrice: p.gasPrice,
		})
		if err != nil {
			s.markFailed(p, t, "gas_distribution", err)
			continue
		}
		record.TxHashes = append(record.TxHashes, hash)
		pending[t] = hash
	}

	for _, t := range p.targets {
		hash, ok := pending[t]
		if !ok {
			continue
		}
		if _, err := s.wallet.WaitForReceipt(ctx, hash); err != nil {
			s.markFailed(p, t, "gas_distribution", err)
		}
	}
}

// collectTokens moves each funded address's balance to the collection
// wallet and returns the total collected in base units.
func (s *Service) collectTokens(ctx context.Context, p *plan, record *entities.BatchCollectRecord) *big.Int {
	total := big.NewInt(0)
	pending := make(map[*target]string)

	for _, t := range p.targets {
		if t.failed {
			continue
		}
		key, err := s.keys.PrivateKey(t.addr.DerivationIndex)
		if err != nil {
			s.markFailed(p, t, "token_collection", err)
			continue
		}
		if !strings.EqualFold(chain.AddressOf(key), t.addr.Address) {
			s.markFailed(p, t, "token_collection", fmt.Errorf("derived key does not match address at index %d", t.addr.DerivationIndex))
			continue
		}

		hash, err := s.wallet.Transfer(ctx, chain.TransferRequest{
			Key:      key,
			To:       p.collection,
			Token:    p.token,
			Amount:   t.balance,
			GasPrice: p.gasPrice,
		})
		if err != nil {
			s.markFailed(p, t, "token_collection", err)
			continue
		}
		record.TxHashes = append(record.TxHashes, hash)
		pending[t] = hash
	}

	for _, t := range p.targets {
		hash, ok := pending[t]
		if !ok {
			continue
		}
		if _, err := s.wallet.WaitForReceipt(ctx, hash); err != nil {
			s.markFailed(p, t, "token_collection", err)
			continue
		}

		total.Add(total, t.balance)
		record.SucceededCount++
		s.update(func(pr *entities.SweepProgress) { pr.Completed++ })
		metrics.SweepAddressesTotal.WithLabelValues(p.token.Symbol, "succeeded").Inc()

		if _, err := s.events.MarkSentToCollection(ctx, t.addr.Address, p.token); err != nil {
			s.logger.Warn("Failed to mark deposit events collected", "address", t.addr.Address, "error", err)
		}
	}
	return total
}

// recoverGas returns leftover native coin to the collection wallet.
// Failed targets keep their gas: a collection transfer may still be
// pending and needs it. Failures are logged only.
func (s *Service) recoverGas(ctx context.Context, p *plan, record *entities.BatchCollectRecord) {
	native := s.registry.Native()
	cost := new(big.Int).Mul(new(big.Int).SetUint64(s.wallet.NativeGasLimit()), p.gasPrice)

	for _, t := range p.targets {
		if t.failed {
			continue
		}
		balance, err := s.wallet.NativeBalance(ctx, t.addr.Address)
		if err != nil {
			s.logger.Warn("Gas recovery skipped", "address", t.addr.Address, "error", err)
			continue
		}
		if balance.Cmp(cost) <= 0 {
			continue
		}
		key, err := s.keys.PrivateKey(t.addr.DerivationIndex)
		if err != nil {
			s.logger.Warn("Gas recovery skipped", "address", t.addr.Address, "error", err)
			continue
		}
		hash, err := s.wallet.Transfer(ctx, chain.TransferRequest{
			Key:      key,
			To:       p.collection,
			Token:    native,
			Amount:   new(big.Int).Sub(balance, cost),
			GasPrice: p.gasPrice,
			GasLimit: s.wallet.NativeGasLimit(),
		})
		if err != nil {
			s.logger.Warn("Gas recovery failed", "address", t.addr.Address, "error", err)
			continue
		}
		record.TxHashes = append(record.TxHashes, hash)
		s.logger.Debug("Gas recovered", "address", t.addr.Address, "tx_hash", hash)
	}
}

// Progress returns a snapshot of the current or last sweep
func (s *Service) Progress(_ context.Context) *entities.SweepProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	return &p
}

// History returns sweep records, newest first
func (s *Service) History(ctx context.Context, limit, offset int) ([]*entities.BatchCollectRecord, error) {
	records, err := s.records.ListRecords(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*entities.BatchCollectRecord{}
	}
	return records, nil
}
