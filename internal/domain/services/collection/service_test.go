package collection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/custody"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/infrastructure/cache"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/pkg/logger"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	usdtAddress  = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	gwei         = 1_000_000_000
)

// fakeChain keeps native and token balances and applies transfers instantly
type fakeChain struct {
	mu        sync.Mutex
	native    map[string]*big.Int
	tokens    map[string]*big.Int
	failFrom  map[string]error
	receipts  map[string]error
	transfers []chain.TransferRequest
	senders   []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:   make(map[string]*big.Int),
		tokens:   make(map[string]*big.Int),
		failFrom: make(map[string]error),
		receipts: make(map[string]error),
	}
}

func txHash(n int) string { return fmt.Sprintf("0x%064x", n) }

func balanceOf(m map[string]*big.Int, addr string) *big.Int {
	if b, ok := m[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (f *fakeChain) set(m map[string]*big.Int, addr string, v *big.Int) {
	m[strings.ToLower(addr)] = v
}

func (f *fakeChain) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(gwei), nil }

func (f *fakeChain) NativeBalance(_ context.Context, addr string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return balanceOf(f.native, addr), nil
}

func (f *fakeChain) TokenBalance(_ context.Context, token entities.Token, addr string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token.IsNative() {
		return balanceOf(f.native, addr), nil
	}
	return balanceOf(f.tokens, addr), nil
}

func (f *fakeChain) TransferGasLimit(token entities.Token) uint64 {
	if token.IsNative() {
		return 21000
	}
	return 65000
}

func (f *fakeChain) NativeGasLimit() uint64 { return 21000 }

func (f *fakeChain) Transfer(_ context.Context, req chain.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := chain.AddressOf(req.Key)
	if err, ok := f.failFrom[from]; ok {
		return "", err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = f.TransferGasLimit(req.Token)
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), req.GasPrice)

	nativeOut := new(big.Int).Set(fee)
	if req.Token.IsNative() {
		nativeOut.Add(nativeOut, req.Amount)
	}
	if balanceOf(f.native, from).Cmp(nativeOut) < 0 {
		return "", errors.New("insufficient funds for gas * price + value")
	}
	if !req.Token.IsNative() && balanceOf(f.tokens, from).Cmp(req.Amount) < 0 {
		return "", errors.New("execution reverted: transfer amount exceeds balance")
	}

	f.set(f.native, from, new(big.Int).Sub(balanceOf(f.native, from), nativeOut))
	if req.Token.IsNative() {
		f.set(f.native, req.To, new(big.Int).Add(balanceOf(f.native, req.To), req.Amount))
	} else {
		f.set(f.tokens, from, new(big.Int).Sub(balanceOf(f.tokens, from), req.Amount))
		f.set(f.tokens, req.To, new(big.Int).Add(balanceOf(f.tokens, req.To), req.Amount))
	}

	f.transfers = append(f.transfers, req)
	f.senders = append(f.senders, from)
	return txHash(len(f.transfers)), nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, hash string) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.receipts[hash]; ok {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type memRecords struct {
	mu      sync.Mutex
	records []*entities.BatchCollectRecord
}

func (r *memRecords) CreateRecord(_ context.Context, record *entities.BatchCollectRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append([]*entities.BatchCollectRecord{record}, r.records...)
	return nil
}

func (r *memRecords) ListRecords(context.Context, int, int) ([]*entities.BatchCollectRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records, nil
}

func (r *memRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type staticAddresses []*entities.DepositAddress

func (a staticAddresses) ListActive(context.Context) ([]*entities.DepositAddress, error) {
	return a, nil
}

type memMarker struct {
	mu     sync.Mutex
	marked []string
}

func (m *memMarker) MarkSentToCollection(_ context.Context, address string, _ entities.Token) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, address)
	return 1, nil
}

type staticCollection struct {
	signer *custody.Signer
}

func (c staticCollection) Address(context.Context) (string, error) { return c.signer.Address, nil }

func (c staticCollection) Load(context.Context) (*custody.Signer, error) { return c.signer, nil }

type sweepFixture struct {
	svc        *Service
	chain      *fakeChain
	records    *memRecords
	marker     *memMarker
	lock       *cache.LocalLock
	collection string
	addrs      []*entities.DepositAddress
}

func newSweepFixture(t *testing.T, count int) *sweepFixture {
	t.Helper()
	keyring, err := chain.NewKeyring(testMnemonic, "")
	require.NoError(t, err)

	var addrs []*entities.DepositAddress
	for i := 0; i < count; i++ {
		addr, err := keyring.Address(int64(i))
		require.NoError(t, err)
		addrs = append(addrs, &entities.DepositAddress{
			ID: uuid.New(), UserID: uuid.New(), Address: addr, DerivationIndex: int64(i),
			Status: entities.DepositAddressActive,
		})
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := &custody.Signer{Address: chain.AddressOf(key), Key: key}

	registry := tokens.NewRegistry(config.BlockchainConfig{
		NativeSymbol: "ETH",
		Tokens:       []config.TokenConfig{{Symbol: "USDT", Address: usdtAddress, Decimals: 6}},
	})

	f := &sweepFixture{
		chain:      newFakeChain(),
		records:    &memRecords{},
		marker:     &memMarker{},
		lock:       cache.NewLocalLock(),
		collection: signer.Address,
		addrs:      addrs,
	}
	f.svc = NewService(Config{GasBufferMultiplier: decimal.RequireFromString("1.2"), LockTTL: time.Minute},
		registry, staticAddresses(addrs), f.records, f.marker, f.chain, keyring, staticCollection{signer: signer},
		f.lock, logger.NewNop())
	return f
}

func wei(n int64) *big.Int { return big.NewInt(n) }

// perAddressGas at 1 gwei: 65000 * 1e9 * 1.2
var perAddressGas = wei(78_000 * gwei)

func TestRun_TokenSweepCompleted(t *testing.T) {
	f := newSweepFixture(t, 3)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(5_000_000))
	f.chain.set(f.chain.tokens, f.addrs[1].Address, wei(7_250_000))
	f.chain.set(f.chain.native, f.addrs[1].Address, wei(500_000*gwei))
	// addrs[2] holds nothing and is skipped

	record, err := f.svc.Run(context.Background(), "usdt", "admin-1")
	require.NoError(t, err)

	assert.Equal(t, entities.BatchCollectCompleted, record.Status)
	assert.Equal(t, "USDT", record.TokenSymbol)
	assert.True(t, record.TotalCollected.Equal(decimal.RequireFromString("12.25")))
	assert.Equal(t, 2, record.AddressesCount)
	assert.Equal(t, 2, record.SucceededCount)
	assert.Zero(t, record.FailedCount)
	// funding, two collections and one recovery, in phase order
	require.Len(t, f.chain.transfers, 4)
	assert.Equal(t, []string{txHash(1), txHash(2), txHash(3), txHash(4)}, []string(record.TxHashes))
	assert.Equal(t, "admin-1", record.ExecutedBy)
	assert.Nil(t, record.ErrorMessage)

	assert.Equal(t, wei(12_250_000), balanceOf(f.chain.tokens, f.collection))
	assert.Zero(t, balanceOf(f.chain.tokens, f.addrs[0].Address).Sign())

	// only the unfunded address got gas, and exactly the deficit
	funding := f.chain.transfers[0]
	assert.Equal(t, f.collection, f.chain.senders[0])
	assert.Equal(t, f.addrs[0].Address, funding.To)
	assert.Equal(t, perAddressGas, funding.Amount)

	// addrs[1] had spare gas and returned it
	last := f.chain.transfers[len(f.chain.transfers)-1]
	assert.True(t, last.Token.IsNative())
	assert.Equal(t, f.collection, last.To)
	assert.Equal(t, strings.ToLower(f.addrs[1].Address), f.chain.senders[len(f.chain.senders)-1])

	assert.ElementsMatch(t, []string{f.addrs[0].Address, f.addrs[1].Address}, f.marker.marked)
	assert.Equal(t, 1, f.records.count())

	progress := f.svc.Progress(context.Background())
	assert.False(t, progress.Running)
	assert.Equal(t, entities.SweepPhaseDone, progress.Phase)
	assert.Equal(t, 2, progress.Completed)
	assert.Equal(t, entities.BatchCollectCompleted, progress.Status)
}

func TestRun_GasRecoverySkipsFailedAddresses(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))
	for _, a := range f.addrs {
		f.chain.set(f.chain.tokens, a.Address, wei(1_000_000))
		f.chain.set(f.chain.native, a.Address, wei(500_000*gwei))
	}
	// the second collection is broadcast but its receipt never arrives
	f.chain.receipts[txHash(2)] = errors.New("timed out waiting for receipt")

	record, err := f.svc.Run(context.Background(), "USDT", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, entities.BatchCollectPartial, record.Status)
	assert.Equal(t, 1, record.SucceededCount)

	require.Len(t, f.chain.transfers, 3)
	assert.Equal(t, strings.ToLower(f.addrs[0].Address), strings.ToLower(f.chain.senders[2]))
	assert.True(t, f.chain.transfers[2].Token.IsNative())
	// the pending address keeps its gas
	assert.Equal(t, wei(435_000*gwei), balanceOf(f.chain.native, f.addrs[1].Address))
	assert.Equal(t, []string{txHash(1), txHash(2), txHash(3)}, []string(record.TxHashes))
}

func TestRun_EmitsPhaseSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	f := newSweepFixture(t, 1)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(1_000_000))

	record, err := f.svc.Run(context.Background(), "USDT", "admin-1")
	require.NoError(t, err)

	names := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		names[span.Name()] = span
	}
	require.Contains(t, names, "collection.sweep")
	assert.Contains(t, names, "collection.gas_distribution")
	assert.Contains(t, names, "collection.token_collection")
	assert.Contains(t, names, "collection.gas_recovery")

	sweep := names["collection.sweep"]
	attrs := make(map[string]string)
	for _, kv := range sweep.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "USDT", attrs["collection.token"])
	assert.Equal(t, string(record.Status), attrs["collection.status"])
	assert.NotEmpty(t, attrs["collection.run_id"])

	// phases are children of the sweep span
	assert.Equal(t, sweep.SpanContext().SpanID(), names["collection.token_collection"].Parent().SpanID())
}

func TestRun_InsufficientGlobalGasMakesNoTransfers(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.collection, wei(100_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(1_000_000))
	f.chain.set(f.chain.tokens, f.addrs[1].Address, wei(1_000_000))
	// every address counts toward the requirement, funded or not
	f.chain.set(f.chain.native, f.addrs[1].Address, wei(1_000_000*gwei))

	record, err := f.svc.Run(context.Background(), "USDT", "scheduler")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientGlobalGas))

	require.NotNil(t, record)
	assert.Equal(t, entities.BatchCollectFailed, record.Status)
	require.NotNil(t, record.ErrorMessage)
	assert.Contains(t, *record.ErrorMessage, "INSUFFICIENT_GLOBAL_GAS")
	assert.Empty(t, f.chain.transfers)
	assert.Equal(t, 1, f.records.count())
}

func TestRun_PartialWhenOneAddressFails(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(1_000_000))
	f.chain.set(f.chain.tokens, f.addrs[1].Address, wei(2_000_000))
	f.chain.failFrom[strings.ToLower(f.addrs[1].Address)] = errors.New("Blacklistable: account is blacklisted")

	record, err := f.svc.Run(context.Background(), "USDT", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, entities.BatchCollectPartial, record.Status)
	assert.Equal(t, 1, record.SucceededCount)
	assert.Equal(t, 1, record.FailedCount)
	assert.True(t, record.TotalCollected.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, []string{f.addrs[0].Address}, f.marker.marked)
}

func TestRun_NothingToCollect(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))

	record, err := f.svc.Run(context.Background(), "USDT", "admin-1")
	assert.Nil(t, record)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNothingToCollect))
	assert.Zero(t, f.records.count())

	// the lock was released
	_, err = f.svc.Run(context.Background(), "USDT", "admin-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNothingToCollect))
}

func TestRun_NativeSweepPaysItsOwnGas(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.addrs[0].Address, wei(1_000_000*gwei))
	// not worth a transfer
	f.chain.set(f.chain.native, f.addrs[1].Address, wei(21_000*gwei))

	record, err := f.svc.Run(context.Background(), "ETH", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, entities.BatchCollectCompleted, record.Status)
	assert.Equal(t, 1, record.AddressesCount)

	require.Len(t, f.chain.transfers, 1)
	assert.Equal(t, wei(979_000*gwei), f.chain.transfers[0].Amount)
	assert.Zero(t, balanceOf(f.chain.native, f.addrs[0].Address).Sign())
	assert.True(t, record.TotalCollected.Equal(decimal.RequireFromString("0.000979")))
}

func TestPreview(t *testing.T) {
	f := newSweepFixture(t, 2)
	f.chain.set(f.chain.native, f.collection, wei(100_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(3_000_000))
	f.chain.set(f.chain.tokens, f.addrs[1].Address, wei(4_000_000))
	f.chain.set(f.chain.native, f.addrs[1].Address, wei(50_000*gwei))

	preview, err := f.svc.Preview(context.Background(), "USDT")
	require.NoError(t, err)
	assert.Equal(t, 2, preview.AddressesCount)
	assert.True(t, preview.TotalTokens.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, "1000000000", preview.GasPriceWei)
	assert.True(t, preview.PerAddressGas.Equal(decimal.RequireFromString("0.000078")))
	assert.True(t, preview.RequiredGas.Equal(decimal.RequireFromString("0.000156")))
	assert.False(t, preview.Sufficient)
	assert.True(t, preview.Candidates[1].GasDeficit.Equal(decimal.RequireFromString("0.000028")))
	assert.Empty(t, f.chain.transfers)

	_, err = f.svc.Preview(context.Background(), "DOGE")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnknownToken))
}

func TestStart_RejectsWhileAnotherSweepHoldsTheLock(t *testing.T) {
	f := newSweepFixture(t, 1)

	token, err := f.lock.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = f.svc.Start(context.Background(), "USDT", "admin-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCollectionInProgress))
	assert.True(t, apperrors.IsConflict(err))

	require.NoError(t, f.lock.Release(context.Background(), lockKey, token))

	f.svc.running = true
	_, err = f.svc.Run(context.Background(), "USDT", "admin-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCollectionInProgress))
}

func TestStart_RunsInBackground(t *testing.T) {
	f := newSweepFixture(t, 1)
	f.chain.set(f.chain.native, f.collection, wei(1_000_000*gwei))
	f.chain.set(f.chain.tokens, f.addrs[0].Address, wei(1_000_000))

	progress, err := f.svc.Start(context.Background(), "USDT", "admin-1")
	require.NoError(t, err)
	require.NotNil(t, progress.RunID)
	assert.Equal(t, "USDT", progress.Token)

	require.Eventually(t, func() bool {
		return !f.svc.Progress(context.Background()).Running && f.records.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	history, err := f.svc.History(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entities.BatchCollectCompleted, history[0].Status)

	// the lock is free again
	require.Eventually(t, func() bool {
		f.svc.mu.Lock()
		defer f.svc.mu.Unlock()
		return !f.svc.running
	}, time.Second, 10*time.Millisecond)
}
