package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/internal/infrastructure/repositories"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/retry"
	"github.com/custodial/settlement_service/pkg/webhook"
)

const (
	secret      = "whsec_test"
	usdtAddress = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	userAddress = "0x1111111111111111111111111111111111111111"
)

type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Enqueue(ctx context.Context, job *entities.DepositJob) (bool, error) {
	args := m.Called(ctx, job)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositJob), args.Error(1)
}

func (m *MockJobRepository) GetParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.DepositJob), args.Error(1)
}

func (m *MockJobRepository) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobRepository) GetMetrics(ctx context.Context) (*entities.DepositJobMetrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositJobMetrics), args.Error(1)
}

type memAddresses struct {
	mu     sync.Mutex
	byAddr map[string]*entities.DepositAddress
	next   int64
}

func newMemAddresses() *memAddresses {
	return &memAddresses{byAddr: make(map[string]*entities.DepositAddress)}
}

func (m *memAddresses) add(userID uuid.UUID, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAddr[address] = &entities.DepositAddress{
		ID: uuid.New(), UserID: userID, Address: address,
		DerivationIndex: m.next, Status: entities.DepositAddressActive,
	}
	m.next++
}

func (m *memAddresses) GetByAddress(_ context.Context, address string) (*entities.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAddr[address], nil
}

func (m *memAddresses) GetActiveByUser(_ context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byAddr {
		if a.UserID == userID && a.Status == entities.DepositAddressActive {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAddresses) NextDerivationIndex(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, nil
}

func (m *memAddresses) Create(_ context.Context, addr *entities.DepositAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAddr[addr.Address] = addr
	m.next = addr.DerivationIndex + 1
	return nil
}

type memEvents struct {
	mu       sync.Mutex
	byKey    map[string]*entities.DepositEvent
	conflict bool
}

func newMemEvents() *memEvents {
	return &memEvents{byKey: make(map[string]*entities.DepositEvent)}
}

func (m *memEvents) RecordPending(_ context.Context, e *entities.DepositEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[e.DedupKey]; !ok {
		e.Status = entities.DepositEventPending
		m.byKey[e.DedupKey] = e
	}
	return nil
}

func (m *memEvents) RecordConfirmed(_ context.Context, e *entities.DepositEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict {
		return false, repositories.ErrDepositEventConflict
	}
	existing, ok := m.byKey[e.DedupKey]
	if ok && existing.Status != entities.DepositEventPending {
		return false, nil
	}
	e.Status = entities.DepositEventConfirmed
	m.byKey[e.DedupKey] = e
	return true, nil
}

type credit struct {
	userID uuid.UUID
	token  entities.Token
	amount decimal.Decimal
	ref    string
}

type fakeLedger struct {
	mu      sync.Mutex
	credits []credit
	err     error
}

func (l *fakeLedger) Credit(_ context.Context, userID uuid.UUID, token entities.Token, amount decimal.Decimal, _, ref string) (*entities.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.credits = append(l.credits, credit{userID: userID, token: token, amount: amount, ref: ref})
	return entities.NewBalance(userID, token), nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type indexDeriver struct{}

func (indexDeriver) Address(index int64) (string, error) {
	return fmt.Sprintf("0x%040x", index+0xabc), nil
}

type fixture struct {
	svc       *Service
	jobs      *MockJobRepository
	addresses *memAddresses
	events    *memEvents
	ledger    *fakeLedger
	signer    *webhook.Verifier
}

func newFixture(webhookSecret string) *fixture {
	registry := tokens.NewRegistry(config.BlockchainConfig{
		NativeSymbol: "ETH",
		Tokens: []config.TokenConfig{
			{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		},
	})
	f := &fixture{
		jobs:      new(MockJobRepository),
		addresses: newMemAddresses(),
		events:    newMemEvents(),
		ledger:    &fakeLedger{},
		signer:    webhook.NewVerifier(webhook.SchemeHMACSHA256, secret),
	}
	f.svc = NewService(
		Config{ChainID: 1, MaxAttempts: 5},
		webhook.NewVerifier(webhook.SchemeHMACSHA256, webhookSecret),
		registry,
		f.addresses,
		f.events,
		f.jobs,
		f.ledger,
		passthroughTx{},
		indexDeriver{},
		logger.NewNop(),
	)
	return f
}

func notification(overrides map[string]interface{}) []byte {
	body := map[string]interface{}{
		"event_id":      "evt_1",
		"chain_id":      1,
		"tx_hash":       "0xABCDEF",
		"log_index":     3,
		"block_number":  100,
		"to_address":    userAddress,
		"token_address": usdtAddress,
		"raw_amount":    "2500000",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	f := newFixture(secret)
	body := notification(nil)

	_, err := f.svc.Ingest(context.Background(), body, "deadbeef")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidSignature))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestIngest_MissingSecretIsConfigurationError(t *testing.T) {
	f := newFixture("")
	body := notification(nil)

	_, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeWebhookSecretMissing))
}

func TestIngest_QueuesKnownTokenWithScaledRawAmount(t *testing.T) {
	f := newFixture(secret)
	body := notification(nil)

	var queued *entities.DepositJob
	f.jobs.On("Enqueue", mock.Anything, mock.AnythingOfType("*entities.DepositJob")).
		Run(func(args mock.Arguments) { queued = args.Get(1).(*entities.DepositJob) }).
		Return(true, nil).Once()

	result, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, entities.NotificationQueued, result.State)
	assert.Equal(t, "tx:0xabcdef:3", result.DedupKey)

	require.NotNil(t, queued)
	assert.Equal(t, "USDT", queued.TokenSymbol)
	assert.Equal(t, usdtAddress, queued.TokenAddress)
	assert.Equal(t, int32(6), queued.TokenDecimals)
	assert.True(t, queued.Amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, entities.DepositJobPending, queued.Status)
	assert.Equal(t, 5, queued.MaxAttempts)
	f.jobs.AssertExpectations(t)
}

func TestIngest_DuplicateIsAcknowledged(t *testing.T) {
	f := newFixture(secret)
	body := notification(nil)
	f.jobs.On("Enqueue", mock.Anything, mock.Anything).Return(false, nil).Once()

	result, err := f.svc.Ingest(context.Background(), body, "sha256="+f.signer.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, entities.NotificationDuplicate, result.State)
	assert.Nil(t, result.JobID)
}

func TestIngest_UnknownTokenDefaultsTo18Decimals(t *testing.T) {
	f := newFixture(secret)
	body := notification(map[string]interface{}{
		"token_address": "0x2222222222222222222222222222222222222222",
		"token_symbol":  "foo",
		"raw_amount":    "1500000000000000000",
	})

	var queued *entities.DepositJob
	f.jobs.On("Enqueue", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { queued = args.Get(1).(*entities.DepositJob) }).
		Return(true, nil).Once()

	_, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, "FOO", queued.TokenSymbol)
	assert.Equal(t, int32(18), queued.TokenDecimals)
	assert.True(t, queued.Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestIngest_NativeDecimalAmount(t *testing.T) {
	f := newFixture(secret)
	body := notification(map[string]interface{}{
		"token_address": "",
		"raw_amount":    nil,
		"amount":        "0.25",
		"tx_hash":       nil,
	})

	var queued *entities.DepositJob
	f.jobs.On("Enqueue", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { queued = args.Get(1).(*entities.DepositJob) }).
		Return(true, nil).Once()

	result, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, "evt:evt_1", result.DedupKey)
	assert.Equal(t, "ETH", queued.TokenSymbol)
	assert.True(t, queued.Amount.Equal(decimal.RequireFromString("0.25")))
}

func TestIngest_ValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
		code      string
	}{
		{"zero amount", map[string]interface{}{"raw_amount": "0"}, apperrors.CodeInvalidAmount},
		{"fractional raw amount", map[string]interface{}{"raw_amount": "1.5"}, apperrors.CodeInvalidAmount},
		{"bad destination", map[string]interface{}{"to_address": "nope"}, apperrors.CodeInvalidAddress},
		{"no dedup key", map[string]interface{}{"tx_hash": nil, "event_id": nil}, apperrors.CodeInvalidPayload},
		{"unknown token without symbol", map[string]interface{}{
			"token_address": "0x3333333333333333333333333333333333333333",
		}, apperrors.CodeUnknownToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(secret)
			body := notification(tt.overrides)
			_, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetErrorCode(err))
			f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		})
	}
}

func TestIngest_MalformedJSON(t *testing.T) {
	f := newFixture(secret)
	body := []byte(`{"tx_hash":`)
	_, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidPayload))
}

func TestIngest_OtherChainIgnored(t *testing.T) {
	f := newFixture(secret)
	body := notification(map[string]interface{}{"chain_id": 56})

	result, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, entities.NotificationIgnored, result.State)
	f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestIngest_UnconfirmedRecordsPendingEventOnly(t *testing.T) {
	f := newFixture(secret)
	user := uuid.New()
	f.addresses.add(user, userAddress)
	body := notification(map[string]interface{}{"confirmed": false})

	result, err := f.svc.Ingest(context.Background(), body, f.signer.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, entities.NotificationPending, result.State)

	ev := f.events.byKey["tx:0xabcdef:3"]
	require.NotNil(t, ev)
	assert.Equal(t, entities.DepositEventPending, ev.Status)
	assert.Equal(t, user, ev.UserID)
	assert.Empty(t, f.ledger.credits)
	f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func testJob() *entities.DepositJob {
	return &entities.DepositJob{
		ID:             uuid.New(),
		DedupKey:       "tx:0xabcdef:3",
		TxHash:         "0xabcdef",
		LogIndex:       3,
		DepositAddress: userAddress,
		TokenSymbol:    "USDT",
		TokenAddress:   usdtAddress,
		TokenDecimals:  6,
		Amount:         decimal.RequireFromString("2.5"),
		Status:         entities.DepositJobProcessing,
		AttemptCount:   1,
		MaxAttempts:    5,
	}
}

func TestProcessJob_CreditsExactlyOnce(t *testing.T) {
	f := newFixture(secret)
	user := uuid.New()
	f.addresses.add(user, userAddress)

	credited, err := f.svc.ProcessJob(context.Background(), testJob())
	require.NoError(t, err)
	assert.True(t, credited)

	credited, err = f.svc.ProcessJob(context.Background(), testJob())
	require.NoError(t, err)
	assert.False(t, credited)

	require.Len(t, f.ledger.credits, 1)
	c := f.ledger.credits[0]
	assert.Equal(t, user, c.userID)
	assert.Equal(t, "USDT", c.token.Symbol)
	assert.True(t, c.amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "tx:0xabcdef:3", c.ref)
	assert.Equal(t, entities.DepositEventConfirmed, f.events.byKey["tx:0xabcdef:3"].Status)
}

func TestProcessJob_PromotesPendingEvent(t *testing.T) {
	f := newFixture(secret)
	user := uuid.New()
	f.addresses.add(user, userAddress)
	require.NoError(t, f.events.RecordPending(context.Background(), &entities.DepositEvent{DedupKey: "tx:0xabcdef:3"}))

	credited, err := f.svc.ProcessJob(context.Background(), testJob())
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Len(t, f.ledger.credits, 1)
}

func TestProcessJob_UnknownAddressIsPermanent(t *testing.T) {
	f := newFixture(secret)

	_, err := f.svc.ProcessJob(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnknownDepositAddress))
	assert.Empty(t, f.ledger.credits)
}

func TestProcessJob_SecondaryIndexConflictIsDuplicate(t *testing.T) {
	f := newFixture(secret)
	f.addresses.add(uuid.New(), userAddress)
	f.events.conflict = true

	credited, err := f.svc.ProcessJob(context.Background(), testJob())
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Empty(t, f.ledger.credits)
}

func TestProcessJob_LedgerFailureIsTransient(t *testing.T) {
	f := newFixture(secret)
	f.addresses.add(uuid.New(), userAddress)
	f.ledger.err = errors.New("connection reset by peer")

	_, err := f.svc.ProcessJob(context.Background(), testJob())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestAssignAddress_DerivesOnceAndReuses(t *testing.T) {
	f := newFixture(secret)
	f.addresses.add(uuid.New(), userAddress)
	user := uuid.New()

	first, err := f.svc.AssignAddress(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.DerivationIndex)
	assert.Equal(t, fmt.Sprintf("0x%040x", 1+0xabc), first.Address)

	second, err := f.svc.AssignAddress(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := f.svc.GetAddress(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, first.Address, got.Address)

	_, err = f.svc.GetAddress(context.Background(), uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRequeue(t *testing.T) {
	f := newFixture(secret)
	parked := testJob()
	parked.Status = entities.DepositJobParked
	done := testJob()
	done.Status = entities.DepositJobCompleted

	f.jobs.On("Requeue", mock.Anything, parked.ID).Return(true, nil).Once()
	f.jobs.On("GetByID", mock.Anything, parked.ID).Return(parked, nil).Once()
	f.jobs.On("Requeue", mock.Anything, done.ID).Return(false, nil).Once()
	f.jobs.On("GetByID", mock.Anything, done.ID).Return(done, nil).Once()
	missing := uuid.New()
	f.jobs.On("Requeue", mock.Anything, missing).Return(false, nil).Once()
	f.jobs.On("GetByID", mock.Anything, missing).Return(nil, nil).Once()

	_, err := f.svc.Requeue(context.Background(), parked.ID)
	require.NoError(t, err)

	_, err = f.svc.Requeue(context.Background(), done.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidStatus))

	_, err = f.svc.Requeue(context.Background(), missing)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeJobNotFound))
	f.jobs.AssertExpectations(t)
}
