package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
)

type memBalanceRepo struct {
	mu       sync.Mutex
	rows     map[string]*entities.Balance
	updateFn func(*entities.Balance) error
}

func newMemBalanceRepo() *memBalanceRepo {
	return &memBalanceRepo{rows: make(map[string]*entities.Balance)}
}

func balanceKey(userID uuid.UUID, symbol, address string) string {
	return userID.String() + "|" + symbol + "|" + address
}

func (r *memBalanceRepo) Get(_ context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[balanceKey(userID, token.Symbol, token.Address)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memBalanceRepo) GetForUpdate(ctx context.Context, userID uuid.UUID, token entities.Token) (*entities.Balance, error) {
	return r.Get(ctx, userID, token)
}

func (r *memBalanceRepo) CreateIfMissing(_ context.Context, b *entities.Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := balanceKey(b.UserID, b.TokenSymbol, b.TokenAddress)
	if _, ok := r.rows[key]; !ok {
		cp := *b
		r.rows[key] = &cp
	}
	return nil
}

func (r *memBalanceRepo) Update(_ context.Context, b *entities.Balance) error {
	if r.updateFn != nil {
		if err := r.updateFn(b); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := balanceKey(b.UserID, b.TokenSymbol, b.TokenAddress)
	stored, ok := r.rows[key]
	if !ok || stored.Version != b.Version {
		return errors.New("version mismatch")
	}
	b.Version++
	cp := *b
	r.rows[key] = &cp
	return nil
}

func (r *memBalanceRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Balance
	for _, b := range r.rows {
		if b.UserID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// serialTx stands in for row locks by running one transaction at a time
type serialTx struct {
	mu sync.Mutex
}

func (s *serialTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*entities.BalanceChangedEvent
}

func (p *capturePublisher) Publish(_ context.Context, e *entities.BalanceChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

var usdt = entities.Token{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6}

func newTestService() (*Service, *memBalanceRepo, *capturePublisher) {
	repo := newMemBalanceRepo()
	pub := &capturePublisher{}
	return NewService(repo, &serialTx{}, pub, logger.NewNop()), repo, pub
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCredit_CreatesRowAndEmitsEvent(t *testing.T) {
	svc, _, pub := newTestService()
	user := uuid.New()

	bal, err := svc.Credit(context.Background(), user, usdt, d("100"), entities.ReasonDeposit, "tx:0xabc:0")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("100")))
	assert.True(t, bal.Locked.IsZero())

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, entities.LedgerOpCredit, ev.Op)
	assert.True(t, ev.Delta.Equal(d("100")))
	assert.True(t, ev.NewAvailable.Equal(d("100")))
	assert.Equal(t, "tx:0xabc:0", ev.ReferenceID)
}

func TestMutations_RejectNonPositiveAmount(t *testing.T) {
	svc, repo, pub := newTestService()
	user := uuid.New()

	for _, amount := range []string{"0", "-5"} {
		_, err := svc.Credit(context.Background(), user, usdt, d(amount), entities.ReasonDeposit, "")
		assert.ErrorIs(t, err, entities.ErrInvalidAmount)
	}
	assert.Empty(t, repo.rows)
	assert.Empty(t, pub.events)
}

func TestLockUnlockSettle(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()

	_, err := svc.Credit(ctx, user, usdt, d("100"), entities.ReasonDeposit, "")
	require.NoError(t, err)

	bal, err := svc.Lock(ctx, user, usdt, d("30"), entities.ReasonWithdrawalHold, "")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("70")))
	assert.True(t, bal.Locked.Equal(d("30")))

	bal, err = svc.Unlock(ctx, user, usdt, d("10"), entities.ReasonWithdrawalRejected, "")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("80")))
	assert.True(t, bal.Locked.Equal(d("20")))

	bal, err = svc.Settle(ctx, user, usdt, d("20"), entities.ReasonWithdrawalSettled, "")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("80")))
	assert.True(t, bal.Locked.IsZero())

	bal, err = svc.Debit(ctx, user, usdt, d("80"), "adjustment", "")
	require.NoError(t, err)
	assert.True(t, bal.Total().IsZero())
}

func TestInsufficientBalance_LeavesRowUntouched(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	user := uuid.New()

	_, err := svc.Credit(ctx, user, usdt, d("10"), entities.ReasonDeposit, "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, user, usdt, d("10.000001"), "adjustment", "")
	assert.ErrorIs(t, err, entities.ErrInsufficientAvailableBalance)

	_, err = svc.Lock(ctx, user, usdt, d("11"), entities.ReasonWithdrawalHold, "")
	assert.ErrorIs(t, err, entities.ErrInsufficientAvailableBalance)

	_, err = svc.Unlock(ctx, user, usdt, d("1"), entities.ReasonWithdrawalRejected, "")
	assert.ErrorIs(t, err, entities.ErrInsufficientLockedBalance)

	bal, err := repo.Get(ctx, user, usdt)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("10")))
	assert.True(t, bal.Locked.IsZero())
	assert.Len(t, pub.events, 1)
}

func TestDebit_MissingRowIsInsufficientAndNotCreated(t *testing.T) {
	svc, repo, _ := newTestService()
	user := uuid.New()

	_, err := svc.Debit(context.Background(), user, usdt, d("1"), "adjustment", "")
	assert.ErrorIs(t, err, entities.ErrInsufficientAvailableBalance)
	assert.Empty(t, repo.rows)
}

func TestUpdateFailure_PublishesNothing(t *testing.T) {
	svc, repo, pub := newTestService()
	repo.updateFn = func(*entities.Balance) error { return errors.New("connection reset") }

	_, err := svc.Credit(context.Background(), uuid.New(), usdt, d("5"), entities.ReasonDeposit, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, pub.events)
}

func TestTokensAreIndependentRows(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()
	eth := entities.Token{Symbol: "ETH", Decimals: 18}

	_, err := svc.Credit(ctx, user, usdt, d("1"), entities.ReasonDeposit, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, user, eth, d("0.5"), entities.ReasonDeposit, "")
	require.NoError(t, err)

	balances, err := svc.ListBalances(ctx, user)
	require.NoError(t, err)
	assert.Len(t, balances, 2)

	other, err := svc.GetBalance(ctx, uuid.New(), usdt)
	require.NoError(t, err)
	assert.True(t, other.Total().IsZero())
}

func TestConcurrentCreditsAndLocks_NoLostUpdates(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, user, usdt, d("2"), entities.ReasonDeposit, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var locked sync.WaitGroup
	var failures int
	var mu sync.Mutex
	for i := 0; i < workers*2; i++ {
		locked.Add(1)
		go func() {
			defer locked.Done()
			if _, err := svc.Lock(ctx, user, usdt, d("1.5"), entities.ReasonWithdrawalHold, ""); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	locked.Wait()

	bal, err := svc.GetBalance(ctx, user, usdt)
	require.NoError(t, err)
	assert.True(t, bal.Total().Equal(d("100")))
	assert.False(t, bal.Available.IsNegative())
	// 100 / 1.5 = 66 holds fit
	assert.True(t, bal.Locked.Equal(d("99")))
	assert.Equal(t, workers*2-66, failures)
}
