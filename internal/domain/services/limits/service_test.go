package limits

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/pkg/logger"
)

type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) SumUsage(ctx context.Context, userID uuid.UUID, tokenSymbol string, since time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, userID, tokenSymbol, since)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func newService(repo UsageRepository) *Service {
	svc := NewService(map[string]config.LimitConfig{
		"USDT": {Daily: "1000", Monthly: "5000"},
		"eth":  {Monthly: "10"},
	}, repo, logger.NewNop())
	svc.nowFn = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }
	return svc
}

var (
	dayStart   = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	monthStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func TestValidateWithdrawal_WithinLimits(t *testing.T) {
	repo := new(MockUsageRepository)
	user := uuid.New()
	repo.On("SumUsage", mock.Anything, user, "USDT", dayStart).Return(decimal.NewFromInt(200), nil)
	repo.On("SumUsage", mock.Anything, user, "USDT", monthStart).Return(decimal.NewFromInt(4500), nil)

	result, err := newService(repo).ValidateWithdrawal(context.Background(), user, "USDT", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "monthly", result.LimitType)
	assert.True(t, result.RemainingCapacity.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), result.ResetsAt)
	repo.AssertExpectations(t)
}

func TestValidateWithdrawal_DailyExceeded(t *testing.T) {
	repo := new(MockUsageRepository)
	user := uuid.New()
	repo.On("SumUsage", mock.Anything, user, "USDT", dayStart).Return(decimal.NewFromInt(900), nil)

	result, err := newService(repo).ValidateWithdrawal(context.Background(), user, "USDT", decimal.NewFromInt(101))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLimitExceeded))
	assert.True(t, apperrors.IsInvalidInput(err))
	assert.False(t, result.Allowed)
	assert.Equal(t, "daily", result.LimitType)
	assert.True(t, result.RemainingCapacity.Equal(decimal.NewFromInt(100)))
	repo.AssertNotCalled(t, "SumUsage", mock.Anything, user, "USDT", monthStart)
}

func TestValidateWithdrawal_ExactlyAtLimitIsAllowed(t *testing.T) {
	repo := new(MockUsageRepository)
	user := uuid.New()
	repo.On("SumUsage", mock.Anything, user, "ETH", monthStart).Return(decimal.RequireFromString("9.5"), nil)

	result, err := newService(repo).ValidateWithdrawal(context.Background(), user, "ETH", decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.RemainingCapacity.Equal(decimal.RequireFromString("0.5")))
}

func TestValidateWithdrawal_UnconfiguredTokenIsUnlimited(t *testing.T) {
	repo := new(MockUsageRepository)

	result, err := newService(repo).ValidateWithdrawal(context.Background(), uuid.New(), "DAI", decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	repo.AssertNotCalled(t, "SumUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
