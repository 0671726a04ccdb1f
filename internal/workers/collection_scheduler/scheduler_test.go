package collection_scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/pkg/logger"
)

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Run(ctx context.Context, symbol, executedBy string) (*entities.BatchCollectRecord, error) {
	args := m.Called(ctx, symbol, executedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.BatchCollectRecord), args.Error(1)
}

func TestScheduler_DisabledWithoutSchedule(t *testing.T) {
	sweeper := new(MockSweeper)
	s := NewScheduler("", "USDT", 0, sweeper, logger.NewNop())

	assert.False(t, s.Enabled())
	require.NoError(t, s.Start())
	s.Stop()
	sweeper.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler("sometimes", "USDT", 0, new(MockSweeper), logger.NewNop())
	assert.Error(t, s.Start())
}

func TestScheduler_RunOnceSweepsAsScheduler(t *testing.T) {
	sweeper := new(MockSweeper)
	sweeper.On("Run", mock.Anything, "USDT", "scheduler").
		Return(&entities.BatchCollectRecord{Status: entities.BatchCollectCompleted}, nil).Once()
	sweeper.On("Run", mock.Anything, "USDT", "scheduler").
		Return(nil, apperrors.ConflictError(apperrors.CodeNothingToCollect, "nothing to collect")).Once()
	sweeper.On("Run", mock.Anything, "USDT", "scheduler").
		Return(nil, apperrors.ConflictError(apperrors.CodeCollectionInProgress, "sweep running")).Once()

	s := NewScheduler("@every 1h", "USDT", 0, sweeper, logger.NewNop())
	for i := 0; i < 3; i++ {
		s.RunOnce(context.Background())
	}

	sweeper.AssertNumberOfCalls(t, "Run", 3)
}
