package limits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/pkg/logger"
)

// UsageRepository sums what a user has already committed to withdrawals
type UsageRepository interface {
	SumUsage(ctx context.Context, userID uuid.UUID, tokenSymbol string, since time.Time) (decimal.Decimal, error)
}

// Service handles withdrawal limit validation
type Service struct {
	limits    map[string]config.LimitConfig
	usageRepo UsageRepository
	logger    *logger.Logger
	nowFn     func() time.Time
}

// NewService creates a new limits service. Limit keys are token symbols in
// any case; a token without an entry is unlimited.
func NewService(limits map[string]config.LimitConfig, usageRepo UsageRepository, logger *logger.Logger) *Service {
	normalized := make(map[string]config.LimitConfig, len(limits))
	for symbol, l := range limits {
		normalized[strings.ToLower(symbol)] = l
	}
	return &Service{
		limits:    normalized,
		usageRepo: usageRepo,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

type window struct {
	name  string
	limit decimal.Decimal
	start time.Time
	reset time.Time
}

func (s *Service) windows(symbol string) []window {
	cfg, ok := s.limits[strings.ToLower(symbol)]
	if !ok {
		return nil
	}

	now := s.nowFn()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var out []window
	if daily := config.DecimalOrZero(cfg.Daily); daily.IsPositive() {
		out = append(out, window{name: "daily", limit: daily, start: dayStart, reset: dayStart.AddDate(0, 0, 1)})
	}
	if monthly := config.DecimalOrZero(cfg.Monthly); monthly.IsPositive() {
		out = append(out, window{name: "monthly", limit: monthly, start: monthStart, reset: monthStart.AddDate(0, 1, 0)})
	}
	return out
}

// ValidateWithdrawal checks amount against the user's daily and monthly
// windows. The returned result describes the tightest window.
func (s *Service) ValidateWithdrawal(ctx context.Context, userID uuid.UUID, tokenSymbol string, amount decimal.Decimal) (*entities.LimitCheckResult, error) {
	windows := s.windows(tokenSymbol)
	if len(windows) == 0 {
		return &entities.LimitCheckResult{Allowed: true}, nil
	}

	var tightest *entities.LimitCheckResult
	for _, w := range windows {
		used, err := s.usageRepo.SumUsage(ctx, userID, tokenSymbol, w.start)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s usage: %w", w.name, err)
		}

		remaining := w.limit.Sub(used)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		result := &entities.LimitCheckResult{
			Allowed:           true,
			CurrentUsage:      used,
			Limit:             w.limit,
			RemainingCapacity: remaining,
			ResetsAt:          w.reset,
			LimitType:         w.name,
		}

		if used.Add(amount).GreaterThan(w.limit) {
			result.Allowed = false
			result.Reason = fmt.Sprintf("%s withdrawal limit exceeded", w.name)
			s.logger.Info("Withdrawal limit exceeded",
				"user_id", userID,
				"token", tokenSymbol,
				"window", w.name,
				"used", used.String(),
				"limit", w.limit.String(),
				"requested", amount.String())
			return result, apperrors.ValidationError(apperrors.CodeLimitExceeded, "amount", result.Reason).
				WithDetails(map[string]interface{}{
					"limit_type":         w.name,
					"limit":              w.limit.String(),
					"current_usage":      used.String(),
					"remaining_capacity": remaining.String(),
					"resets_at":          w.reset,
				})
		}

		if tightest == nil || remaining.LessThan(tightest.RemainingCapacity) {
			tightest = result
		}
	}
	return tightest, nil
}
