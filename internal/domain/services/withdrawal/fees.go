package withdrawal

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
)

// FeeSchedule computes the withdrawal fee per token as fixed + amount*percent.
// percent is a fraction: 0.001 charges a tenth of a percent.
type FeeSchedule struct {
	fees map[string]fee
}

type fee struct {
	fixed   decimal.Decimal
	percent decimal.Decimal
}

// NewFeeSchedule builds a schedule from config. Tokens without an entry are free.
func NewFeeSchedule(cfg map[string]config.FeeConfig) FeeSchedule {
	fees := make(map[string]fee, len(cfg))
	for symbol, f := range cfg {
		fees[strings.ToLower(symbol)] = fee{
			fixed:   config.DecimalOrZero(f.Fixed),
			percent: config.DecimalOrZero(f.Percent),
		}
	}
	return FeeSchedule{fees: fees}
}

// Fee returns the fee for withdrawing amount of token, rounded up to the
// token's precision.
func (s FeeSchedule) Fee(token entities.Token, amount decimal.Decimal) decimal.Decimal {
	f, ok := s.fees[strings.ToLower(token.Symbol)]
	if !ok {
		return decimal.Zero
	}
	return f.fixed.Add(amount.Mul(f.percent)).RoundCeil(token.Decimals)
}
