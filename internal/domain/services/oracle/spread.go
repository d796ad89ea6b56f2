package oracle

import (
	"github.com/shopspring/decimal"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

var hundred = decimal.NewFromInt(100)

// SpreadCalculator marks a quote up by a fixed percentage. It is only ever
// applied to the price the engine sells BEZ at.
type SpreadCalculator struct {
	percent decimal.Decimal
}

func NewSpreadCalculator(percent decimal.Decimal) (*SpreadCalculator, error) {
	if percent.IsNegative() {
		return nil, domainerrors.ConfigurationError("spread percent %s must not be negative", percent)
	}
	return &SpreadCalculator{percent: percent}, nil
}

// Percent returns the configured markup.
func (s *SpreadCalculator) Percent() decimal.Decimal { return s.percent }

// ApplyValue returns value * (1 + percent/100).
func (s *SpreadCalculator) ApplyValue(value decimal.Decimal) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(1).Add(s.percent.Div(hundred)))
}

// Apply returns a copy of q with the spread applied.
func (s *SpreadCalculator) Apply(q *entities.PriceQuote) *entities.PriceQuote {
	out := *q
	out.Value = s.ApplyValue(q.Value)
	out.SpreadPercent = s.percent
	return &out
}
