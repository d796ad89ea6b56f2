package tokenomics

import (
	"math/big"
	"strings"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

// RateSource yields the rate table to plan against.
type RateSource interface {
	Current() *RateTable
}

// Planner splits gross token amounts into burn, treasury and user parts.
type Planner struct {
	rates RateSource
}

func NewPlanner(rates RateSource) *Planner {
	return &Planner{rates: rates}
}

// ComputePlan floors burn and treasury shares and gives the remainder to the
// user, so rounding dust always lands with the user.
func (p *Planner) ComputePlan(gross *big.Int, txType string) (*entities.DistributionPlan, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, domainerrors.ValidationError("gross_amount", "gross amount must be non-negative")
	}
	table := p.rates.Current()
	if table == nil {
		return nil, domainerrors.ConfigurationError("no rate table loaded")
	}
	snapshot, err := table.Resolve(strings.ToLower(strings.TrimSpace(txType)))
	if err != nil {
		return nil, err
	}

	burn := share(gross, snapshot.BurnBps)
	treasury := share(gross, snapshot.TreasuryBps)
	user := new(big.Int).Sub(gross, burn)
	user.Sub(user, treasury)

	return &entities.DistributionPlan{
		GrossAmount:       new(big.Int).Set(gross),
		BurnAmount:        burn,
		TreasuryAmount:    treasury,
		UserAmount:        user,
		RateTableSnapshot: snapshot,
	}, nil
}

func share(gross *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(gross, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(BpsBase))
}
