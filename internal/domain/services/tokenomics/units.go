package tokenomics

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

// FormatUnits renders an integer amount in smallest units as a decimal
// string, e.g. 1500000000000000000 with 18 decimals is "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ToBaseUnits converts a human amount into smallest units, truncating any
// precision below one unit.
func ToBaseUnits(value decimal.Decimal, decimals uint8) *big.Int {
	return value.Shift(int32(decimals)).Truncate(0).BigInt()
}

// TokensForFiat returns floor(fiat / price) in smallest token units.
func TokensForFiat(fiat, price decimal.Decimal, decimals uint8) (*big.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price %s", domainerrors.ErrPriceUnavailable, price)
	}
	if fiat.IsNegative() {
		return nil, domainerrors.ValidationError("fiat_amount", "fiat amount must be positive")
	}
	q, _ := fiat.Shift(int32(decimals)).QuoRem(price, 0)
	return q.BigInt(), nil
}
