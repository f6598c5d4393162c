package venue

import (
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
)

// RoundDownToStep snaps qty down onto the venue's quantity grid. A zero
// step leaves qty untouched.
func RoundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// RoundToTick snaps a price to the venue's tick grid, rounding to the
// nearest tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() || tick.IsNegative() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// QuantityFromNotional converts a USD notional at the given price into
// an order quantity on the venue's step grid. The result is rounded
// down, never up, so the placed order never exceeds the intended
// notional. Quantities that round to zero or fall below the venue's
// minimum fail with TooSmall.
func QuantityFromNotional(v domain.Venue, symbol string, notionalUSD, price, step, min decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, domain.E(domain.KindClient, "%s: no usable price for %s", v, symbol)
	}
	if !notionalUSD.IsPositive() {
		return decimal.Zero, domain.E(domain.KindTooSmall, "%s: notional %s USD is not positive", v, notionalUSD)
	}
	qty := RoundDownToStep(notionalUSD.Div(price), step)
	if !qty.IsPositive() || (min.IsPositive() && qty.LessThan(min)) {
		return decimal.Zero, domain.E(domain.KindTooSmall,
			"%s: %s USD at price %s yields quantity %s below minimum for %s",
			v, notionalUSD, price, qty, symbol).
			WithField("notionalUSD", notionalUSD.String()).
			WithField("minQuantity", min.String())
	}
	return qty, nil
}
