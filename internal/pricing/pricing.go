// Package pricing implements the premium and collateral-reservation model
// for cash-settled options underwritten by a single-asset pool.
//
// Premium = intrinsic value + time value, where the time value is the
// simplified volatility proxy vol * spot * sqrt(timeToExpiry) with a
// deep-out-of-the-money discount. The reservation is the worst-case payout
// set aside when an option opens: intrinsic + the same volatility buffer,
// floored at a fixed fraction of spot. Both are monotonically increasing
// in volatility and time to expiry, and linear in quantity.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math (square roots) uses float64, with results
// immediately converted back to decimal.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned when quantity is not positive.
	ErrInvalidQuantity = errors.New("pricing: quantity must be positive")

	// ErrInvalidStrike is returned when the resolved strike is not positive.
	ErrInvalidStrike = errors.New("pricing: strike price must be positive")

	// ErrInvalidSpot is returned when the oracle spot price is not positive.
	ErrInvalidSpot = errors.New("pricing: spot price must be positive")

	// ErrZeroPremium is returned when the model prices an option at zero.
	// A free option would let buyers lock pool collateral for nothing.
	ErrZeroPremium = errors.New("pricing: computed premium is zero")
)

const secondsPerYear = 365.25 * 24 * 60 * 60

// Model is the stateless pricing policy. Markets pass their own volatility
// and fee parameters per call; the model holds only policy constants.
type Model struct {
	// MinCollateralRatio floors the per-unit reservation at this fraction
	// of spot, so far-out-of-the-money options still lock collateral.
	MinCollateralRatio decimal.Decimal

	// OTMThreshold is the moneyness below which the time value is
	// discounted by spot/strike (deep out-of-the-money discount).
	OTMThreshold decimal.Decimal
}

// DefaultModel returns the production pricing policy: 20% of spot minimum
// collateral, OTM discount below 0.8 moneyness.
func DefaultModel() Model {
	return Model{
		MinCollateralRatio: decimal.NewFromFloat(0.2),
		OTMThreshold:       decimal.NewFromFloat(0.8),
	}
}

// Quote is a fully split premium quote for one buy.
type Quote struct {
	// PremiumUSD is the total USD premium for the full quantity.
	PremiumUSD decimal.Decimal `json:"premium_usd"`
	// PremiumTokens is the premium converted to base units at spot.
	PremiumTokens decimal.Decimal `json:"premium_tokens"`
	// FeeTokens is the protocol's cut: premium * feeBps / 10_000.
	FeeTokens decimal.Decimal `json:"fee_tokens"`
	// LpTokens is the net-of-fee premium credited to LPs.
	LpTokens decimal.Decimal `json:"lp_tokens"`
}

// sqrtDecimal computes the square root of a non-negative decimal via
// float64, the same transcendental-math route the rest of the engine uses.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	f := d.InexactFloat64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}

// yearFraction returns timeToExpiry as a fraction of a year.
func yearFraction(bucket model.ExpiryBucket) decimal.Decimal {
	return decimal.NewFromFloat(bucket.Duration().Seconds() / secondsPerYear)
}

// intrinsic returns the per-unit USD intrinsic value: what the option is
// worth if exercised now.
func intrinsic(spot, strike decimal.Decimal, typ model.OptionType) decimal.Decimal {
	var v decimal.Decimal
	switch typ {
	case model.Call:
		v = spot.Sub(strike)
	case model.Put:
		v = strike.Sub(spot)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// timeValue returns the per-unit USD volatility component:
// spot * vol * sqrt(timeToExpiry), vol in decimal terms.
func timeValue(spot decimal.Decimal, volBps int64, bucket model.ExpiryBucket) decimal.Decimal {
	vol := decimal.NewFromInt(volBps).Shift(-4)
	return spot.Mul(vol).Mul(sqrtDecimal(yearFraction(bucket)))
}

// Premium prices an option and splits the token-denominated premium into
// the protocol fee and the LP share. Token amounts are truncated to base
// units; the fee is truncated in the protocol's disfavor.
func (m Model) Premium(
	spot, strike, quantity decimal.Decimal,
	bucket model.ExpiryBucket,
	typ model.OptionType,
	volBps, feeBps int64,
	assetDecimals int32,
) (Quote, error) {
	if !quantity.IsPositive() {
		return Quote{}, ErrInvalidQuantity
	}
	if !strike.IsPositive() {
		return Quote{}, ErrInvalidStrike
	}
	if !spot.IsPositive() {
		return Quote{}, ErrInvalidSpot
	}

	tv := timeValue(spot, volBps, bucket)

	// Deep out-of-the-money discount: below the moneyness threshold the
	// time value scales down by spot/strike.
	if spot.LessThan(strike.Mul(m.OTMThreshold)) {
		tv = tv.Mul(spot).Div(strike)
	}

	perUnit := intrinsic(spot, strike, typ).Add(tv)
	premiumUSD := perUnit.Mul(quantity)
	if !premiumUSD.IsPositive() {
		return Quote{}, ErrZeroPremium
	}

	// USD → base units at spot.
	premiumTokens := premiumUSD.Shift(assetDecimals).Div(spot).Floor()
	if !premiumTokens.IsPositive() {
		return Quote{}, ErrZeroPremium
	}

	feeTokens := premiumTokens.Mul(decimal.NewFromInt(feeBps)).Shift(-4).Floor()

	return Quote{
		PremiumUSD:    premiumUSD,
		PremiumTokens: premiumTokens,
		FeeTokens:     feeTokens,
		LpTokens:      premiumTokens.Sub(feeTokens),
	}, nil
}

// Reservation computes the worst-case payout to set aside when opening an
// option: per-unit max(intrinsic + volatility buffer, MinCollateralRatio
// * spot), scaled by quantity and converted to base units at spot. Every
// later payout for the slot is clamped to this amount.
func (m Model) Reservation(
	spot, strike, quantity decimal.Decimal,
	bucket model.ExpiryBucket,
	typ model.OptionType,
	volBps int64,
	assetDecimals int32,
) (usd, tokens decimal.Decimal, err error) {
	if !quantity.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidQuantity
	}
	if !strike.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidStrike
	}
	if !spot.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidSpot
	}

	perUnit := intrinsic(spot, strike, typ).Add(timeValue(spot, volBps, bucket))

	floor := spot.Mul(m.MinCollateralRatio)
	if perUnit.LessThan(floor) {
		perUnit = floor
	}

	usd = perUnit.Mul(quantity)
	// Reservations round up: the pool must never under-reserve.
	tokens = usd.Shift(assetDecimals).Div(spot).Ceil()
	return usd, tokens, nil
}

// Payoff computes the USD exercise value of an option at the given spot:
// call → max(spot - strike, 0) * qty, put → max(strike - spot, 0) * qty.
func Payoff(spot, strike, quantity decimal.Decimal, typ model.OptionType) decimal.Decimal {
	return intrinsic(spot, strike, typ).Mul(quantity)
}

// PayoffTokens converts a USD payoff to base units at spot, truncated,
// clamped to the slot's original reservation.
func PayoffTokens(payoffUSD, spot, reservation decimal.Decimal, assetDecimals int32) decimal.Decimal {
	if !payoffUSD.IsPositive() || !spot.IsPositive() {
		return decimal.Zero
	}
	tokens := payoffUSD.Shift(assetDecimals).Div(spot).Floor()
	if tokens.GreaterThan(reservation) {
		return reservation
	}
	return tokens
}

// StrikeFromDeviation resolves a strike as a basis-point deviation from
// spot: +500 bps → 5% above spot, -500 bps → 5% below.
func StrikeFromDeviation(spot decimal.Decimal, deviationBps int64) (decimal.Decimal, error) {
	if !spot.IsPositive() {
		return decimal.Zero, ErrInvalidSpot
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromInt(deviationBps).Shift(-4))
	strike := spot.Mul(factor)
	if !strike.IsPositive() {
		return decimal.Zero, ErrInvalidStrike
	}
	return strike, nil
}
