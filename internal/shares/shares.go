// Package shares implements LP share-mint math for pool deposits and
// withdrawals: converting asset amounts to fungible shares and back while
// enforcing pro-rata ownership and the withdrawal cap.
//
// The cap is the central solvency/liveness trade-off of the pool: an LP's
// full pro-rata entitlement is TVL-proportional, but only
// (reserve - committed) + premiums is redeemable at any instant, so the
// pool can keep underwriting open options while still allowing partial,
// proportionally fair exits.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Share mints truncate toward zero; the pool never over-mints.
package shares

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive deposit or burn amounts.
	ErrInvalidAmount = errors.New("shares: amount must be positive")

	// ErrDustAmount is returned when a deposit is too small to mint a
	// single share at the current TVL-per-share ratio.
	ErrDustAmount = errors.New("shares: deposit too small to mint shares")

	// ErrSlippageExceeded is returned when the computed result falls below
	// the caller's minimum.
	ErrSlippageExceeded = errors.New("shares: slippage tolerance exceeded")

	// ErrInsufficientShares is returned when burning more shares than the
	// market has minted.
	ErrInsufficientShares = errors.New("shares: burn exceeds minted supply")

	// ErrInvalidState is returned when a non-empty market reports a
	// non-positive TVL.
	ErrInvalidState = errors.New("shares: market TVL must be positive")

	// ErrCannotWithdraw is returned when the capped payout is below one
	// base unit.
	ErrCannotWithdraw = errors.New("shares: withdrawable amount below one unit")
)

// ratioScale is the fixed-point scale for ownership-ratio math.
var ratioScale = decimal.NewFromInt(1_000_000_000)

// one is the smallest representable payout, one base unit.
var one = decimal.NewFromInt(1)

// ForDeposit computes the LP shares to mint for depositing amount into the
// market. The first deposit mints amount * ShareScale; later deposits mint
// amount * lpMinted / TVL, with TVL measured before the deposit, truncated
// toward zero.
func ForDeposit(amount, minSharesOut decimal.Decimal, m *model.Market) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var minted decimal.Decimal
	if m.LpMinted.IsZero() {
		minted = amount.Mul(m.ShareScale)
	} else {
		tvl := m.TVL()
		if !tvl.IsPositive() {
			return decimal.Zero, ErrInvalidState
		}
		// Fixed-point: scale up before the divide to keep precision,
		// truncate at the end.
		minted = amount.Mul(ratioScale).Div(tvl).Floor().
			Mul(m.LpMinted).Div(ratioScale).Floor()
		if minted.LessThan(one) {
			return decimal.Zero, ErrDustAmount
		}
	}

	if minted.LessThan(minSharesOut) {
		return decimal.Zero, ErrSlippageExceeded
	}
	return minted, nil
}

// Withdrawal is the result of converting an LP share burn back to assets.
type Withdrawal struct {
	// Amount is the base-unit payout, capped at the market's currently
	// redeemable value.
	Amount decimal.Decimal
	// Burned is the shares actually burned. When the payout was capped,
	// this is less than requested, proportional to what was paid out.
	Burned decimal.Decimal
	// FromReserve and FromPremiums split the payout by source: principal
	// is drawn from the free reserve first, the remainder from premiums.
	FromReserve  decimal.Decimal
	FromPremiums decimal.Decimal
}

// ForWithdrawal computes the asset payout for burning lpToBurn shares.
//
// The LP's full pro-rata entitlement is ownership * TVL, but the payout is
// capped at freeReserve + premiums — principal backing open option
// exposure is not redeemable. If capped, the burn shrinks proportionally
// so the LP keeps shares representing the unredeemed remainder.
func ForWithdrawal(lpToBurn, minAmountOut decimal.Decimal, m *model.Market) (Withdrawal, error) {
	if !lpToBurn.IsPositive() {
		return Withdrawal{}, ErrInvalidAmount
	}
	if lpToBurn.GreaterThan(m.LpMinted) {
		return Withdrawal{}, ErrInsufficientShares
	}

	tvl := m.TVL()
	if !tvl.IsPositive() {
		return Withdrawal{}, ErrInvalidState
	}

	ownership := lpToBurn.Mul(ratioScale).Div(m.LpMinted).Floor()
	potential := ownership.Mul(tvl).Div(ratioScale).Floor()

	freeReserve := m.FreeReserve()
	maxWithdrawable := freeReserve.Add(m.Premiums)

	amount := potential
	if amount.GreaterThan(maxWithdrawable) {
		amount = maxWithdrawable
	}
	if amount.LessThan(one) {
		return Withdrawal{}, ErrCannotWithdraw
	}
	if amount.LessThan(minAmountOut) {
		return Withdrawal{}, ErrSlippageExceeded
	}

	burned := lpToBurn
	if amount.LessThan(potential) {
		burned = amount.Mul(m.LpMinted).Div(tvl).Floor()
		// A positive payout must burn at least one share, or a capped
		// withdrawal would drain pool value without reducing ownership.
		if !burned.IsPositive() {
			return Withdrawal{}, ErrCannotWithdraw
		}
	}

	// Principal first, premiums for the remainder. amount ≤ freeReserve +
	// premiums, so the premium draw never exceeds the premium balance.
	fromReserve := amount
	if fromReserve.GreaterThan(freeReserve) {
		fromReserve = freeReserve
	}

	return Withdrawal{
		Amount:       amount,
		Burned:       burned,
		FromReserve:  fromReserve,
		FromPremiums: amount.Sub(fromReserve),
	}, nil
}
