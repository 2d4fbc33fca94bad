// Package model defines the core domain types shared across the options
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Token amounts are integer-valued decimals in the asset's base
// units; USD prices carry the oracle's decimal precision.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OptionSlots is the fixed capacity of a user's open-option table.
const OptionSlots = 32

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ErrInvalidOptionType is returned when parsing an unknown option type.
var ErrInvalidOptionType = errors.New("model: invalid option type")

// ParseOptionType validates a wire-format option type string.
func ParseOptionType(s string) (OptionType, error) {
	switch OptionType(s) {
	case Call, Put:
		return OptionType(s), nil
	}
	return "", ErrInvalidOptionType
}

// ExpiryBucket is a named time-horizon tier used both for volatility lookup
// and to derive the option's absolute expiry timestamp.
type ExpiryBucket string

const (
	Hour1 ExpiryBucket = "1h"
	Hour4 ExpiryBucket = "4h"
	Day1  ExpiryBucket = "1d"
	Day3  ExpiryBucket = "3d"
	Week1 ExpiryBucket = "1w"
)

// ErrInvalidExpiryBucket is returned for an unknown bucket name.
var ErrInvalidExpiryBucket = errors.New("model: invalid expiry bucket")

// Buckets lists all expiry buckets in ascending duration order.
var Buckets = []ExpiryBucket{Hour1, Hour4, Day1, Day3, Week1}

var bucketDurations = map[ExpiryBucket]time.Duration{
	Hour1: time.Hour,
	Hour4: 4 * time.Hour,
	Day1:  24 * time.Hour,
	Day3:  72 * time.Hour,
	Week1: 7 * 24 * time.Hour,
}

// ParseExpiryBucket validates a wire-format bucket name.
func ParseExpiryBucket(s string) (ExpiryBucket, error) {
	if _, ok := bucketDurations[ExpiryBucket(s)]; !ok {
		return "", ErrInvalidExpiryBucket
	}
	return ExpiryBucket(s), nil
}

// Duration returns the bucket's time horizon.
func (b ExpiryBucket) Duration() time.Duration {
	return bucketDurations[b]
}

// Market is one pool underwriting options on a single asset. TVL is
// ReserveSupply + Premiums; CommittedReserve ≤ ReserveSupply always holds.
type Market struct {
	Ix   uint16 `json:"ix" db:"ix"`
	Name string `json:"name" db:"name"`

	FeeBps int64 `json:"fee_bps" db:"fee_bps"`

	// ReserveSupply is LP principal custodied by the pool, in base units.
	ReserveSupply decimal.Decimal `json:"reserve_supply" db:"reserve_supply"`
	// CommittedReserve is the portion of ReserveSupply earmarked against
	// worst-case payout of all open options.
	CommittedReserve decimal.Decimal `json:"committed_reserve" db:"committed_reserve"`
	// Premiums is accrued net-of-fee premium income owed to LPs. Tracked
	// separately from ReserveSupply and always fully withdrawable.
	Premiums decimal.Decimal `json:"premiums" db:"premiums"`
	// FeeAccrued is the protocol's cut of premiums, swept to the admin.
	FeeAccrued decimal.Decimal `json:"fee_accrued" db:"fee_accrued"`

	// LpMinted is total outstanding LP shares.
	LpMinted decimal.Decimal `json:"lp_minted" db:"lp_minted"`
	// ShareScale is the first-deposit share multiplier, fixed at creation.
	ShareScale decimal.Decimal `json:"share_scale" db:"share_scale"`

	VolatilityBps  map[ExpiryBucket]int64 `json:"volatility_bps" db:"volatility_bps"`
	VolLastUpdated time.Time              `json:"vol_last_updated" db:"vol_last_updated"`

	PriceFeed     string    `json:"price_feed" db:"price_feed"`
	AssetDecimals int32     `json:"asset_decimals" db:"asset_decimals"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ErrUnknownVolatility is returned when a market has no volatility
// configured for the requested bucket.
var ErrUnknownVolatility = errors.New("model: no volatility for expiry bucket")

// Volatility returns the market's volatility parameter for a bucket.
func (m *Market) Volatility(bucket ExpiryBucket) (int64, error) {
	v, ok := m.VolatilityBps[bucket]
	if !ok || v <= 0 {
		return 0, ErrUnknownVolatility
	}
	return v, nil
}

// TVL returns ReserveSupply + Premiums.
func (m *Market) TVL() decimal.Decimal {
	return m.ReserveSupply.Add(m.Premiums)
}

// FreeReserve returns the principal not backing open exposure.
func (m *Market) FreeReserve() decimal.Decimal {
	return m.ReserveSupply.Sub(m.CommittedReserve)
}

// Option is one entry in a user's fixed-capacity option table. The cleared
// state is the all-zero triple {StrikeUSD, Expiry, Quantity}.
type Option struct {
	MarketIx uint16          `json:"market_ix"`
	Type     OptionType      `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	// StrikeUSD is the fixed-point USD strike price.
	StrikeUSD decimal.Decimal `json:"strike_usd"`
	// Expiry is the absolute expiry timestamp, unix seconds.
	Expiry int64 `json:"expiry"`
	// Premium is the amount paid to open the slot, in base units.
	Premium decimal.Decimal `json:"premium"`
	// Reservation is the worst-case payout set aside in the market's
	// committed reserve, in base units. Payouts never exceed it.
	Reservation decimal.Decimal `json:"reservation"`
	CreatedAt   int64           `json:"created_at"`
}

// Empty reports whether the slot is in the canonical cleared state.
func (o *Option) Empty() bool {
	return o.StrikeUSD.IsZero() && o.Expiry == 0 && o.Quantity.IsZero()
}

// Clear resets the slot to the canonical cleared state.
func (o *Option) Clear() {
	*o = Option{}
}

// UserAccount holds one user's fixed table of open option slots. Created
// once per user and never destroyed; slots are written by buy and cleared
// by exercise or expiry release.
type UserAccount struct {
	UserID    string              `json:"user_id" db:"user_id"`
	Options   [OptionSlots]Option `json:"options" db:"options"`
	CreatedAt time.Time           `json:"created_at" db:"created_at"`
}

// FreeSlot returns the index of the first empty option slot, or -1 if the
// table is full.
func (a *UserAccount) FreeSlot() int {
	for i := range a.Options {
		if a.Options[i].Empty() {
			return i
		}
	}
	return -1
}

// Ledger entry kinds, one per engine mutation.
const (
	KindDeposit       = "deposit"
	KindWithdraw      = "withdraw"
	KindBuy           = "buy"
	KindExercise      = "exercise"
	KindExpire        = "expire"
	KindFeeSweep      = "fee_sweep"
	KindMarketCreated = "market_created"
	KindMarketClosed  = "market_closed"
)

// LedgerEntry is an immutable record of one committed vault operation.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID       string `json:"id" db:"id"`
	Kind     string `json:"kind" db:"kind"`
	MarketIx uint16 `json:"market_ix" db:"market_ix"`
	UserID   string `json:"user_id" db:"user_id"`
	// Amount is the base-unit token flow of the operation: deposits and
	// premiums in, withdrawals and payouts out.
	Amount decimal.Decimal `json:"amount" db:"amount"`
	// Shares is the LP share delta (minted positive, burned negative).
	Shares decimal.Decimal `json:"shares" db:"shares"`
	// OptionID is the slot index for buy/exercise/expire entries, else -1.
	OptionID  int       `json:"option_id" db:"option_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
