// Package engine implements the collateralized options vault: LP share
// accounting, option underwriting against pooled collateral, exercise
// settlement, and admin-gated market lifecycle.
//
// Every request is an atomic transaction against one market's state (plus
// one user account for buy/exercise). Requests on the same market are
// serialized by a per-market lock so check-then-reserve is a single step;
// requests on different markets run in parallel. Validation always precedes
// mutation: a failed request leaves all state untouched.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/metrics"
	"github.com/ovx/options-engine/internal/model"
	"github.com/ovx/options-engine/internal/oracle"
	"github.com/ovx/options-engine/internal/pricing"
	"github.com/ovx/options-engine/internal/shares"
	"github.com/ovx/options-engine/internal/store"
)

// Config holds the process-wide engine policy. The admin identity is an
// explicit field compared by value on every admin-gated operation; there
// is no ambient authority lookup.
type Config struct {
	// AdminKey authorizes market lifecycle and fee operations.
	AdminKey string

	// MaxOracleStaleness bounds how old an oracle quote may be.
	MaxOracleStaleness time.Duration

	// ExerciseGrace extends the exercise window past expiry. After
	// expiry + grace the slot can only be released by the expiry sweep.
	ExerciseGrace time.Duration
}

// DefaultConfig returns the production policy: 100 minute staleness bound
// (the upstream oracle's own freshness guarantee) and a 15 minute exercise
// grace window.
func DefaultConfig(adminKey string) Config {
	return Config{
		AdminKey:           adminKey,
		MaxOracleStaleness: 100 * time.Minute,
		ExerciseGrace:      15 * time.Minute,
	}
}

// Service executes vault operations. One lock per market index serializes
// same-market requests; distinct markets proceed independently.
type Service struct {
	store   store.Store
	oracle  oracle.PriceOracle
	pricing pricing.Model
	cfg     Config
	hub     *Hub // optional WebSocket hub for event broadcasts

	mu    sync.Mutex
	locks map[uint16]*sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates an engine service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, po oracle.PriceOracle, cfg Config, hub *Hub) *Service {
	return &Service{
		store:   st,
		oracle:  po,
		pricing: pricing.DefaultModel(),
		cfg:     cfg,
		hub:     hub,
		locks:   make(map[uint16]*sync.Mutex),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// marketLock returns the mutex serializing operations on one market index.
func (s *Service) marketLock(ix uint16) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[ix]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ix] = l
	}
	return l
}

func (s *Service) authorize(adminKey string) error {
	if s.cfg.AdminKey == "" || adminKey != s.cfg.AdminKey {
		return ErrUnauthorized
	}
	return nil
}

// readSpot reads the market's price feed and enforces the staleness bound.
func (s *Service) readSpot(ctx context.Context, m *model.Market) (oracle.Quote, error) {
	q, err := s.oracle.ReadPrice(ctx, m.PriceFeed)
	if err != nil {
		return oracle.Quote{}, err
	}
	if s.now().Sub(q.PublishTime) > s.cfg.MaxOracleStaleness {
		return oracle.Quote{}, ErrStaleOracle
	}
	if !q.Price.IsPositive() {
		return oracle.Quote{}, ErrInvalidState
	}
	return q, nil
}

// appendLedger records a committed operation. Ledger failures are logged,
// not surfaced: the accounting mutation has already committed.
func (s *Service) appendLedger(ctx context.Context, e model.LedgerEntry) {
	e.ID = uuid.New().String()
	e.Timestamp = s.now()
	if err := s.store.InsertLedgerEntry(ctx, &e); err != nil {
		slog.Error("ledger append failed", "kind", e.Kind, "market", e.MarketIx, "err", err)
	}
	metrics.OperationsTotal.WithLabelValues(e.Kind).Inc()
}

// publishGauges refreshes per-market accounting gauges after a mutation.
func publishGauges(m *model.Market) {
	label := marketLabel(m.Ix)
	metrics.ReserveSupply.WithLabelValues(label).Set(m.ReserveSupply.InexactFloat64())
	metrics.CommittedReserve.WithLabelValues(label).Set(m.CommittedReserve.InexactFloat64())
	metrics.Premiums.WithLabelValues(label).Set(m.Premiums.InexactFloat64())
	metrics.FeeAccrued.WithLabelValues(label).Set(m.FeeAccrued.InexactFloat64())
}

// --- Market lifecycle ---

// CreateMarketParams carries the admin's market configuration.
type CreateMarketParams struct {
	Ix            uint16
	Name          string
	FeeBps        int64
	PriceFeed     string
	AssetDecimals int32
	// ShareScale reconciles asset decimals with share decimals; fixed at
	// creation. Zero defaults to 1000.
	ShareScale    int64
	VolatilityBps map[model.ExpiryBucket]int64
}

// CreateMarket initializes a market with zeroed accounting and the supplied
// fee, volatility, and oracle parameters. Admin only.
func (s *Service) CreateMarket(ctx context.Context, adminKey string, p CreateMarketParams) (*model.Market, error) {
	if err := s.authorize(adminKey); err != nil {
		return nil, err
	}
	if p.Name == "" || p.PriceFeed == "" {
		return nil, ErrInvalidAmount
	}
	if p.FeeBps < 0 || p.FeeBps > 10_000 {
		return nil, ErrInvalidAmount
	}
	if p.AssetDecimals < 0 || p.AssetDecimals > 18 {
		return nil, ErrInvalidAmount
	}
	if len(p.VolatilityBps) == 0 {
		return nil, ErrInvalidAmount
	}
	for b, v := range p.VolatilityBps {
		if _, err := model.ParseExpiryBucket(string(b)); err != nil {
			return nil, ErrInvalidAmount
		}
		if v <= 0 {
			return nil, ErrInvalidAmount
		}
	}

	scale := p.ShareScale
	if scale == 0 {
		scale = 1000
	}
	if scale < 1 {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	m := &model.Market{
		Ix:               p.Ix,
		Name:             p.Name,
		FeeBps:           p.FeeBps,
		ReserveSupply:    decimal.Zero,
		CommittedReserve: decimal.Zero,
		Premiums:         decimal.Zero,
		FeeAccrued:       decimal.Zero,
		LpMinted:         decimal.Zero,
		ShareScale:       decimal.NewFromInt(scale),
		VolatilityBps:    p.VolatilityBps,
		VolLastUpdated:   now,
		PriceFeed:        p.PriceFeed,
		AssetDecimals:    p.AssetDecimals,
		CreatedAt:        now,
	}

	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindMarketCreated,
		MarketIx: m.Ix,
		Amount:   decimal.Zero,
		Shares:   decimal.Zero,
		OptionID: -1,
	})
	metrics.ActiveMarkets.Inc()
	publishGauges(m)

	slog.Info("market created",
		"ix", m.Ix,
		"name", m.Name,
		"fee_bps", m.FeeBps,
		"price_feed", m.PriceFeed,
	)
	s.broadcast(Event{Type: model.KindMarketCreated, MarketIx: m.Ix})

	return m, nil
}

// CloseResult reports the balances paid out at market closure.
type CloseResult struct {
	// FeesPaid is the protocol fee accrual swept to the admin.
	FeesPaid decimal.Decimal `json:"fees_paid"`
	// ResidualPaid is any remaining custodied balance (principal plus
	// premiums of LPs who never exited) released with the vault.
	ResidualPaid decimal.Decimal `json:"residual_paid"`
}

// CloseMarket destroys a market. Requires zero open exposure: all options
// must be exercised or expired-and-released first. Admin only.
func (s *Service) CloseMarket(ctx context.Context, adminKey string, ix uint16) (CloseResult, error) {
	if err := s.authorize(adminKey); err != nil {
		return CloseResult{}, err
	}

	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return CloseResult{}, mapStoreErr(err)
	}
	if !m.CommittedReserve.IsZero() {
		return CloseResult{}, ErrMarketNotQuiescent
	}

	res := CloseResult{
		FeesPaid:     m.FeeAccrued,
		ResidualPaid: m.ReserveSupply.Add(m.Premiums),
	}

	if err := s.store.DeleteMarket(ctx, ix); err != nil {
		return CloseResult{}, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindMarketClosed,
		MarketIx: ix,
		Amount:   res.FeesPaid.Add(res.ResidualPaid),
		Shares:   m.LpMinted.Neg(),
		OptionID: -1,
	})
	metrics.ActiveMarkets.Dec()

	slog.Info("market closed",
		"ix", ix,
		"fees_paid", res.FeesPaid.String(),
		"residual_paid", res.ResidualPaid.String(),
	)
	s.broadcast(Event{Type: model.KindMarketClosed, MarketIx: ix, Amount: res.FeesPaid.Add(res.ResidualPaid).String()})

	return res, nil
}

// UpdateVolatility replaces the market's volatility parameters for the
// supplied buckets, leaving others unchanged. Admin only.
func (s *Service) UpdateVolatility(ctx context.Context, adminKey string, ix uint16, vols map[model.ExpiryBucket]int64) (*model.Market, error) {
	if err := s.authorize(adminKey); err != nil {
		return nil, err
	}
	if len(vols) == 0 {
		return nil, ErrInvalidAmount
	}
	for b, v := range vols {
		if _, err := model.ParseExpiryBucket(string(b)); err != nil {
			return nil, ErrInvalidAmount
		}
		if v <= 0 {
			return nil, ErrInvalidAmount
		}
	}

	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	for b, v := range vols {
		m.VolatilityBps[b] = v
	}
	m.VolLastUpdated = s.now()

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return nil, mapStoreErr(err)
	}

	slog.Info("volatility updated", "ix", ix, "buckets", len(vols))
	return m, nil
}

// SweepFees pays the accrued protocol fee balance to the admin without
// closing the market. Admin only.
func (s *Service) SweepFees(ctx context.Context, adminKey string, ix uint16) (decimal.Decimal, error) {
	if err := s.authorize(adminKey); err != nil {
		return decimal.Zero, err
	}

	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return decimal.Zero, mapStoreErr(err)
	}

	swept := m.FeeAccrued
	if !swept.IsPositive() {
		return decimal.Zero, ErrCannotWithdraw
	}
	m.FeeAccrued = decimal.Zero

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return decimal.Zero, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindFeeSweep,
		MarketIx: ix,
		Amount:   swept,
		Shares:   decimal.Zero,
		OptionID: -1,
	})
	publishGauges(m)

	slog.Info("protocol fees swept", "ix", ix, "amount", swept.String())
	return swept, nil
}

// --- User accounts ---

// CreateAccount creates the user's option-slot record. Idempotent.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	if userID == "" {
		return nil, ErrInvalidAmount
	}
	return s.store.CreateUserAccount(ctx, userID)
}

// GetAccount returns a user's account.
func (s *Service) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	a, err := s.store.GetUserAccount(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return a, nil
}

// --- Liquidity accounting ---

// DepositResult reports a committed deposit.
type DepositResult struct {
	SharesMinted decimal.Decimal `json:"shares_minted"`
	Market       *model.Market   `json:"market"`
}

// Deposit adds LP principal to the pool and mints shares against the TVL
// measured before the deposit.
func (s *Service) Deposit(ctx context.Context, ix uint16, userID string, amount, minSharesOut decimal.Decimal) (DepositResult, error) {
	start := s.now()
	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return DepositResult{}, mapStoreErr(err)
	}

	minted, err := shares.ForDeposit(amount, minSharesOut, m)
	if err != nil {
		metrics.OperationRejections.WithLabelValues(model.KindDeposit, err.Error()).Inc()
		return DepositResult{}, mapSharesErr(err)
	}

	m.ReserveSupply = m.ReserveSupply.Add(amount)
	m.LpMinted = m.LpMinted.Add(minted)

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return DepositResult{}, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindDeposit,
		MarketIx: ix,
		UserID:   userID,
		Amount:   amount,
		Shares:   minted,
		OptionID: -1,
	})
	publishGauges(m)
	metrics.OperationLatency.WithLabelValues(model.KindDeposit).Observe(s.now().Sub(start).Seconds())

	slog.Info("deposit",
		"ix", ix,
		"user", userID,
		"amount", amount.String(),
		"shares_minted", minted.String(),
		"reserve_after", m.ReserveSupply.String(),
	)
	s.broadcast(Event{
		Type: model.KindDeposit, MarketIx: ix, UserID: userID,
		Amount: amount.String(), Shares: minted.String(),
	})

	return DepositResult{SharesMinted: minted, Market: m}, nil
}

// WithdrawResult reports a committed withdrawal.
type WithdrawResult struct {
	// AmountOut is the base-unit payout, possibly capped below the
	// caller's full pro-rata entitlement.
	AmountOut decimal.Decimal `json:"amount_out"`
	// SharesBurned is never more than requested; less when capped.
	SharesBurned decimal.Decimal `json:"shares_burned"`
	Market       *model.Market   `json:"market"`
}

// Withdraw burns LP shares for assets. The payout is the LP's pro-rata
// share of TVL capped at the currently free reserve plus premiums; when
// capped, proportionally fewer shares burn.
func (s *Service) Withdraw(ctx context.Context, ix uint16, userID string, lpToBurn, minAmountOut decimal.Decimal) (WithdrawResult, error) {
	start := s.now()
	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return WithdrawResult{}, mapStoreErr(err)
	}

	w, err := shares.ForWithdrawal(lpToBurn, minAmountOut, m)
	if err != nil {
		metrics.OperationRejections.WithLabelValues(model.KindWithdraw, err.Error()).Inc()
		return WithdrawResult{}, mapSharesErr(err)
	}

	m.ReserveSupply = m.ReserveSupply.Sub(w.FromReserve)
	m.Premiums = m.Premiums.Sub(w.FromPremiums)
	m.LpMinted = m.LpMinted.Sub(w.Burned)

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return WithdrawResult{}, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindWithdraw,
		MarketIx: ix,
		UserID:   userID,
		Amount:   w.Amount.Neg(),
		Shares:   w.Burned.Neg(),
		OptionID: -1,
	})
	publishGauges(m)
	metrics.OperationLatency.WithLabelValues(model.KindWithdraw).Observe(s.now().Sub(start).Seconds())

	slog.Info("withdraw",
		"ix", ix,
		"user", userID,
		"requested_burn", lpToBurn.String(),
		"burned", w.Burned.String(),
		"amount_out", w.Amount.String(),
		"from_reserve", w.FromReserve.String(),
		"from_premiums", w.FromPremiums.String(),
	)
	s.broadcast(Event{
		Type: model.KindWithdraw, MarketIx: ix, UserID: userID,
		Amount: w.Amount.String(), Shares: w.Burned.String(),
	})

	return WithdrawResult{AmountOut: w.Amount, SharesBurned: w.Burned, Market: m}, nil
}

// --- Option underwriting ---

// BuyParams describe one option purchase. Exactly one of StrikeUSD or
// DeviationBps resolves the strike: an explicit USD strike, or a
// basis-point deviation from the current spot.
type BuyParams struct {
	Type         model.OptionType
	Quantity     decimal.Decimal
	Bucket       model.ExpiryBucket
	StrikeUSD    decimal.Decimal
	DeviationBps *int64
}

// BuyResult reports a committed purchase.
type BuyResult struct {
	OptionID    int             `json:"option_id"`
	StrikeUSD   decimal.Decimal `json:"strike_usd"`
	Expiry      int64           `json:"expiry"`
	SpotUSD     decimal.Decimal `json:"spot_usd"`
	Premium     decimal.Decimal `json:"premium"`
	ProtocolFee decimal.Decimal `json:"protocol_fee"`
	Reservation decimal.Decimal `json:"reservation"`
}

// Buy prices and opens an option position: reads the oracle, resolves the
// strike, prices the premium, reserves worst-case collateral, and writes
// the option into the user's first empty slot. The collateral check and
// the reservation happen under the market lock as a single step.
func (s *Service) Buy(ctx context.Context, ix uint16, userID string, p BuyParams) (BuyResult, error) {
	start := s.now()
	if !p.Quantity.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}
	if _, err := model.ParseOptionType(string(p.Type)); err != nil {
		return BuyResult{}, ErrInvalidAmount
	}
	if _, err := model.ParseExpiryBucket(string(p.Bucket)); err != nil {
		return BuyResult{}, ErrInvalidAmount
	}

	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return BuyResult{}, mapStoreErr(err)
	}

	acct, err := s.store.GetUserAccount(ctx, userID)
	if err != nil {
		return BuyResult{}, mapStoreErr(err)
	}

	slot := acct.FreeSlot()
	if slot < 0 {
		metrics.OperationRejections.WithLabelValues(model.KindBuy, "slots_full").Inc()
		return BuyResult{}, ErrOptionSlotsFull
	}

	volBps, err := m.Volatility(p.Bucket)
	if err != nil {
		return BuyResult{}, ErrInvalidState
	}

	q, err := s.readSpot(ctx, m)
	if err != nil {
		metrics.OperationRejections.WithLabelValues(model.KindBuy, "oracle").Inc()
		return BuyResult{}, err
	}

	strike := p.StrikeUSD
	if p.DeviationBps != nil {
		strike, err = pricing.StrikeFromDeviation(q.Price, *p.DeviationBps)
		if err != nil {
			return BuyResult{}, ErrInvalidAmount
		}
	}
	if !strike.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}

	quote, err := s.pricing.Premium(q.Price, strike, p.Quantity, p.Bucket, p.Type, volBps, m.FeeBps, m.AssetDecimals)
	if err != nil {
		return BuyResult{}, ErrInvalidAmount
	}

	_, reservation, err := s.pricing.Reservation(q.Price, strike, p.Quantity, p.Bucket, p.Type, volBps, m.AssetDecimals)
	if err != nil {
		return BuyResult{}, ErrInvalidAmount
	}

	// Check-then-reserve: a single step under the market lock.
	if m.CommittedReserve.Add(reservation).GreaterThan(m.ReserveSupply) {
		metrics.OperationRejections.WithLabelValues(model.KindBuy, "collateral").Inc()
		return BuyResult{}, ErrInsufficientCollateral
	}

	now := s.now()
	expiry := now.Add(p.Bucket.Duration()).Unix()

	acct.Options[slot] = model.Option{
		MarketIx:    ix,
		Type:        p.Type,
		Quantity:    p.Quantity,
		StrikeUSD:   strike,
		Expiry:      expiry,
		Premium:     quote.PremiumTokens,
		Reservation: reservation,
		CreatedAt:   now.Unix(),
	}

	m.CommittedReserve = m.CommittedReserve.Add(reservation)
	m.Premiums = m.Premiums.Add(quote.LpTokens)
	m.FeeAccrued = m.FeeAccrued.Add(quote.FeeTokens)

	if err := s.store.UpdateMarketAndAccounts(ctx, m, []*model.UserAccount{acct}); err != nil {
		return BuyResult{}, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindBuy,
		MarketIx: ix,
		UserID:   userID,
		Amount:   quote.PremiumTokens,
		Shares:   decimal.Zero,
		OptionID: slot,
	})
	publishGauges(m)
	metrics.OperationLatency.WithLabelValues(model.KindBuy).Observe(s.now().Sub(start).Seconds())

	slog.Info("option bought",
		"ix", ix,
		"user", userID,
		"slot", slot,
		"type", p.Type,
		"quantity", p.Quantity.String(),
		"strike_usd", strike.String(),
		"spot_usd", q.Price.String(),
		"premium", quote.PremiumTokens.String(),
		"fee", quote.FeeTokens.String(),
		"reservation", reservation.String(),
	)
	s.broadcast(Event{
		Type: model.KindBuy, MarketIx: ix, UserID: userID,
		OptionID: slot, Amount: quote.PremiumTokens.String(),
	})

	return BuyResult{
		OptionID:    slot,
		StrikeUSD:   strike,
		Expiry:      expiry,
		SpotUSD:     q.Price,
		Premium:     quote.PremiumTokens,
		ProtocolFee: quote.FeeTokens,
		Reservation: reservation,
	}, nil
}

// ExerciseResult reports a committed exercise.
type ExerciseResult struct {
	// Payout is the base-unit settlement, zero when out of the money.
	Payout decimal.Decimal `json:"payout"`
	// PayoffUSD is the unclamped USD exercise value.
	PayoffUSD decimal.Decimal `json:"payoff_usd"`
	Market    *model.Market   `json:"market"`
}

// Exercise settles an option slot at the current spot price. Permitted any
// time while the option lives, through expiry plus the grace window.
// The payout is clamped to the slot's reservation; the pool never pays
// more than it set aside. The slot clears even on a worthless exercise.
func (s *Service) Exercise(ctx context.Context, ix uint16, userID string, optionID int) (ExerciseResult, error) {
	start := s.now()
	if optionID < 0 || optionID >= model.OptionSlots {
		return ExerciseResult{}, ErrNotFound
	}

	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return ExerciseResult{}, mapStoreErr(err)
	}

	acct, err := s.store.GetUserAccount(ctx, userID)
	if err != nil {
		return ExerciseResult{}, mapStoreErr(err)
	}

	opt := &acct.Options[optionID]
	if opt.Empty() {
		metrics.OperationRejections.WithLabelValues(model.KindExercise, "cleared").Inc()
		return ExerciseResult{}, ErrAlreadyCleared
	}
	if opt.MarketIx != ix {
		return ExerciseResult{}, ErrNotFound
	}

	now := s.now()
	if now.Unix() > opt.Expiry+int64(s.cfg.ExerciseGrace.Seconds()) {
		metrics.OperationRejections.WithLabelValues(model.KindExercise, "overdue").Inc()
		return ExerciseResult{}, ErrExerciseOverdue
	}

	q, err := s.readSpot(ctx, m)
	if err != nil {
		metrics.OperationRejections.WithLabelValues(model.KindExercise, "oracle").Inc()
		return ExerciseResult{}, err
	}

	payoffUSD := pricing.Payoff(q.Price, opt.StrikeUSD, opt.Quantity, opt.Type)
	payout := pricing.PayoffTokens(payoffUSD, q.Price, opt.Reservation, m.AssetDecimals)

	// Settle premiums-first, then principal.
	if payout.IsPositive() {
		if payout.LessThanOrEqual(m.Premiums) {
			m.Premiums = m.Premiums.Sub(payout)
		} else {
			remainder := payout.Sub(m.Premiums)
			m.Premiums = decimal.Zero
			m.ReserveSupply = m.ReserveSupply.Sub(remainder)
		}
	}

	m.CommittedReserve = m.CommittedReserve.Sub(opt.Reservation)
	reservation := opt.Reservation
	opt.Clear()

	if err := s.store.UpdateMarketAndAccounts(ctx, m, []*model.UserAccount{acct}); err != nil {
		return ExerciseResult{}, mapStoreErr(err)
	}

	s.appendLedger(ctx, model.LedgerEntry{
		Kind:     model.KindExercise,
		MarketIx: ix,
		UserID:   userID,
		Amount:   payout.Neg(),
		Shares:   decimal.Zero,
		OptionID: optionID,
	})
	publishGauges(m)
	metrics.OperationLatency.WithLabelValues(model.KindExercise).Observe(s.now().Sub(start).Seconds())

	slog.Info("option exercised",
		"ix", ix,
		"user", userID,
		"slot", optionID,
		"payoff_usd", payoffUSD.String(),
		"payout", payout.String(),
		"reservation_released", reservation.String(),
	)
	s.broadcast(Event{
		Type: model.KindExercise, MarketIx: ix, UserID: userID,
		OptionID: optionID, Amount: payout.String(),
	})

	return ExerciseResult{Payout: payout, PayoffUSD: payoffUSD, Market: m}, nil
}

// ExpireResult reports an expiry sweep.
type ExpireResult struct {
	SlotsReleased int             `json:"slots_released"`
	FreedReserve  decimal.Decimal `json:"freed_reserve"`
}

// ExpireSweep releases every slot on the market whose exercise window has
// fully passed: the reservation returns to the free reserve and the slot
// clears with no payout. Keeper-driven; the request surface exposes it so
// a cron can converge markets toward quiescence.
func (s *Service) ExpireSweep(ctx context.Context, ix uint16) (ExpireResult, error) {
	lock := s.marketLock(ix)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return ExpireResult{}, mapStoreErr(err)
	}

	accounts, err := s.store.ListUserAccounts(ctx)
	if err != nil {
		return ExpireResult{}, err
	}

	cutoff := s.now().Unix() - int64(s.cfg.ExerciseGrace.Seconds())
	res := ExpireResult{FreedReserve: decimal.Zero}

	// Stage every release in memory first, then commit the market and all
	// touched accounts in one write. Ledger entries follow the commit.
	var dirty []*model.UserAccount
	var released []model.LedgerEntry
	for i := range accounts {
		acct := &accounts[i]
		touched := false
		for slot := range acct.Options {
			opt := &acct.Options[slot]
			if opt.Empty() || opt.MarketIx != ix || opt.Expiry > cutoff {
				continue
			}

			m.CommittedReserve = m.CommittedReserve.Sub(opt.Reservation)
			res.FreedReserve = res.FreedReserve.Add(opt.Reservation)
			res.SlotsReleased++
			touched = true

			released = append(released, model.LedgerEntry{
				Kind:     model.KindExpire,
				MarketIx: ix,
				UserID:   acct.UserID,
				Amount:   decimal.Zero,
				Shares:   decimal.Zero,
				OptionID: slot,
			})
			opt.Clear()
		}
		if touched {
			dirty = append(dirty, acct)
		}
	}

	if res.SlotsReleased > 0 {
		if err := s.store.UpdateMarketAndAccounts(ctx, m, dirty); err != nil {
			return ExpireResult{}, mapStoreErr(err)
		}
		for _, e := range released {
			s.appendLedger(ctx, e)
		}
		publishGauges(m)
		slog.Info("expiry sweep",
			"ix", ix,
			"slots_released", res.SlotsReleased,
			"freed_reserve", res.FreedReserve.String(),
		)
		s.broadcast(Event{Type: model.KindExpire, MarketIx: ix, Amount: res.FreedReserve.String()})
	}

	return res, nil
}

// --- Reads ---

// GetMarket returns one market's current state.
func (s *Service) GetMarket(ctx context.Context, ix uint16) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return m, nil
}

// ListMarkets returns all markets.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// MarketLedger returns the market's immutable operation history.
func (s *Service) MarketLedger(ctx context.Context, ix uint16) ([]model.LedgerEntry, error) {
	return s.store.GetLedgerEntriesByMarket(ctx, ix)
}

// QuoteResult is a premium preview: no state changes.
type QuoteResult struct {
	StrikeUSD   decimal.Decimal `json:"strike_usd"`
	SpotUSD     decimal.Decimal `json:"spot_usd"`
	Premium     decimal.Decimal `json:"premium"`
	ProtocolFee decimal.Decimal `json:"protocol_fee"`
	Reservation decimal.Decimal `json:"reservation"`
}

// Quote prices an option without opening it.
func (s *Service) Quote(ctx context.Context, ix uint16, p BuyParams) (QuoteResult, error) {
	if !p.Quantity.IsPositive() {
		return QuoteResult{}, ErrInvalidAmount
	}
	if _, err := model.ParseOptionType(string(p.Type)); err != nil {
		return QuoteResult{}, ErrInvalidAmount
	}
	if _, err := model.ParseExpiryBucket(string(p.Bucket)); err != nil {
		return QuoteResult{}, ErrInvalidAmount
	}

	m, err := s.store.GetMarket(ctx, ix)
	if err != nil {
		return QuoteResult{}, mapStoreErr(err)
	}

	volBps, err := m.Volatility(p.Bucket)
	if err != nil {
		return QuoteResult{}, ErrInvalidState
	}

	q, err := s.readSpot(ctx, m)
	if err != nil {
		return QuoteResult{}, err
	}

	strike := p.StrikeUSD
	if p.DeviationBps != nil {
		strike, err = pricing.StrikeFromDeviation(q.Price, *p.DeviationBps)
		if err != nil {
			return QuoteResult{}, ErrInvalidAmount
		}
	}
	if !strike.IsPositive() {
		return QuoteResult{}, ErrInvalidAmount
	}

	quote, err := s.pricing.Premium(q.Price, strike, p.Quantity, p.Bucket, p.Type, volBps, m.FeeBps, m.AssetDecimals)
	if err != nil {
		return QuoteResult{}, ErrInvalidAmount
	}
	_, reservation, err := s.pricing.Reservation(q.Price, strike, p.Quantity, p.Bucket, p.Type, volBps, m.AssetDecimals)
	if err != nil {
		return QuoteResult{}, ErrInvalidAmount
	}

	return QuoteResult{
		StrikeUSD:   strike,
		SpotUSD:     q.Price,
		Premium:     quote.PremiumTokens,
		ProtocolFee: quote.FeeTokens,
		Reservation: reservation,
	}, nil
}

// --- Error mapping ---

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrMarketNotFound), errors.Is(err, store.ErrAccountNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func mapSharesErr(err error) error {
	switch {
	case errors.Is(err, shares.ErrInvalidAmount), errors.Is(err, shares.ErrDustAmount):
		return ErrInvalidAmount
	case errors.Is(err, shares.ErrInsufficientShares):
		return ErrInsufficientShares
	case errors.Is(err, shares.ErrInvalidState):
		return ErrInvalidState
	case errors.Is(err, shares.ErrCannotWithdraw):
		return ErrCannotWithdraw
	case errors.Is(err, shares.ErrSlippageExceeded):
		return ErrSlippageExceeded
	default:
		return err
	}
}

func marketLabel(ix uint16) string {
	return strconv.Itoa(int(ix))
}

func (s *Service) broadcast(e Event) {
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
}
