package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/model"
	"github.com/ovx/options-engine/internal/oracle"
	"github.com/ovx/options-engine/internal/store"
)

const (
	testAdminKey = "test-admin-key"
	testFeed     = "pyth:SOL"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// testEnv wires a service against the in-memory store and a static oracle,
// with a controllable clock.
type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	oracle *oracle.StaticOracle
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		oracle: oracle.NewStaticOracle(),
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.store, env.oracle, DefaultConfig(testAdminKey), nil)
	env.svc.now = func() time.Time { return env.clock }
	env.setSpot(100)
	return env
}

// setSpot installs a fresh spot price stamped at the fake clock.
func (e *testEnv) setSpot(price float64) {
	e.oracle.SetQuote(testFeed, oracle.Quote{Price: d(price), PublishTime: e.clock})
}

func (e *testEnv) advance(by time.Duration) {
	e.clock = e.clock.Add(by)
}

// seedMarket creates a market through the service with sane defaults.
func (e *testEnv) seedMarket(t *testing.T, ix uint16, feeBps int64, assetDecimals int32) *model.Market {
	t.Helper()
	m, err := e.svc.CreateMarket(context.Background(), testAdminKey, CreateMarketParams{
		Ix:            ix,
		Name:          "SOL options",
		FeeBps:        feeBps,
		PriceFeed:     testFeed,
		AssetDecimals: assetDecimals,
		VolatilityBps: map[model.ExpiryBucket]int64{
			model.Hour1: 5000,
			model.Day1:  5000,
		},
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func (e *testEnv) seedAccount(t *testing.T, userID string) {
	t.Helper()
	if _, err := e.svc.CreateAccount(context.Background(), userID); err != nil {
		t.Fatalf("CreateAccount(%s): %v", userID, err)
	}
}

// requireSolvent asserts the core accounting invariants on a market.
func requireSolvent(t *testing.T, m *model.Market) {
	t.Helper()
	if m.CommittedReserve.GreaterThan(m.ReserveSupply) {
		t.Fatalf("solvency violated: committed %s > reserve %s", m.CommittedReserve, m.ReserveSupply)
	}
	if m.Premiums.IsNegative() {
		t.Fatalf("negative premiums: %s", m.Premiums)
	}
	if m.CommittedReserve.IsNegative() {
		t.Fatalf("negative committed reserve: %s", m.CommittedReserve)
	}
}

// --- Market lifecycle ---

func TestCreateMarket_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateMarket(context.Background(), "wrong-key", CreateMarketParams{
		Ix: 1, Name: "x", PriceFeed: testFeed,
		VolatilityBps: map[model.ExpiryBucket]int64{model.Day1: 5000},
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCreateMarket_Defaults(t *testing.T) {
	env := newTestEnv(t)
	m := env.seedMarket(t, 1, 50, 6)

	if !m.ShareScale.Equal(di(1000)) {
		t.Errorf("share scale = %s, want default 1000", m.ShareScale)
	}
	if !m.ReserveSupply.IsZero() || !m.CommittedReserve.IsZero() || !m.Premiums.IsZero() || !m.LpMinted.IsZero() {
		t.Errorf("new market accounting not zeroed: %+v", m)
	}
}

func TestCreateMarket_DuplicateIndex(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)

	_, err := env.svc.CreateMarket(context.Background(), testAdminKey, CreateMarketParams{
		Ix: 1, Name: "dup", PriceFeed: testFeed,
		VolatilityBps: map[model.ExpiryBucket]int64{model.Day1: 5000},
	})
	if !errors.Is(err, store.ErrMarketExists) {
		t.Errorf("err = %v, want ErrMarketExists", err)
	}
}

func TestUpdateVolatility(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)

	m, err := env.svc.UpdateVolatility(context.Background(), testAdminKey, 1, map[model.ExpiryBucket]int64{
		model.Day1: 9000,
	})
	if err != nil {
		t.Fatalf("UpdateVolatility: %v", err)
	}
	if m.VolatilityBps[model.Day1] != 9000 {
		t.Errorf("1d vol = %d, want 9000", m.VolatilityBps[model.Day1])
	}
	// Untouched buckets survive.
	if m.VolatilityBps[model.Hour1] != 5000 {
		t.Errorf("1h vol = %d, want unchanged 5000", m.VolatilityBps[model.Hour1])
	}
}

// --- Deposits and withdrawals ---

func TestDeposit_FirstDepositIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 0)

	res, err := env.svc.Deposit(context.Background(), 1, "alice", di(5000), decimal.Zero)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if !res.SharesMinted.Equal(di(5_000_000)) {
		t.Errorf("shares = %s, want 5000000", res.SharesMinted)
	}
	if !res.Market.ReserveSupply.Equal(di(5000)) {
		t.Errorf("reserve = %s, want 5000", res.Market.ReserveSupply)
	}
	if !res.Market.LpMinted.Equal(di(5_000_000)) {
		t.Errorf("lp minted = %s, want 5000000", res.Market.LpMinted)
	}
}

func TestWithdraw_CappedByOpenExposure(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// Open an option so part of the reserve is committed.
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Burn everything: payout must cap at free reserve + premiums and
	// leave the committed reservation untouched.
	res, err := env.svc.Withdraw(ctx, 1, "alice", di(1_000_000_000).Mul(di(1000)), decimal.Zero)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	m := res.Market
	requireSolvent(t, m)
	if !m.CommittedReserve.Equal(buy.Reservation) {
		t.Errorf("committed = %s, want reservation %s intact", m.CommittedReserve, buy.Reservation)
	}
	if !m.ReserveSupply.Equal(buy.Reservation) {
		t.Errorf("reserve = %s, want only the reservation %s left", m.ReserveSupply, buy.Reservation)
	}
	if !m.Premiums.IsZero() {
		t.Errorf("premiums = %s, want fully drained", m.Premiums)
	}
	if res.SharesBurned.GreaterThanOrEqual(di(1_000_000_000).Mul(di(1000))) {
		t.Errorf("burned %s, want strictly less than requested when capped", res.SharesBurned)
	}
}

// --- Option underwriting ---

func TestBuy_InsufficientCollateralLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	before, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	// Reservation for 1000 units dwarfs the 1000-base-unit reserve.
	_, err = env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1000), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("err = %v, want ErrInsufficientCollateral", err)
	}

	after, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !after.CommittedReserve.Equal(before.CommittedReserve) ||
		!after.Premiums.Equal(before.Premiums) ||
		!after.ReserveSupply.Equal(before.ReserveSupply) ||
		!after.FeeAccrued.Equal(before.FeeAccrued) {
		t.Errorf("rejected buy mutated market: before %+v after %+v", before, after)
	}

	acct, err := env.svc.GetAccount(ctx, "trader")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.FreeSlot() != 0 {
		t.Errorf("rejected buy consumed a slot")
	}
}

// faultyStore fails the combined market+account write on demand, standing
// in for a database outage mid-operation.
type faultyStore struct {
	*store.MemoryStore
	failWrites bool
}

func (s *faultyStore) UpdateMarketAndAccounts(ctx context.Context, m *model.Market, accounts []*model.UserAccount) error {
	if s.failWrites {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateMarketAndAccounts(ctx, m, accounts)
}

func newFaultyEnv(t *testing.T) (*testEnv, *faultyStore) {
	t.Helper()
	fs := &faultyStore{MemoryStore: store.NewMemoryStore()}
	env := &testEnv{
		store:  fs.MemoryStore,
		oracle: oracle.NewStaticOracle(),
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(fs, env.oracle, DefaultConfig(testAdminKey), nil)
	env.svc.now = func() time.Time { return env.clock }
	env.setSpot(100)
	return env, fs
}

func TestStoreWriteFailure_NoPartialState(t *testing.T) {
	env, fs := newFaultyEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	before, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	// A buy whose persist step fails must leave neither a reservation nor
	// an occupied slot behind.
	fs.failWrites = true
	_, err = env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(10), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if err == nil {
		t.Fatal("Buy succeeded despite failing store")
	}
	after, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !after.CommittedReserve.Equal(before.CommittedReserve) ||
		!after.Premiums.Equal(before.Premiums) ||
		!after.FeeAccrued.Equal(before.FeeAccrued) {
		t.Errorf("failed buy left partial market state: before %+v after %+v", before, after)
	}
	acct, err := env.svc.GetAccount(ctx, "trader")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.FreeSlot() != 0 {
		t.Errorf("failed buy consumed a slot")
	}

	fs.failWrites = false
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(10), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	committed, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	// A failed exercise keeps the slot and its reservation intact.
	fs.failWrites = true
	if _, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID); err == nil {
		t.Fatal("Exercise succeeded despite failing store")
	}
	m, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.CommittedReserve.Equal(committed.CommittedReserve) {
		t.Errorf("failed exercise moved committed reserve: %s, want %s",
			m.CommittedReserve, committed.CommittedReserve)
	}
	acct, err = env.svc.GetAccount(ctx, "trader")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Options[buy.OptionID].Empty() {
		t.Errorf("failed exercise cleared the slot")
	}

	// A failed sweep releases nothing; once the store recovers, the same
	// sweep frees the reservation.
	env.advance(25*time.Hour + time.Hour)
	if _, err := env.svc.ExpireSweep(ctx, 1); err == nil {
		t.Fatal("ExpireSweep succeeded despite failing store")
	}
	m, err = env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.CommittedReserve.Equal(committed.CommittedReserve) {
		t.Errorf("failed sweep moved committed reserve: %s", m.CommittedReserve)
	}

	fs.failWrites = false
	res, err := env.svc.ExpireSweep(ctx, 1)
	if err != nil {
		t.Fatalf("ExpireSweep: %v", err)
	}
	if res.SlotsReleased != 1 {
		t.Errorf("slots released = %d, want 1", res.SlotsReleased)
	}
	m, err = env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.CommittedReserve.IsZero() {
		t.Errorf("committed reserve = %s after sweep, want 0", m.CommittedReserve)
	}
	requireSolvent(t, m)
}

func TestBuy_SlotsFull(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(100_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	acct, err := env.store.GetUserAccount(ctx, "trader")
	if err != nil {
		t.Fatalf("GetUserAccount: %v", err)
	}
	for i := range acct.Options {
		acct.Options[i] = model.Option{
			MarketIx: 1, Type: model.Call, Quantity: di(1),
			StrikeUSD: d(90), Expiry: env.clock.Add(time.Hour).Unix(),
		}
	}
	if err := env.store.UpdateUserAccount(ctx, acct); err != nil {
		t.Fatalf("UpdateUserAccount: %v", err)
	}

	_, err = env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if !errors.Is(err, ErrOptionSlotsFull) {
		t.Errorf("err = %v, want ErrOptionSlotsFull", err)
	}
}

func TestBuy_StrikeFromDeviation(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	deviation := int64(500)
	res, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Day1, DeviationBps: &deviation,
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !res.StrikeUSD.Equal(d(105)) {
		t.Errorf("strike = %s, want 105 (spot 100 + 5%%)", res.StrikeUSD)
	}
}

func TestBuy_StaleOracle(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.oracle.SetQuote(testFeed, oracle.Quote{
		Price:       d(100),
		PublishTime: env.clock.Add(-2 * time.Hour),
	})
	_, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if !errors.Is(err, ErrStaleOracle) {
		t.Errorf("err = %v, want ErrStaleOracle", err)
	}
}

// --- Exercise ---

func TestExercise_PayoutClampedToReservation(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	// 1h call at strike 90: intrinsic + time value sits below the 20% of
	// spot collateral floor, so reservation = 20 USD = 200000 base units.
	if !buy.Reservation.Equal(di(200_000)) {
		t.Fatalf("reservation = %s, want 200000", buy.Reservation)
	}

	// Spot jumps to 120: intrinsic 30 USD converts to 250000 base units,
	// above the reservation. Payout clamps.
	env.setSpot(120)
	res, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID)
	if err != nil {
		t.Fatalf("Exercise: %v", err)
	}
	if !res.Payout.Equal(di(200_000)) {
		t.Errorf("payout = %s, want clamp to reservation 200000", res.Payout)
	}

	m := res.Market
	requireSolvent(t, m)
	if !m.CommittedReserve.IsZero() {
		t.Errorf("committed = %s, want 0 after exercise", m.CommittedReserve)
	}
	// Premiums drain first, principal covers the remainder.
	if !m.Premiums.IsZero() {
		t.Errorf("premiums = %s, want fully consumed by payout", m.Premiums)
	}
	wantReserve := di(1_000_000_000).Sub(di(200_000).Sub(buy.Premium.Sub(buy.ProtocolFee)))
	if !m.ReserveSupply.Equal(wantReserve) {
		t.Errorf("reserve = %s, want %s", m.ReserveSupply, wantReserve)
	}

	acct, err := env.svc.GetAccount(ctx, "trader")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Options[buy.OptionID].Empty() {
		t.Errorf("slot %d not cleared after exercise", buy.OptionID)
	}
}

func TestExercise_WorthlessStillClearsSlot(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(110),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Still out of the money: zero payout, reservation released.
	env.setSpot(100)
	res, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID)
	if err != nil {
		t.Fatalf("Exercise: %v", err)
	}
	if !res.Payout.IsZero() {
		t.Errorf("payout = %s, want 0", res.Payout)
	}
	if !res.Market.CommittedReserve.IsZero() {
		t.Errorf("committed = %s, want 0", res.Market.CommittedReserve)
	}
}

func TestExercise_AlreadyClearedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	first, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID)
	if err != nil {
		t.Fatalf("Exercise: %v", err)
	}

	_, err = env.svc.Exercise(ctx, 1, "trader", buy.OptionID)
	if !errors.Is(err, ErrAlreadyCleared) {
		t.Fatalf("second exercise err = %v, want ErrAlreadyCleared", err)
	}

	m, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.ReserveSupply.Equal(first.Market.ReserveSupply) ||
		!m.CommittedReserve.Equal(first.Market.CommittedReserve) ||
		!m.Premiums.Equal(first.Market.Premiums) {
		t.Errorf("failed exercise mutated market")
	}
}

func TestExercise_OverdueThenSweep(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Past expiry plus the 15 minute grace window.
	env.advance(time.Hour + 16*time.Minute)
	env.setSpot(150)

	_, err = env.svc.Exercise(ctx, 1, "trader", buy.OptionID)
	if !errors.Is(err, ErrExerciseOverdue) {
		t.Fatalf("err = %v, want ErrExerciseOverdue", err)
	}

	sweep, err := env.svc.ExpireSweep(ctx, 1)
	if err != nil {
		t.Fatalf("ExpireSweep: %v", err)
	}
	if sweep.SlotsReleased != 1 {
		t.Errorf("slots released = %d, want 1", sweep.SlotsReleased)
	}
	if !sweep.FreedReserve.Equal(buy.Reservation) {
		t.Errorf("freed = %s, want %s", sweep.FreedReserve, buy.Reservation)
	}

	m, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m.CommittedReserve.IsZero() {
		t.Errorf("committed = %s, want 0 after sweep", m.CommittedReserve)
	}
	// Expiry releases collateral with no payout: principal is intact.
	if !m.ReserveSupply.Equal(di(1_000_000_000)) {
		t.Errorf("reserve = %s, want untouched 1000000000", m.ReserveSupply)
	}
}

// --- Exercise inside the grace window ---

func TestExercise_WithinGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Ten minutes past expiry, still inside the grace window.
	env.advance(time.Hour + 10*time.Minute)
	env.setSpot(100)

	if _, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID); err != nil {
		t.Errorf("exercise inside grace window: %v", err)
	}
}

// --- Fees and closure ---

func TestSweepFees(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(10), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !buy.ProtocolFee.IsPositive() {
		t.Fatalf("protocol fee = %s, want positive", buy.ProtocolFee)
	}

	swept, err := env.svc.SweepFees(ctx, testAdminKey, 1)
	if err != nil {
		t.Fatalf("SweepFees: %v", err)
	}
	if !swept.Equal(buy.ProtocolFee) {
		t.Errorf("swept = %s, want %s", swept, buy.ProtocolFee)
	}

	// Nothing left to sweep.
	if _, err := env.svc.SweepFees(ctx, testAdminKey, 1); !errors.Is(err, ErrCannotWithdraw) {
		t.Errorf("second sweep err = %v, want ErrCannotWithdraw", err)
	}
}

func TestCloseMarket_RequiresQuiescence(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 6)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	if _, err := env.svc.Deposit(ctx, 1, "alice", di(1_000_000_000), decimal.Zero); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(1), Bucket: model.Hour1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if _, err := env.svc.CloseMarket(ctx, testAdminKey, 1); !errors.Is(err, ErrMarketNotQuiescent) {
		t.Fatalf("close with open exposure err = %v, want ErrMarketNotQuiescent", err)
	}

	if _, err := env.svc.Exercise(ctx, 1, "trader", buy.OptionID); err != nil {
		t.Fatalf("Exercise: %v", err)
	}

	res, err := env.svc.CloseMarket(ctx, testAdminKey, 1)
	if err != nil {
		t.Fatalf("CloseMarket: %v", err)
	}
	if !res.FeesPaid.IsPositive() && !res.ResidualPaid.IsPositive() {
		t.Errorf("closure paid nothing: %+v", res)
	}

	if _, err := env.svc.GetMarket(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("market still readable after close: err = %v", err)
	}
}

// --- The end-to-end accounting scenario ---

// TestVaultScenario walks the canonical flow: Alice seeds the pool, a
// trader buys a 400-unit call, Bob deposits into the now-richer pool. It
// pins down the share accounting identities along the way.
func TestVaultScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seedMarket(t, 1, 50, 0)
	env.seedAccount(t, "trader")
	ctx := context.Background()

	// Alice's first deposit mints at the share scale.
	alice, err := env.svc.Deposit(ctx, 1, "alice", di(5000), decimal.Zero)
	if err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if !alice.SharesMinted.Equal(di(5_000_000)) {
		t.Fatalf("alice shares = %s, want 5000000", alice.SharesMinted)
	}

	// 400-unit 1d call at strike 90, spot 100.
	buy, err := env.svc.Buy(ctx, 1, "trader", BuyParams{
		Type: model.Call, Quantity: di(400), Bucket: model.Day1, StrikeUSD: d(90),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.Premium.IsPositive() {
		t.Fatalf("premium = %s, want positive", buy.Premium)
	}

	m, err := env.svc.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	requireSolvent(t, m)

	// Premium splits exactly into LP premiums and protocol fee.
	if !m.Premiums.Add(m.FeeAccrued).Equal(buy.Premium) {
		t.Errorf("premiums %s + fees %s != premium %s", m.Premiums, m.FeeAccrued, buy.Premium)
	}
	if !m.CommittedReserve.Equal(buy.Reservation) {
		t.Errorf("committed = %s, want %s", m.CommittedReserve, buy.Reservation)
	}
	// Principal is untouched by a buy.
	if !m.ReserveSupply.Equal(di(5000)) {
		t.Errorf("reserve = %s, want 5000", m.ReserveSupply)
	}

	// Bob's identical deposit mints strictly fewer shares: TVL per share
	// grew by the premium income.
	bob, err := env.svc.Deposit(ctx, 1, "bob", di(5000), decimal.Zero)
	if err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	if !bob.SharesMinted.LessThan(alice.SharesMinted) {
		t.Errorf("bob shares = %s, want strictly fewer than alice's %s", bob.SharesMinted, alice.SharesMinted)
	}

	final := bob.Market
	requireSolvent(t, final)
	if !final.LpMinted.Equal(alice.SharesMinted.Add(bob.SharesMinted)) {
		t.Errorf("lp minted = %s, want alice %s + bob %s exactly",
			final.LpMinted, alice.SharesMinted, bob.SharesMinted)
	}
	// Vault balance: both principals plus the LP share of the premium.
	wantBalance := di(10_000).Add(buy.Premium.Sub(buy.ProtocolFee))
	if !final.TVL().Equal(wantBalance) {
		t.Errorf("TVL = %s, want %s", final.TVL(), wantBalance)
	}
}
