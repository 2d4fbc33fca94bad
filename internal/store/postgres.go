package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// volatility curves and option-slot tables are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	vol, err := json.Marshal(m.VolatilityBps)
	if err != nil {
		return fmt.Errorf("marshal volatility curve: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO markets (ix, name, fee_bps, reserve_supply, committed_reserve, premiums,
		                      fee_accrued, lp_minted, share_scale, volatility_bps,
		                      vol_last_updated, price_feed, asset_decimals, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
		         $11, $12, $13, $14)
		 ON CONFLICT (ix) DO NOTHING`,
		int32(m.Ix), m.Name, m.FeeBps,
		m.ReserveSupply.String(), m.CommittedReserve.String(), m.Premiums.String(),
		m.FeeAccrued.String(), m.LpMinted.String(), m.ShareScale.String(), vol,
		m.VolLastUpdated, m.PriceFeed, m.AssetDecimals, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %d: %w", m.Ix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketExists
	}
	return nil
}

const marketColumns = `ix, name, fee_bps,
	reserve_supply::TEXT, committed_reserve::TEXT, premiums::TEXT,
	fee_accrued::TEXT, lp_minted::TEXT, share_scale::TEXT,
	volatility_bps, vol_last_updated, price_feed, asset_decimals, created_at`

// scanMarket reads one market row. NUMERIC columns come back as TEXT and
// parse into decimal so no precision is lost.
func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var ix int32
	var reserve, committed, premiums, feeAccrued, lpMinted, shareScale string
	var vol []byte

	err := row.Scan(&ix, &m.Name, &m.FeeBps,
		&reserve, &committed, &premiums,
		&feeAccrued, &lpMinted, &shareScale,
		&vol, &m.VolLastUpdated, &m.PriceFeed, &m.AssetDecimals, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}

	m.Ix = uint16(ix)
	m.ReserveSupply, _ = decimal.NewFromString(reserve)
	m.CommittedReserve, _ = decimal.NewFromString(committed)
	m.Premiums, _ = decimal.NewFromString(premiums)
	m.FeeAccrued, _ = decimal.NewFromString(feeAccrued)
	m.LpMinted, _ = decimal.NewFromString(lpMinted)
	m.ShareScale, _ = decimal.NewFromString(shareScale)

	if err := json.Unmarshal(vol, &m.VolatilityBps); err != nil {
		return nil, fmt.Errorf("unmarshal volatility curve: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, ix uint16) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ix = $1`, int32(ix))
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, ErrMarketNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get market %d: %w", ix, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY ix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so the market and
// account updates can run standalone or inside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateMarketExec(ctx context.Context, db execer, m *model.Market) error {
	vol, err := json.Marshal(m.VolatilityBps)
	if err != nil {
		return fmt.Errorf("marshal volatility curve: %w", err)
	}

	tag, err := db.Exec(ctx,
		`UPDATE markets
		 SET reserve_supply = $2::NUMERIC, committed_reserve = $3::NUMERIC,
		     premiums = $4::NUMERIC, fee_accrued = $5::NUMERIC,
		     lp_minted = $6::NUMERIC, volatility_bps = $7, vol_last_updated = $8
		 WHERE ix = $1`,
		int32(m.Ix),
		m.ReserveSupply.String(), m.CommittedReserve.String(),
		m.Premiums.String(), m.FeeAccrued.String(),
		m.LpMinted.String(), vol, m.VolLastUpdated,
	)
	if err != nil {
		return fmt.Errorf("update market %d: %w", m.Ix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func updateAccountExec(ctx context.Context, db execer, a *model.UserAccount) error {
	opts, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("marshal option slots: %w", err)
	}

	tag, err := db.Exec(ctx,
		`UPDATE user_accounts SET options = $2 WHERE user_id = $1`,
		a.UserID, opts,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	return updateMarketExec(ctx, s.pool, m)
}

// UpdateMarketAndAccounts runs the market and account updates in one
// transaction, so a mid-write failure rolls everything back.
func (s *PostgresStore) UpdateMarketAndAccounts(ctx context.Context, m *model.Market, accounts []*model.UserAccount) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin market update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateMarketExec(ctx, tx, m); err != nil {
		return err
	}
	for _, a := range accounts {
		if err := updateAccountExec(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteMarket(ctx context.Context, ix uint16) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM markets WHERE ix = $1`, int32(ix))
	if err != nil {
		return fmt.Errorf("delete market %d: %w", ix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (s *PostgresStore) CreateUserAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	empty, err := json.Marshal([model.OptionSlots]model.Option{})
	if err != nil {
		return nil, fmt.Errorf("marshal empty slots: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_accounts (user_id, options, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, empty, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}
	return s.GetUserAccount(ctx, userID)
}

func (s *PostgresStore) GetUserAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	var a model.UserAccount
	var opts []byte

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, options, created_at FROM user_accounts WHERE user_id = $1`,
		userID).Scan(&a.UserID, &opts, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	if err := json.Unmarshal(opts, &a.Options); err != nil {
		return nil, fmt.Errorf("unmarshal option slots: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateUserAccount(ctx context.Context, a *model.UserAccount) error {
	return updateAccountExec(ctx, s.pool, a)
}

func (s *PostgresStore) ListUserAccounts(ctx context.Context) ([]model.UserAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, options, created_at FROM user_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.UserAccount
	for rows.Next() {
		var a model.UserAccount
		var opts []byte
		if err := rows.Scan(&a.UserID, &opts, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(opts, &a.Options); err != nil {
			return nil, fmt.Errorf("unmarshal option slots: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, kind, market_ix, user_id, amount, shares, option_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.Kind, int32(e.MarketIx), e.UserID,
		e.Amount.String(), e.Shares.String(), e.OptionID, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, ix uint16) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market_ix, user_id, amount::TEXT, shares::TEXT, option_id, timestamp
		 FROM ledger_entries WHERE market_ix = $1 ORDER BY timestamp`, int32(ix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market_ix, user_id, amount::TEXT, shares::TEXT, option_id, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var ix int32
		var amountS, sharesS string

		if err := rows.Scan(&e.ID, &e.Kind, &ix, &e.UserID,
			&amountS, &sharesS, &e.OptionID, &e.Timestamp); err != nil {
			return nil, err
		}

		e.MarketIx = uint16(ix)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Shares, _ = decimal.NewFromString(sharesS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
