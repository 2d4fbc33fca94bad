package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ovx/options-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.Ix))
	return nil
}

func (s *CachedStore) DeleteMarket(ctx context.Context, ix uint16) error {
	if err := s.primary.DeleteMarket(ctx, ix); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(ix))
	return nil
}

func (s *CachedStore) UpdateMarketAndAccounts(ctx context.Context, m *model.Market, accounts []*model.UserAccount) error {
	if err := s.primary.UpdateMarketAndAccounts(ctx, m, accounts); err != nil {
		return err
	}
	keys := []string{marketKey(m.Ix)}
	for _, a := range accounts {
		keys = append(keys, accountKey(a.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) UpdateUserAccount(ctx context.Context, a *model.UserAccount) error {
	if err := s.primary.UpdateUserAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.UserID))
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, ix uint16) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(ix)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, ix)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUserAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.UserAccount
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetUserAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) CreateUserAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	a, err := s.primary.CreateUserAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, accountKey(userID))
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListUserAccounts(ctx context.Context) ([]model.UserAccount, error) {
	return s.primary.ListUserAccounts(ctx)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, ix uint16) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, ix)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Ix), data, s.ttl)
	}
}

func marketKey(ix uint16) string   { return fmt.Sprintf("market:%d", ix) }
func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }
