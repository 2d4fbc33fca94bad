package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovx/options-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[uint16]*model.Market
	accounts map[string]*model.UserAccount
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[uint16]*model.Market),
		accounts: make(map[string]*model.UserAccount),
	}
}

func copyMarket(m *model.Market) *model.Market {
	c := *m
	c.VolatilityBps = make(map[model.ExpiryBucket]int64, len(m.VolatilityBps))
	for k, v := range m.VolatilityBps {
		c.VolatilityBps[k] = v
	}
	return &c
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Ix]; ok {
		return ErrMarketExists
	}
	s.markets[m.Ix] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, ix uint16) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[ix]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Ix < markets[j].Ix })
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Ix]; !ok {
		return ErrMarketNotFound
	}
	s.markets[m.Ix] = copyMarket(m)
	return nil
}

func (s *MemoryStore) UpdateMarketAndAccounts(_ context.Context, m *model.Market, accounts []*model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching the maps so a missing record
	// leaves no partial write behind.
	if _, ok := s.markets[m.Ix]; !ok {
		return ErrMarketNotFound
	}
	for _, a := range accounts {
		if _, ok := s.accounts[a.UserID]; !ok {
			return ErrAccountNotFound
		}
	}

	s.markets[m.Ix] = copyMarket(m)
	for _, a := range accounts {
		c := *a
		s.accounts[a.UserID] = &c
	}
	return nil
}

func (s *MemoryStore) DeleteMarket(_ context.Context, ix uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[ix]; !ok {
		return ErrMarketNotFound
	}
	delete(s.markets, ix)
	return nil
}

func (s *MemoryStore) CreateUserAccount(_ context.Context, userID string) (*model.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		c := *a
		return &c, nil
	}
	a := &model.UserAccount{UserID: userID, CreatedAt: time.Now().UTC()}
	s.accounts[userID] = a
	c := *a
	return &c, nil
}

func (s *MemoryStore) GetUserAccount(_ context.Context, userID string) (*model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) UpdateUserAccount(_ context.Context, a *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; !ok {
		return ErrAccountNotFound
	}
	c := *a
	s.accounts[a.UserID] = &c
	return nil
}

func (s *MemoryStore) ListUserAccounts(_ context.Context) ([]model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.UserAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].UserID < accounts[j].UserID })
	return accounts, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, ix uint16) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketIx == ix {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}
