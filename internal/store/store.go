// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ovx/options-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned when no market exists at an index.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketExists is returned when creating a market at a taken index.
	ErrMarketExists = errors.New("store: market index already in use")

	// ErrAccountNotFound is returned when a user has no account record.
	ErrAccountNotFound = errors.New("store: user account not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market records ---

	// CreateMarket persists a new market at its index.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its integer index.
	GetMarket(ctx context.Context, ix uint16) (*model.Market, error)

	// ListMarkets returns all markets ordered by index.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket persists the full mutable state of a market.
	UpdateMarket(ctx context.Context, m *model.Market) error

	// UpdateMarketAndAccounts persists a market together with the given
	// user accounts as a single atomic step. Purchases, exercises, and
	// expiry move collateral between the market's committed reserve and
	// option slots; a partial write would strand the reservation.
	UpdateMarketAndAccounts(ctx context.Context, m *model.Market, accounts []*model.UserAccount) error

	// DeleteMarket removes a market record at closure.
	DeleteMarket(ctx context.Context, ix uint16) error

	// --- User accounts ---

	// CreateUserAccount creates the user's option-slot record. Idempotent:
	// an existing account is returned unchanged.
	CreateUserAccount(ctx context.Context, userID string) (*model.UserAccount, error)

	// GetUserAccount retrieves a user's account.
	GetUserAccount(ctx context.Context, userID string) (*model.UserAccount, error)

	// UpdateUserAccount persists a user's option slots.
	UpdateUserAccount(ctx context.Context, a *model.UserAccount) error

	// ListUserAccounts returns every user account. Used by the expiry
	// sweep to release overdue slots.
	ListUserAccounts(ctx context.Context) ([]model.UserAccount, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable operation record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns all entries for a market.
	GetLedgerEntriesByMarket(ctx context.Context, ix uint16) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns all entries for a user.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}
