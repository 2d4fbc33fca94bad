// Package oracle provides spot-price reads for the options engine.
// Implementations may fetch from a Hermes-style price service or serve
// fixed prices for testing. The engine owns the staleness policy; the
// oracle only reports when a price was published.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFeedNotFound is returned when the oracle has no price for a feed.
var ErrFeedNotFound = errors.New("oracle: price feed not found")

// Quote is one spot-price observation for a feed.
type Quote struct {
	// Price is the USD spot price.
	Price decimal.Decimal `json:"price"`
	// PublishTime is when the price was produced upstream, not when it
	// was read.
	PublishTime time.Time `json:"publish_time"`
}

// PriceOracle reads the current spot price for a configured feed.
// It is a pure external read with no mutation.
type PriceOracle interface {
	ReadPrice(ctx context.Context, feedID string) (Quote, error)
}

// StaticOracle serves fixed prices from memory. Used for testing and
// development; prices are stamped at set time.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]Quote)}
}

// SetPrice installs a price for a feed, published now.
func (o *StaticOracle) SetPrice(feedID string, price decimal.Decimal) {
	o.SetQuote(feedID, Quote{Price: price, PublishTime: time.Now().UTC()})
}

// SetQuote installs a full quote, including its publish time.
func (o *StaticOracle) SetQuote(feedID string, q Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[feedID] = q
}

func (o *StaticOracle) ReadPrice(_ context.Context, feedID string) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	q, ok := o.quotes[feedID]
	if !ok {
		return Quote{}, ErrFeedNotFound
	}
	return q, nil
}
