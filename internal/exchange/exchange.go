package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/tradegate/internal/types"
)

// ErrNotSupported is returned by an adapter operation whose capability
// the venue does not declare. Capabilities are declared, never
// silently no-op'd.
var ErrNotSupported = errors.New("operation not supported by venue")

// Capability identifies an optional venue feature.
type Capability string

const (
	CapMarketData Capability = "market_data"
	CapOrderBook  Capability = "order_book"
	CapTrading    Capability = "trading"
	CapAccount    Capability = "account"
	CapStreaming  Capability = "streaming"
	CapHistory    Capability = "history"
)

// RequiredCapabilities must be declared and working for an adapter to
// be registered for order flow.
var RequiredCapabilities = []Capability{CapMarketData, CapTrading, CapAccount, CapHistory}

// CapabilitySet is the explicit declaration of what a venue supports.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Has reports whether the set declares a capability.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// Adapter is the venue-agnostic execution contract. Every venue
// implements the full interface; operations outside the declared
// capability set return ErrNotSupported.
type Adapter interface {
	// Name returns the venue identifier used for routing and breaker keys.
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsHealthy() bool
	Authenticate(ctx context.Context) error

	// Capabilities returns the venue's declared capability set.
	Capabilities() CapabilitySet

	GetMarketData(ctx context.Context, symbol string) (*types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)
	GetBalance(ctx context.Context) ([]types.Balance, error)
	GetPositions(ctx context.Context) ([]types.Position, error)

	CreateOrder(ctx context.Context, spec types.OrderSpec) (*types.ExchangeResponse, error)
	CancelOrder(ctx context.Context, venueOrderID, symbol string) (*types.ExchangeResponse, error)
	GetOrder(ctx context.Context, venueOrderID, symbol string) (*types.VenueOrder, error)
	GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]types.VenueOrder, error)

	SubscribeMarketData(ctx context.Context, symbols []string, fn func(types.Ticker)) error

	RateLimits() types.RateLimits
}
