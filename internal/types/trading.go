package types

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket       = "MARKET"
	OrderTypeLimit        = "LIMIT"
	OrderTypeStop         = "STOP"
	OrderTypeStopLimit    = "STOP_LIMIT"
	OrderTypeTrailingStop = "TRAILING_STOP"
	OrderTypeOCO          = "OCO"
)

// Order lifecycle statuses
const (
	StatusPending         = "PENDING"
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Time-in-force values
const (
	TIFGoodTillCancel  = "GTC"
	TIFImmediateOrKill = "IOC"
	TIFFillOrKill      = "FOK"
)

var (
	ErrInvalidSide      = errors.New("side must be BUY or SELL")
	ErrInvalidOrderType = errors.New("unknown order type")
	ErrInvalidQuantity  = errors.New("quantity must be greater than zero")
	ErrPriceRequired    = errors.New("price is required for limit orders")
	ErrStopRequired     = errors.New("stop price is required for stop orders")
)

// OrderSpec is the immutable, client-supplied description of an order.
// Validate must pass before the spec causes any side effect.
type OrderSpec struct {
	ClientOrderID string            `json:"client_order_id" binding:"required"`
	Symbol        string            `json:"symbol" binding:"required"`
	Side          string            `json:"side" binding:"required"`
	OrderType     string            `json:"order_type" binding:"required"`
	Quantity      float64           `json:"quantity" binding:"required"`
	Price         float64           `json:"price,omitempty"`
	StopPrice     float64           `json:"stop_price,omitempty"`
	TimeInForce   string            `json:"time_in_force,omitempty"`
	Venue         string            `json:"venue,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the spec for invalid field combinations.
func (s OrderSpec) Validate() error {
	if s.Side != SideBuy && s.Side != SideSell {
		return ErrInvalidSide
	}
	if s.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch s.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit, OrderTypeOCO:
		if s.Price <= 0 {
			return ErrPriceRequired
		}
	case OrderTypeStop, OrderTypeTrailingStop:
		if s.StopPrice <= 0 {
			return ErrStopRequired
		}
	case OrderTypeStopLimit:
		if s.Price <= 0 {
			return ErrPriceRequired
		}
		if s.StopPrice <= 0 {
			return ErrStopRequired
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOrderType, s.OrderType)
	}
	return nil
}

// Notional returns the order value used for risk checks. Market orders
// fall back to the caller-supplied reference price.
func (s OrderSpec) Notional(referencePrice float64) float64 {
	price := s.Price
	if price <= 0 {
		price = referencePrice
	}
	return price * s.Quantity
}

// Order is the persisted instance of an OrderSpec. Rows are never
// deleted; terminal orders are archived by status.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string    `gorm:"uniqueIndex" json:"order_id"`
	ClientOrderID string    `gorm:"uniqueIndex" json:"client_order_id"`
	ClientID      string    `gorm:"index" json:"client_id"`
	Venue         string    `json:"venue"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderType     string    `json:"order_type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	TimeInForce   string    `json:"time_in_force,omitempty"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Status        string    `gorm:"index" json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// terminal statuses admit no further pipeline transitions
var terminalStatuses = map[string]bool{
	StatusFilled:    true,
	StatusCancelled: true,
	StatusRejected:  true,
	StatusExpired:   true,
}

// validStatusTransitions encodes the monotonic order lifecycle. The
// reconciliation service may apply corrective transitions outside this
// table, but every such correction is audit-logged.
var validStatusTransitions = map[string][]string{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether the normal pipeline may move an order
// from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validStatusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// Fill is an immutable execution record linked to exactly one order.
// Append-only: fills are created, never updated or deleted.
type Fill struct {
	gorm.Model `json:"-"`
	FillID     string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Venue      string    `json:"venue"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Commission float64   `json:"commission"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccountState is the snapshot of a principal's account the risk
// engine evaluates against. Supplied by the surrounding system through
// the persistence contract.
type AccountState struct {
	ClientID        string  `json:"client_id"`
	PortfolioValue  float64 `json:"portfolio_value"`
	AvailableFunds  float64 `json:"available_funds"`
	CurrentDrawdown float64 `json:"current_drawdown"` // fraction, 0.1 = 10% below peak
	Leverage        float64 `json:"leverage"`
	OpenNotional    float64 `json:"open_notional"`
}

// Ticker is a venue price snapshot.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceLevel is one side of an order book at a single price.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot from a venue.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Balance is a single-currency account balance at a venue.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// Position is an open position reported by a venue.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// VenueOrder is the authoritative order state as reported by a venue,
// used for dispatch confirmation and reconciliation.
type VenueOrder struct {
	VenueOrderID  string    `json:"venue_order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Commission    float64   `json:"commission"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RateLimits declares a venue's request budget so callers can stay
// inside it.
type RateLimits struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}
