package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies adapter failures so upstream logic can branch
// on kind rather than message text.
type ErrorKind string

const (
	ErrKindConnection        ErrorKind = "CONNECTION"
	ErrKindAuthentication    ErrorKind = "AUTHENTICATION"
	ErrKindRateLimit         ErrorKind = "RATE_LIMIT"
	ErrKindOrderRejected     ErrorKind = "ORDER_REJECTED"
	ErrKindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	ErrKindMarketClosed      ErrorKind = "MARKET_CLOSED"
	ErrKindInvalidSymbol     ErrorKind = "INVALID_SYMBOL"
)

// AdapterError is a venue failure normalized into the fixed taxonomy.
type AdapterError struct {
	Kind    ErrorKind
	Venue   string
	Message string

	// RetryAfter is set for rate-limit errors.
	RetryAfter time.Duration
	// VenueOrderID is set for order rejections when the venue assigned one.
	VenueOrderID string
	// Required/Available are set for insufficient-funds errors.
	Required  float64
	Available float64

	Err error
}

func (e *AdapterError) Error() string {
	if e.Venue != "" {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the pipeline may retry this failure.
// Rejections and validation-class errors are terminal.
func (e *AdapterError) Retryable() bool {
	return e.Kind == ErrKindConnection || e.Kind == ErrKindRateLimit
}

// AsAdapterError extracts an AdapterError from an error chain.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// NewConnectionError wraps a transport failure.
func NewConnectionError(venue string, err error) *AdapterError {
	return &AdapterError{Kind: ErrKindConnection, Venue: venue, Message: "venue unreachable", Err: err}
}

// NewAuthenticationError marks invalid venue credentials.
func NewAuthenticationError(venue, message string) *AdapterError {
	return &AdapterError{Kind: ErrKindAuthentication, Venue: venue, Message: message}
}

// NewRateLimitError carries the venue-declared retry-after.
func NewRateLimitError(venue string, retryAfter time.Duration) *AdapterError {
	return &AdapterError{
		Kind:       ErrKindRateLimit,
		Venue:      venue,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// NewOrderRejectedError marks a venue-side order rejection.
func NewOrderRejectedError(venue, venueOrderID, reason string) *AdapterError {
	return &AdapterError{
		Kind:         ErrKindOrderRejected,
		Venue:        venue,
		Message:      reason,
		VenueOrderID: venueOrderID,
	}
}

// NewInsufficientFundsError carries required vs available amounts.
func NewInsufficientFundsError(venue string, required, available float64) *AdapterError {
	return &AdapterError{
		Kind:      ErrKindInsufficientFunds,
		Venue:     venue,
		Message:   fmt.Sprintf("required %.2f, available %.2f", required, available),
		Required:  required,
		Available: available,
	}
}

// NewMarketClosedError marks an order sent outside trading hours.
func NewMarketClosedError(venue, symbol string) *AdapterError {
	return &AdapterError{Kind: ErrKindMarketClosed, Venue: venue, Message: "market closed for " + symbol}
}

// NewInvalidSymbolError marks a symbol the venue does not list.
func NewInvalidSymbolError(venue, symbol string) *AdapterError {
	return &AdapterError{Kind: ErrKindInvalidSymbol, Venue: venue, Message: "unknown symbol " + symbol}
}
