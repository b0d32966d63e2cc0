package types

import "time"

// ResponseMetadata describes the venue round trip that produced a
// response.
type ResponseMetadata struct {
	Timestamp          time.Time     `json:"timestamp"`
	Venue              string        `json:"venue"`
	RequestID          string        `json:"request_id"`
	Latency            time.Duration `json:"latency"`
	RateLimitRemaining int           `json:"rate_limit_remaining"`
}

// ExchangeResponse is the normalized envelope every adapter returns
// for order operations. Exactly one of Order and Error is set.
type ExchangeResponse struct {
	Success  bool             `json:"success"`
	Order    *VenueOrder      `json:"order,omitempty"`
	Error    *AdapterError    `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

// OK wraps a venue order in a successful envelope.
func OK(order *VenueOrder, meta ResponseMetadata) *ExchangeResponse {
	return &ExchangeResponse{Success: true, Order: order, Metadata: meta}
}

// Failed wraps an adapter error in a failure envelope.
func Failed(err *AdapterError, meta ResponseMetadata) *ExchangeResponse {
	return &ExchangeResponse{Success: false, Error: err, Metadata: meta}
}
