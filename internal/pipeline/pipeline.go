package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/risk"
	"github.com/ksred/tradegate/internal/types"
	"github.com/ksred/tradegate/pkg/retry"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Pipeline stage names used for latency tracking.
const (
	StageMarketData = "market_data"
	StageRisk       = "risk"
	StageDispatch   = "dispatch"
	StagePersist    = "persist"
)

var (
	// ErrAccountSuspended is returned while a principal's account
	// breaker is open pending manual review.
	ErrAccountSuspended = errors.New("account suspended pending manual review")
	// ErrOrderNotFound is returned when the order does not exist or
	// belongs to another principal.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal is returned when cancelling an order that has
	// already reached a terminal status.
	ErrOrderTerminal = errors.New("order already in terminal status")
)

// RiskBlockedError reports a risk-engine block to the caller. The
// order was never dispatched.
type RiskBlockedError struct {
	RuleID  string
	Reasons []string
}

func (e *RiskBlockedError) Error() string {
	return "order blocked by risk rule " + e.RuleID + ": " + strings.Join(e.Reasons, "; ")
}

// AccountProvider supplies the account snapshot the risk engine
// evaluates against. The surrounding system implements this against
// its portfolio store.
type AccountProvider interface {
	AccountState(ctx context.Context, clientID string) (types.AccountState, error)
}

// AccountFunc adapts a function to AccountProvider.
type AccountFunc func(ctx context.Context, clientID string) (types.AccountState, error)

func (f AccountFunc) AccountState(ctx context.Context, clientID string) (types.AccountState, error) {
	return f(ctx, clientID)
}

// Pipeline runs orders through validation, risk enforcement, venue
// dispatch and persistence. Submission is idempotent on the client
// order id: replays return the original result without touching a
// venue.
type Pipeline struct {
	db       *Database
	risk     *risk.Engine
	venues   *exchange.Registry
	breakers *breaker.Registry
	tickers  *breaker.TickerCache
	tracker  *metrics.Tracker
	auditor  audit.Recorder
	accounts AccountProvider
	retryCfg retry.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPipeline wires the execution pipeline.
func NewPipeline(
	db *gorm.DB,
	riskEngine *risk.Engine,
	venues *exchange.Registry,
	breakers *breaker.Registry,
	tickers *breaker.TickerCache,
	tracker *metrics.Tracker,
	auditor audit.Recorder,
	accounts AccountProvider,
) *Pipeline {
	return &Pipeline{
		db:       NewDatabase(db),
		risk:     riskEngine,
		venues:   venues,
		breakers: breakers,
		tickers:  tickers,
		tracker:  tracker,
		auditor:  auditor,
		accounts: accounts,
		retryCfg: retry.DefaultConfig(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// DB exposes the order store for the read handlers and the
// reconciliation service.
func (p *Pipeline) DB() *Database {
	return p.db
}

// lockFor serializes submissions sharing a client order id. Concurrent
// duplicates queue here so exactly one of them dispatches.
func (p *Pipeline) lockFor(clientOrderID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[clientOrderID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[clientOrderID] = l
	}
	return l
}

// PlaceOrder runs one order through the full pipeline. On a risk block
// the rejected order is returned together with a *RiskBlockedError so
// the caller sees both the record and the reasons.
func (p *Pipeline) PlaceOrder(ctx context.Context, clientID string, spec types.OrderSpec) (*types.Order, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if !p.risk.AccountAllowed(clientID) {
		p.auditor.Record(audit.Event{
			Type:     audit.EventOrderFailed,
			ClientID: clientID,
			OrderID:  spec.ClientOrderID,
			Reason:   "account breaker open",
		})
		return nil, ErrAccountSuspended
	}

	l := p.lockFor(spec.ClientOrderID)
	l.Lock()
	defer l.Unlock()

	// Idempotency: a known client order id returns the original
	// result, whatever it was, without re-dispatching.
	if record, err := p.db.GetIdempotencyRecord(spec.ClientOrderID); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if record != nil {
		order, err := p.db.GetOrder(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			log.Info().
				Str("client_order_id", spec.ClientOrderID).
				Str("order_id", order.OrderID).
				Msg("duplicate submission, returning original order")
			return order, nil
		}
	}

	adapter, err := p.venues.Route(spec)
	if err != nil {
		return nil, err
	}

	referencePrice := p.referencePrice(ctx, adapter, spec)

	account, err := p.accounts.AccountState(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("account state unavailable: %w", err)
	}
	account.ClientID = clientID

	var eval *risk.Evaluation
	if err := p.tracker.Time(StageRisk, func() error {
		var evalErr error
		eval, evalErr = p.risk.Evaluate(spec, account, referencePrice)
		return evalErr
	}); err != nil {
		return nil, err
	}

	order := p.newOrder(clientID, adapter.Name(), eval.Spec)

	if !eval.Allowed {
		order.Status = types.StatusRejected
		if err := p.persistNew(order); err != nil {
			return nil, err
		}
		p.auditor.Record(audit.Event{
			Type:     audit.EventOrderFailed,
			ClientID: clientID,
			OrderID:  order.OrderID,
			Venue:    order.Venue,
			Code:     "RISK_BLOCKED",
			Reason:   strings.Join(eval.Reasons, "; "),
		})
		metrics.RecordOrder(order.Status)

		blocked := &RiskBlockedError{Reasons: eval.Reasons}
		if len(eval.Fired) > 0 {
			blocked.RuleID = eval.Fired[len(eval.Fired)-1].RuleID
		}
		return order, blocked
	}

	if err := p.persistNew(order); err != nil {
		return nil, err
	}

	p.auditor.Record(audit.Event{
		Type:        audit.EventOrderDispatched,
		ClientID:    clientID,
		OrderID:     order.OrderID,
		Venue:       order.Venue,
		OriginalQty: spec.Quantity,
		AdjustedQty: eval.Spec.Quantity,
	})

	resp, dispatchErr := p.dispatch(ctx, adapter, eval.Spec)
	if dispatchErr != nil {
		return p.failOrder(order, dispatchErr)
	}

	return p.confirmOrder(order, resp.Order)
}

// newOrder builds the persisted record for a validated spec.
func (p *Pipeline) newOrder(clientID, venue string, spec types.OrderSpec) *types.Order {
	now := time.Now()
	return &types.Order{
		OrderID:       "ORD_" + uuid.New().String(),
		ClientOrderID: spec.ClientOrderID,
		ClientID:      clientID,
		Venue:         venue,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		OrderType:     spec.OrderType,
		Quantity:      spec.Quantity,
		Price:         spec.Price,
		StopPrice:     spec.StopPrice,
		TimeInForce:   spec.TimeInForce,
		Status:        types.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (p *Pipeline) persistNew(order *types.Order) error {
	return p.tracker.Time(StagePersist, func() error {
		return p.db.CreateOrderWithIdempotency(order)
	})
}

// referencePrice fetches a live quote for market-order risk checks,
// falling back to last-known-good data while the venue's market-data
// breaker is open. Orders never block on market data: with nothing
// cached the limit price (or zero) is used and position rules that
// need a price skip.
func (p *Pipeline) referencePrice(ctx context.Context, adapter exchange.Adapter, spec types.OrderSpec) float64 {
	key := breaker.Key(adapter.Name(), "market_data")
	start := time.Now()

	var ticker *types.Ticker
	degraded, err := p.breakers.DoWithFallback(key, func() error {
		callStart := time.Now()
		t, mdErr := adapter.GetMarketData(ctx, spec.Symbol)
		p.tracker.Observe(key, time.Since(callStart), mdErr == nil)
		if mdErr != nil {
			return mdErr
		}
		ticker = t
		p.tickers.Store(key, *t)
		return nil
	})
	p.tracker.Observe(StageMarketData, time.Since(start), err == nil)

	if ticker != nil {
		return ticker.Last
	}
	if stale, ok := degraded.(*breaker.StaleTicker); ok {
		log.Warn().
			Str("venue", adapter.Name()).
			Str("symbol", spec.Symbol).
			Time("as_of", stale.Timestamp).
			Msg("pricing order against stale market data")
		return stale.Last
	}
	if err != nil {
		log.Warn().Err(err).
			Str("venue", adapter.Name()).
			Str("symbol", spec.Symbol).
			Msg("market data unavailable, falling back to order price")
	}
	return spec.Price
}

// dispatch sends the order through the venue's order breaker with
// bounded retries. Rate-limit errors honor the venue's retry-after;
// terminal venue answers are not retried.
func (p *Pipeline) dispatch(ctx context.Context, adapter exchange.Adapter, spec types.OrderSpec) (*types.ExchangeResponse, error) {
	key := breaker.Key(adapter.Name(), "orders")

	cfg := p.retryCfg
	cfg.RetryIf = func(err error) bool {
		if errors.Is(err, breaker.ErrOpen) {
			return false
		}
		if ae, ok := types.AsAdapterError(err); ok {
			return ae.Retryable()
		}
		return false
	}
	cfg.DelayFor = func(err error) time.Duration {
		if ae, ok := types.AsAdapterError(err); ok {
			return ae.RetryAfter
		}
		return 0
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).
			Str("venue", adapter.Name()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying order dispatch")
	}

	var resp *types.ExchangeResponse
	err := p.tracker.Time(StageDispatch, func() error {
		return retry.Do(ctx, cfg, func() error {
			return p.breakers.Do(key, func() error {
				callStart := time.Now()
				r, callErr := adapter.CreateOrder(ctx, spec)
				// Per-venue timing under the breaker key, so latency
				// bounds on the key feed the venue's breaker.
				p.tracker.Observe(key, time.Since(callStart), callErr == nil)
				if callErr != nil {
					metrics.RecordAdapterCall(adapter.Name(), "failure")
					return callErr
				}
				metrics.RecordAdapterCall(adapter.Name(), "success")
				resp = r
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// failOrder marks the order rejected after a dispatch failure and
// maps the failure onto the audit trail.
func (p *Pipeline) failOrder(order *types.Order, dispatchErr error) (*types.Order, error) {
	order.Status = types.StatusRejected

	code := "VENUE_UNAVAILABLE"
	if ae, ok := types.AsAdapterError(dispatchErr); ok {
		code = string(ae.Kind)
		if ae.VenueOrderID != "" {
			order.VenueOrderID = ae.VenueOrderID
		}
	}

	if err := p.db.UpdateOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist rejected order")
	}

	p.auditor.Record(audit.Event{
		Type:     audit.EventOrderFailed,
		ClientID: order.ClientID,
		OrderID:  order.OrderID,
		Venue:    order.Venue,
		Code:     code,
		Reason:   dispatchErr.Error(),
	})
	metrics.RecordOrder(order.Status)

	return order, dispatchErr
}

// confirmOrder applies the venue's answer to the local record,
// writing the fill and order update in one transaction.
func (p *Pipeline) confirmOrder(order *types.Order, venueOrder *types.VenueOrder) (*types.Order, error) {
	if venueOrder == nil {
		return order, fmt.Errorf("venue confirmed order %s without order state", order.OrderID)
	}

	order.VenueOrderID = venueOrder.VenueOrderID
	order.FilledQty = venueOrder.FilledQty
	order.AvgFillPrice = venueOrder.AvgFillPrice
	order.Status = normalizeStatus(venueOrder.Status)

	var fill *types.Fill
	if venueOrder.FilledQty > 0 {
		fill = &types.Fill{
			FillID:     "FILL_" + uuid.New().String(),
			OrderID:    order.OrderID,
			Venue:      order.Venue,
			Price:      venueOrder.AvgFillPrice,
			Quantity:   venueOrder.FilledQty,
			Commission: venueOrder.Commission,
			CreatedAt:  time.Now(),
		}
	}

	if err := p.tracker.Time(StagePersist, func() error {
		return p.db.ApplyFill(order, fill)
	}); err != nil {
		return order, fmt.Errorf("failed to persist confirmation for %s: %w", order.OrderID, err)
	}

	p.auditor.Record(audit.Event{
		Type:     audit.EventOrderConfirmed,
		ClientID: order.ClientID,
		OrderID:  order.OrderID,
		Venue:    order.Venue,
		Action:   order.Status,
	})
	metrics.RecordOrder(order.Status)

	log.Info().
		Str("order_id", order.OrderID).
		Str("venue_order_id", order.VenueOrderID).
		Str("status", order.Status).
		Float64("filled_qty", order.FilledQty).
		Msg("order confirmed")

	return order, nil
}

// CancelOrder cancels an open order at its venue.
func (p *Pipeline) CancelOrder(ctx context.Context, clientID, orderID string) (*types.Order, error) {
	order, err := p.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if types.IsTerminal(order.Status) {
		return order, ErrOrderTerminal
	}

	adapter, err := p.venues.Get(order.Venue)
	if err != nil {
		return order, err
	}

	key := breaker.Key(order.Venue, "orders")
	cfg := p.retryCfg
	cfg.RetryIf = func(err error) bool {
		if errors.Is(err, breaker.ErrOpen) {
			return false
		}
		if ae, ok := types.AsAdapterError(err); ok {
			return ae.Retryable()
		}
		return false
	}
	cfg.DelayFor = func(err error) time.Duration {
		if ae, ok := types.AsAdapterError(err); ok {
			return ae.RetryAfter
		}
		return 0
	}

	var resp *types.ExchangeResponse
	cancelErr := p.tracker.Time(StageDispatch, func() error {
		return retry.Do(ctx, cfg, func() error {
			return p.breakers.Do(key, func() error {
				callStart := time.Now()
				r, callErr := adapter.CancelOrder(ctx, order.VenueOrderID, order.Symbol)
				p.tracker.Observe(key, time.Since(callStart), callErr == nil)
				if callErr != nil {
					metrics.RecordAdapterCall(order.Venue, "failure")
					return callErr
				}
				metrics.RecordAdapterCall(order.Venue, "success")
				resp = r
				return nil
			})
		})
	})
	if cancelErr != nil {
		p.auditor.Record(audit.Event{
			Type:     audit.EventOrderFailed,
			ClientID: clientID,
			OrderID:  order.OrderID,
			Venue:    order.Venue,
			Action:   "CANCEL",
			Reason:   cancelErr.Error(),
		})
		return order, cancelErr
	}

	if resp.Order != nil {
		order.Status = normalizeStatus(resp.Order.Status)
		order.FilledQty = resp.Order.FilledQty
		order.AvgFillPrice = resp.Order.AvgFillPrice
	} else {
		order.Status = types.StatusCancelled
	}
	if err := p.db.UpdateOrder(order); err != nil {
		return order, err
	}

	p.auditor.Record(audit.Event{
		Type:     audit.EventOrderCancelled,
		ClientID: clientID,
		OrderID:  order.OrderID,
		Venue:    order.Venue,
	})
	metrics.RecordOrder(order.Status)

	return order, nil
}

// normalizeStatus maps a venue-reported status onto the local
// lifecycle, defaulting unknown values to OPEN so reconciliation can
// sort them out.
func normalizeStatus(venueStatus string) string {
	switch venueStatus {
	case types.StatusPending, types.StatusOpen, types.StatusPartiallyFilled,
		types.StatusFilled, types.StatusCancelled, types.StatusRejected, types.StatusExpired:
		return venueStatus
	}
	return types.StatusOpen
}
