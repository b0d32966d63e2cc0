package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/risk"
	"github.com/ksred/tradegate/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:pipelinetest%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &types.Fill{}, &IdempotencyRecord{}, &audit.EnforcementAction{}, &risk.Rule{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type testEnv struct {
	pipeline *Pipeline
	venue    *exchange.SimulatedVenue
	breakers *breaker.Registry
	risk     *risk.Engine
	db       *gorm.DB
}

// newTestEnv wires a pipeline against a deterministic venue: zero
// latency, full liquidity, every order accepted.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	auditor := audit.NewWriter(db)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	riskEngine := risk.NewEngine(db, auditor, breakers)

	venue := exchange.NewSimulatedVenue(exchange.SimulatedConfig{
		Name: "primary", LiquidityFactor: 1, SuccessRate: 1,
		BasePrices: map[string]float64{"BTC-USD": 50_000},
	})
	venues := exchange.NewRegistry()
	if _, err := venues.Register(context.Background(), venue); err != nil {
		t.Fatalf("failed to register test venue: %v", err)
	}

	accounts := AccountFunc(func(ctx context.Context, clientID string) (types.AccountState, error) {
		return types.AccountState{
			PortfolioValue: 10_000_000,
			AvailableFunds: 1_000_000,
			Leverage:       1.0,
		}, nil
	})

	p := NewPipeline(db, riskEngine, venues, breakers, breaker.NewTickerCache(), metrics.NewTracker(), auditor, accounts)
	return &testEnv{pipeline: p, venue: venue, breakers: breakers, risk: riskEngine, db: db}
}

func testSpec(clientOrderID string) types.OrderSpec {
	return types.OrderSpec{
		ClientOrderID: clientOrderID,
		Symbol:        "BTC-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      1,
		Price:         50_000,
	}
}

func venueOrderCount(t *testing.T, venue *exchange.SimulatedVenue) int {
	t.Helper()
	history, err := venue.GetOrderHistory(context.Background(), "", time.Time{})
	if err != nil {
		t.Fatalf("GetOrderHistory() error = %v", err)
	}
	return len(history)
}

func TestPlaceOrderFillsAndPersists(t *testing.T) {
	env := newTestEnv(t)

	order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-fill-1"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if order.Status != types.StatusFilled {
		t.Errorf("Status = %q, want FILLED", order.Status)
	}
	if order.VenueOrderID == "" {
		t.Error("VenueOrderID empty after confirmed dispatch")
	}
	if order.FilledQty != 1 {
		t.Errorf("FilledQty = %v, want 1", order.FilledQty)
	}

	stored, err := env.pipeline.DB().GetOrder(order.OrderID)
	if err != nil || stored == nil {
		t.Fatalf("GetOrder() = %v, %v, want persisted order", stored, err)
	}
	if stored.Status != types.StatusFilled {
		t.Errorf("persisted Status = %q, want FILLED", stored.Status)
	}

	fills, err := env.pipeline.DB().GetFillsByOrder(order.OrderID)
	if err != nil {
		t.Fatalf("GetFillsByOrder() error = %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].Quantity != 1 {
		t.Errorf("fill quantity = %v, want 1", fills[0].Quantity)
	}
}

func TestPlaceOrderDuplicateReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.PlaceOrder(ctx, "client-1", testSpec("ord-dup-1"))
	if err != nil {
		t.Fatalf("first PlaceOrder() error = %v", err)
	}
	second, err := env.pipeline.PlaceOrder(ctx, "client-1", testSpec("ord-dup-1"))
	if err != nil {
		t.Fatalf("duplicate PlaceOrder() error = %v", err)
	}

	if second.OrderID != first.OrderID {
		t.Errorf("duplicate OrderID = %q, want original %q", second.OrderID, first.OrderID)
	}
	if got := venueOrderCount(t, env.venue); got != 1 {
		t.Errorf("venue saw %d orders, want 1: duplicates must not re-dispatch", got)
	}
}

func TestPlaceOrderConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)

	const submitters = 8
	var wg sync.WaitGroup
	orderIDs := make(chan string, submitters)

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-race-1"))
			if err != nil {
				t.Errorf("PlaceOrder() error = %v", err)
				return
			}
			orderIDs <- order.OrderID
		}()
	}
	wg.Wait()
	close(orderIDs)

	seen := make(map[string]bool)
	for id := range orderIDs {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("concurrent duplicates produced %d distinct orders, want 1", len(seen))
	}
	if got := venueOrderCount(t, env.venue); got != 1 {
		t.Errorf("venue saw %d orders, want exactly 1 dispatch", got)
	}
}

func TestPlaceOrderRiskBlockNeverDispatches(t *testing.T) {
	env := newTestEnv(t)

	if err := env.risk.DB().CreateRule(&risk.Rule{
		RuleID: "RULE_tiny", RuleType: risk.RuleTypePosition,
		Threshold: 0.000001, Action: risk.ActionBlock, Priority: 1, Active: true,
	}); err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}

	order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-blocked-1"))

	var blocked *RiskBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("PlaceOrder() error = %v, want *RiskBlockedError", err)
	}
	if blocked.RuleID != "RULE_tiny" {
		t.Errorf("blocking rule = %q, want RULE_tiny", blocked.RuleID)
	}
	if order == nil || order.Status != types.StatusRejected {
		t.Fatalf("order = %+v, want persisted REJECTED record", order)
	}
	if got := venueOrderCount(t, env.venue); got != 0 {
		t.Errorf("venue saw %d orders, want 0: blocked orders never dispatch", got)
	}

	// A replay of the blocked submission returns the rejected record.
	replay, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-blocked-1"))
	if err != nil {
		t.Fatalf("replay PlaceOrder() error = %v", err)
	}
	if replay.OrderID != order.OrderID || replay.Status != types.StatusRejected {
		t.Errorf("replay = %s/%s, want original rejected order", replay.OrderID, replay.Status)
	}
}

func TestPlaceOrderVenueRejection(t *testing.T) {
	env := newTestEnv(t)
	env.venue.FailNext(types.NewOrderRejectedError("primary", "", "post-only order would cross"))

	order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-rej-1"))
	ae, ok := types.AsAdapterError(err)
	if !ok || ae.Kind != types.ErrKindOrderRejected {
		t.Fatalf("PlaceOrder() error = %v, want ORDER_REJECTED adapter error", err)
	}
	if order == nil || order.Status != types.StatusRejected {
		t.Fatalf("order = %+v, want REJECTED", order)
	}

	stored, err := env.pipeline.DB().GetOrder(order.OrderID)
	if err != nil || stored == nil {
		t.Fatalf("GetOrder() = %v, %v", stored, err)
	}
	if stored.Status != types.StatusRejected {
		t.Errorf("persisted Status = %q, want REJECTED", stored.Status)
	}

	// A rejection is terminal, not retried: nothing rests at the venue.
	if got := venueOrderCount(t, env.venue); got != 0 {
		t.Errorf("venue holds %d orders after rejection, want 0", got)
	}
}

func TestPlaceOrderRateLimitRetries(t *testing.T) {
	env := newTestEnv(t)
	env.venue.FailNext(types.NewRateLimitError("primary", time.Millisecond))

	order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-retry-1"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v, want retried success", err)
	}
	if order.Status != types.StatusFilled {
		t.Errorf("Status = %q, want FILLED after retry", order.Status)
	}
}

func TestPlaceOrderBreakerOpen(t *testing.T) {
	env := newTestEnv(t)
	env.breakers.Breaker(breaker.Key("primary", "orders")).Trip(time.Minute)

	order, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-open-1"))
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("PlaceOrder() error = %v, want ErrOpen", err)
	}
	if order == nil || order.Status != types.StatusRejected {
		t.Fatalf("order = %+v, want REJECTED while venue suspended", order)
	}
	if got := venueOrderCount(t, env.venue); got != 0 {
		t.Errorf("venue saw %d orders through an open breaker, want 0", got)
	}
}

func TestPlaceOrderAccountSuspended(t *testing.T) {
	env := newTestEnv(t)
	env.breakers.Breaker(risk.AccountKey("client-1")).Trip(time.Minute)

	_, err := env.pipeline.PlaceOrder(context.Background(), "client-1", testSpec("ord-susp-1"))
	if !errors.Is(err, ErrAccountSuspended) {
		t.Fatalf("PlaceOrder() error = %v, want ErrAccountSuspended", err)
	}

	// Other accounts trade on.
	if _, err := env.pipeline.PlaceOrder(context.Background(), "client-2", testSpec("ord-susp-2")); err != nil {
		t.Errorf("PlaceOrder(other client) error = %v", err)
	}
}

func TestPlaceOrderInvalidSpec(t *testing.T) {
	env := newTestEnv(t)

	spec := testSpec("ord-bad-1")
	spec.Side = "HOLD"
	if _, err := env.pipeline.PlaceOrder(context.Background(), "client-1", spec); !errors.Is(err, types.ErrInvalidSide) {
		t.Errorf("PlaceOrder(bad side) error = %v, want ErrInvalidSide", err)
	}

	spec = testSpec("ord-bad-2")
	spec.Price = 0
	if _, err := env.pipeline.PlaceOrder(context.Background(), "client-1", spec); !errors.Is(err, types.ErrPriceRequired) {
		t.Errorf("PlaceOrder(limit without price) error = %v, want ErrPriceRequired", err)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.pipeline.PlaceOrder(ctx, "client-1", testSpec("ord-cancel-1"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	// Rewind to an open resting order on both sides.
	order.Status = types.StatusOpen
	order.FilledQty = 0
	if err := env.pipeline.DB().UpdateOrder(order); err != nil {
		t.Fatalf("UpdateOrder() error = %v", err)
	}
	env.venue.SetOrder(types.VenueOrder{
		VenueOrderID:  order.VenueOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        types.StatusOpen,
		Quantity:      order.Quantity,
		UpdatedAt:     time.Now(),
	})

	cancelled, err := env.pipeline.CancelOrder(ctx, "client-1", order.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", cancelled.Status)
	}

	// Cancelling again hits the terminal guard.
	if _, err := env.pipeline.CancelOrder(ctx, "client-1", order.OrderID); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("second CancelOrder() error = %v, want ErrOrderTerminal", err)
	}
}

func TestCancelOrderScoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.pipeline.PlaceOrder(ctx, "client-1", testSpec("ord-scope-1"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	if _, err := env.pipeline.CancelOrder(ctx, "client-2", order.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("CancelOrder(foreign client) error = %v, want ErrOrderNotFound", err)
	}
	if _, err := env.pipeline.CancelOrder(ctx, "client-1", "ORD_nonexistent"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("CancelOrder(unknown id) error = %v, want ErrOrderNotFound", err)
	}
}
