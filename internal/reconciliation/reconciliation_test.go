package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/pipeline"
	"github.com/ksred/tradegate/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:recontest%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &types.Fill{}, &audit.EnforcementAction{}, &Discrepancy{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type testEnv struct {
	service *Service
	venue   *exchange.SimulatedVenue
	orders  *pipeline.Database
	db      *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	auditor := audit.NewWriter(db)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	venue := exchange.NewSimulatedVenue(exchange.SimulatedConfig{
		Name: "primary", LiquidityFactor: 1, SuccessRate: 1,
	})
	venues := exchange.NewRegistry()
	if _, err := venues.Register(context.Background(), venue); err != nil {
		t.Fatalf("failed to register test venue: %v", err)
	}

	orders := pipeline.NewDatabase(db)
	return &testEnv{
		service: NewService(db, orders, venues, breakers, auditor),
		venue:   venue,
		orders:  orders,
		db:      db,
	}
}

// seedOrder persists a local order as the pipeline would have left it.
func (env *testEnv) seedOrder(t *testing.T, order *types.Order) {
	t.Helper()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = time.Now()
	if err := env.db.Create(order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func (env *testEnv) soleDiscrepancy(t *testing.T) Discrepancy {
	t.Helper()
	discs, err := env.service.DB().ListDiscrepancies("", 10)
	if err != nil {
		t.Fatalf("ListDiscrepancies() error = %v", err)
	}
	if len(discs) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discs))
	}
	return discs[0]
}

func TestRunOnceMissingFillCorrected(t *testing.T) {
	env := newTestEnv(t)

	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-v1",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusOpen,
	})
	env.venue.SetOrder(types.VenueOrder{
		VenueOrderID: "primary-v1", Symbol: "BTC-USD",
		Status: types.StatusFilled, Quantity: 5, FilledQty: 5,
		AvgFillPrice: 101, UpdatedAt: time.Now(),
	})

	checked, found, err := env.service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if checked != 1 || found != 1 {
		t.Errorf("RunOnce() = %d checked, %d found, want 1/1", checked, found)
	}

	order, err := env.orders.GetOrder("ORD_1")
	if err != nil || order == nil {
		t.Fatalf("GetOrder() = %v, %v", order, err)
	}
	if order.FilledQty != 5 || order.Status != types.StatusFilled {
		t.Errorf("order = %.1f filled / %s, want 5 / FILLED", order.FilledQty, order.Status)
	}

	fills, err := env.orders.GetFillsByOrder("ORD_1")
	if err != nil {
		t.Fatalf("GetFillsByOrder() error = %v", err)
	}
	if len(fills) != 1 || fills[0].Quantity != 5 {
		t.Fatalf("fills = %+v, want one corrective fill of 5", fills)
	}

	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindMissingFill || disc.Resolution != ResolutionAutoResolved {
		t.Errorf("discrepancy = %s/%s, want missing_fill auto_resolved", disc.Kind, disc.Resolution)
	}
	if disc.ResolvedAt == nil {
		t.Error("auto-resolved discrepancy has no resolved_at")
	}
}

func TestRunOnceShrunkFillGoesToOperator(t *testing.T) {
	env := newTestEnv(t)

	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-v1",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, FilledQty: 5, Status: types.StatusPartiallyFilled,
	})
	env.venue.SetOrder(types.VenueOrder{
		VenueOrderID: "primary-v1", Symbol: "BTC-USD",
		Status: types.StatusPartiallyFilled, Quantity: 5, FilledQty: 2,
		UpdatedAt: time.Now(),
	})

	if _, found, err := env.service.RunOnce(context.Background()); err != nil || found != 1 {
		t.Fatalf("RunOnce() = found %d, err %v, want 1 discrepancy", found, err)
	}

	// Fills are never shrunk: the local record stands.
	order, _ := env.orders.GetOrder("ORD_1")
	if order.FilledQty != 5 {
		t.Errorf("FilledQty = %v after shrink report, want untouched 5", order.FilledQty)
	}
	fills, _ := env.orders.GetFillsByOrder("ORD_1")
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0", len(fills))
	}

	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindAmountMismatch || disc.Resolution != ResolutionManualRequired {
		t.Errorf("discrepancy = %s/%s, want amount_mismatch manual_required", disc.Kind, disc.Resolution)
	}
}

func TestRunOnceStatusCorrected(t *testing.T) {
	env := newTestEnv(t)

	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-v1",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusOpen,
	})
	env.venue.SetOrder(types.VenueOrder{
		VenueOrderID: "primary-v1", Symbol: "BTC-USD",
		Status: types.StatusCancelled, Quantity: 5,
		UpdatedAt: time.Now(),
	})

	if _, found, err := env.service.RunOnce(context.Background()); err != nil || found != 1 {
		t.Fatalf("RunOnce() = found %d, err %v, want 1", found, err)
	}

	order, _ := env.orders.GetOrder("ORD_1")
	if order.Status != types.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED per venue", order.Status)
	}

	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindStatusMismatch || disc.Resolution != ResolutionAutoResolved {
		t.Errorf("discrepancy = %s/%s, want status_mismatch auto_resolved", disc.Kind, disc.Resolution)
	}
}

func TestRunOnceConflictingTerminalStates(t *testing.T) {
	env := newTestEnv(t)

	// Locally FILLED, venue says CANCELLED. No lifecycle transition
	// covers that; never rewrite a terminal state automatically.
	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-v1",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, FilledQty: 5, Status: types.StatusFilled,
	})
	env.venue.SetOrder(types.VenueOrder{
		VenueOrderID: "primary-v1", Symbol: "BTC-USD",
		Status: types.StatusCancelled, Quantity: 5, FilledQty: 5,
		UpdatedAt: time.Now(),
	})

	if _, found, err := env.service.RunOnce(context.Background()); err != nil || found != 1 {
		t.Fatalf("RunOnce() = found %d, err %v, want 1", found, err)
	}

	order, _ := env.orders.GetOrder("ORD_1")
	if order.Status != types.StatusFilled {
		t.Errorf("Status = %q, terminal state must not be rewritten", order.Status)
	}

	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindStatusMismatch || disc.Resolution != ResolutionManualRequired {
		t.Errorf("discrepancy = %s/%s, want status_mismatch manual_required", disc.Kind, disc.Resolution)
	}
}

func TestRunOnceUnknownAtVenue(t *testing.T) {
	env := newTestEnv(t)

	// The venue has no record under this id.
	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-ghost",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusOpen,
	})

	if _, found, err := env.service.RunOnce(context.Background()); err != nil || found != 1 {
		t.Fatalf("RunOnce() = found %d, err %v, want 1", found, err)
	}

	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindUnknownOrder || disc.Resolution != ResolutionManualRequired {
		t.Errorf("discrepancy = %s/%s, want unknown_order manual_required", disc.Kind, disc.Resolution)
	}
}

func TestRunOnceDetectsLostDispatch(t *testing.T) {
	env := newTestEnv(t)

	// PENDING with no venue order id and old enough to not be in
	// flight: the process died between dispatch and persistence.
	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusPending,
		CreatedAt: time.Now().Add(-5 * time.Minute),
	})

	if _, found, err := env.service.RunOnce(context.Background()); err != nil || found != 1 {
		t.Fatalf("RunOnce() = found %d, err %v, want 1", found, err)
	}
	disc := env.soleDiscrepancy(t)
	if disc.Kind != KindUnknownOrder {
		t.Errorf("discrepancy kind = %s, want unknown_order", disc.Kind)
	}

	// A fresh pending order may simply be in flight.
	env2 := newTestEnv(t)
	env2.seedOrder(t, &types.Order{
		OrderID: "ORD_2", ClientOrderID: "c-2", ClientID: "client-1",
		Venue: "primary", Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusPending,
	})
	if _, found, err := env2.service.RunOnce(context.Background()); err != nil || found != 0 {
		t.Errorf("RunOnce(fresh pending) = found %d, err %v, want 0", found, err)
	}
}

func TestRunOnceSkipsWhileVenueDegraded(t *testing.T) {
	env := newTestEnv(t)

	env.seedOrder(t, &types.Order{
		OrderID: "ORD_1", ClientOrderID: "c-1", ClientID: "client-1",
		Venue: "primary", VenueOrderID: "primary-v1",
		Symbol: "BTC-USD", Side: types.SideBuy,
		Quantity: 5, Status: types.StatusOpen,
	})
	env.service.breakers.Breaker(breaker.Key("primary", "reconciliation")).Trip(time.Minute)

	checked, found, err := env.service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if checked != 1 || found != 0 {
		t.Errorf("RunOnce() = %d checked, %d found, want 1/0: transient failures skip the cycle", checked, found)
	}
}

func TestResolveDiscrepancy(t *testing.T) {
	env := newTestEnv(t)

	disc := &Discrepancy{
		DiscrepancyID: "DISC_1", OrderID: "ORD_1", Venue: "primary",
		Kind: KindAmountMismatch, Resolution: ResolutionManualRequired,
		CreatedAt: time.Now(),
	}
	if err := env.service.DB().CreateDiscrepancy(disc); err != nil {
		t.Fatalf("CreateDiscrepancy() error = %v", err)
	}

	if err := env.service.DB().Resolve("DISC_1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	resolved, err := env.service.DB().GetDiscrepancy("DISC_1")
	if err != nil || resolved == nil {
		t.Fatalf("GetDiscrepancy() = %v, %v", resolved, err)
	}
	if resolved.Resolution != ResolutionManualResolved {
		t.Errorf("Resolution = %q, want manual_resolved", resolved.Resolution)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved discrepancy has no resolved_at")
	}
}
