package risk

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:risktest%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&Rule{}, &audit.EnforcementAction{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T) (*Engine, *audit.Writer, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	auditor := audit.NewWriter(db)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	return NewEngine(db, auditor, breakers), auditor, db
}

func mustCreateRule(t *testing.T, e *Engine, rule *Rule) {
	t.Helper()
	if err := e.DB().CreateRule(rule); err != nil {
		t.Fatalf("failed to create rule %s: %v", rule.RuleID, err)
	}
}

func testAccount() types.AccountState {
	return types.AccountState{
		ClientID:        "client-1",
		PortfolioValue:  100_000,
		AvailableFunds:  50_000,
		CurrentDrawdown: 0.02,
		Leverage:        1.0,
	}
}

func testSpec(qty float64) types.OrderSpec {
	return types.OrderSpec{
		ClientOrderID: "order-1",
		Symbol:        "BTC-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      qty,
		Price:         100,
	}
}

func countAuditRows(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&audit.EnforcementAction{}).Where("event_type = ?", eventType).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit rows: %v", err)
	}
	return count
}

func TestEvaluateNoActiveRulesPassesWithoutAudit(t *testing.T) {
	e, _, db := newTestEngine(t)

	eval, err := e.Evaluate(testSpec(10), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.Allowed {
		t.Error("Evaluate() blocked with no rules configured")
	}
	if got := countAuditRows(t, db, audit.EventRiskEnforcement); got != 0 {
		t.Errorf("audit rows = %d for pure pass-through, want 0", got)
	}
}

func TestEvaluateBlockShortCircuits(t *testing.T) {
	e, _, db := newTestEngine(t)

	// Priority 1 blocks; the priority 2 warn must never fire.
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_pos", RuleType: RuleTypePosition,
		Threshold: 0.10, Action: ActionBlock, Priority: 1, Active: true,
	})
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_warn", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":1}`,
		Action:     ActionWarn, Priority: 2, Active: true,
	})

	// 500 * 100 = 50k notional on a 100k portfolio: 50% > 10%.
	eval, err := e.Evaluate(testSpec(500), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Allowed {
		t.Fatal("Evaluate() allowed an order past a blocking rule")
	}
	if eval.Action != ActionBlock {
		t.Errorf("Action = %q, want BLOCK", eval.Action)
	}
	if len(eval.Fired) != 1 || eval.Fired[0].RuleID != "RULE_pos" {
		t.Errorf("Fired = %+v, want only RULE_pos: block short-circuits", eval.Fired)
	}

	if got := countAuditRows(t, db, audit.EventRiskEnforcement); got != 1 {
		t.Errorf("audit rows = %d, want exactly 1 per evaluation", got)
	}
	var row audit.EnforcementAction
	if err := db.Where("event_type = ?", audit.EventRiskEnforcement).First(&row).Error; err != nil {
		t.Fatalf("failed to load audit row: %v", err)
	}
	if row.Action != ActionBlock || row.RuleID != "RULE_pos" {
		t.Errorf("audit row = action %q rule %q, want BLOCK / RULE_pos", row.Action, row.RuleID)
	}
}

func TestEvaluateInactiveRulesIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_off", RuleType: RuleTypePosition,
		Threshold: 0.01, Action: ActionBlock, Priority: 1, Active: false,
	})

	eval, err := e.Evaluate(testSpec(500), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.Allowed {
		t.Error("Evaluate() applied an inactive rule")
	}
}

func TestEvaluateReduceAdjustsLaterRules(t *testing.T) {
	e, _, db := newTestEngine(t)

	// Reduce clamps to 10; the later block (max 20) then sees 10 and
	// stays quiet.
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_reduce", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":10}`,
		Action:     ActionReduce, Priority: 1, Active: true,
	})
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_cap", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":20}`,
		Action:     ActionBlock, Priority: 2, Active: true,
	})

	eval, err := e.Evaluate(testSpec(100), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.Allowed {
		t.Fatal("Evaluate() blocked, want reduced pass")
	}
	if eval.Action != ActionReduce {
		t.Errorf("Action = %q, want REDUCE_POSITION", eval.Action)
	}
	if eval.Spec.Quantity != 10 {
		t.Errorf("adjusted quantity = %v, want 10", eval.Spec.Quantity)
	}

	var row audit.EnforcementAction
	if err := db.Where("event_type = ?", audit.EventRiskEnforcement).First(&row).Error; err != nil {
		t.Fatalf("failed to load audit row: %v", err)
	}
	if row.OriginalQty != 100 || row.AdjustedQty != 10 {
		t.Errorf("audit quantities = %v -> %v, want 100 -> 10", row.OriginalQty, row.AdjustedQty)
	}
}

func TestEvaluateReducedOrderStillBlockable(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_reduce", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":300}`,
		Action:     ActionReduce, Priority: 1, Active: true,
	})
	// 300 * 100 = 30k is still 30% of the portfolio.
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_pos", RuleType: RuleTypePosition,
		Threshold: 0.10, Action: ActionBlock, Priority: 2, Active: true,
	})

	eval, err := e.Evaluate(testSpec(1000), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Allowed {
		t.Error("Evaluate() allowed a reduced order that still breaches a later rule")
	}
}

func TestEvaluateDrawdownOnlyAffectsBuys(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_dd", RuleType: RuleTypeDrawdown,
		Threshold: 0.05, Action: ActionBlock, Priority: 1, Active: true,
	})

	account := testAccount()
	account.CurrentDrawdown = 0.10

	buy := testSpec(1)
	eval, err := e.Evaluate(buy, account, 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Allowed {
		t.Error("buy allowed past drawdown limit")
	}

	sell := testSpec(1)
	sell.Side = types.SideSell
	sell.ClientOrderID = "order-2"
	eval, err = e.Evaluate(sell, account, 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.Allowed {
		t.Error("sell blocked by drawdown limit: sells reduce exposure")
	}
}

func TestEvaluateWarnAccumulates(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_warn1", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":1}`,
		Action:     ActionWarn, Priority: 1, Active: true,
	})
	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_warn2", RuleType: RuleTypeCustom,
		Conditions: `{"allowed_symbols":["ETH-USD"]}`,
		Action:     ActionWarn, Priority: 2, Active: true,
	})

	eval, err := e.Evaluate(testSpec(10), testAccount(), 100)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.Allowed {
		t.Fatal("warn-only rules blocked the order")
	}
	if eval.Action != ActionWarn {
		t.Errorf("Action = %q, want WARN", eval.Action)
	}
	if len(eval.Fired) != 2 {
		t.Errorf("Fired = %d rules, want 2: warns accumulate", len(eval.Fired))
	}
}

func TestAccountTripsAfterRepeatedBlocks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.TripThreshold = 3
	e.TripWindow = 10 * time.Minute
	e.TripCooldown = 30 * time.Minute

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_pos", RuleType: RuleTypePosition,
		Threshold: 0.01, Action: ActionBlock, Priority: 1, Active: true,
	})

	account := testAccount()
	for i := 0; i < 3; i++ {
		spec := testSpec(500)
		spec.ClientOrderID = fmt.Sprintf("order-%d", i)
		if _, err := e.Evaluate(spec, account, 100); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
	}

	if e.AccountAllowed(account.ClientID) {
		t.Error("AccountAllowed() = true after repeated blocks, want tripped breaker")
	}
	if e.AccountAllowed("other-client") {
		// Other accounts are unaffected.
	} else {
		t.Error("AccountAllowed(other) = false, trip leaked across accounts")
	}
}

func TestDeactivateRuleKeepsRow(t *testing.T) {
	e, _, db := newTestEngine(t)

	mustCreateRule(t, e, &Rule{
		RuleID: "RULE_x", RuleType: RuleTypeCustom,
		Conditions: `{"max_quantity":1}`,
		Action:     ActionBlock, Priority: 1, Active: true,
	})
	if err := e.DB().DeactivateRule("RULE_x"); err != nil {
		t.Fatalf("DeactivateRule() error = %v", err)
	}

	var count int64
	if err := db.Model(&Rule{}).Count(&count).Error; err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 1 {
		t.Errorf("rule rows = %d after deactivate, want 1: rules are never deleted", count)
	}

	rules, err := e.DB().ActiveRules()
	if err != nil {
		t.Fatalf("ActiveRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("ActiveRules() = %d, want 0", len(rules))
	}
}
