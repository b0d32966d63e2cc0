package risk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Auditor is what the engine needs from the audit subsystem: an
// append-only recorder plus the block counter behind the account-level
// trip.
type Auditor interface {
	Record(audit.Event)
	CountBlocksSince(clientID string, since time.Time) (int64, error)
}

// Evaluation is the outcome of running an order through the active
// rules.
type Evaluation struct {
	Allowed bool            `json:"allowed"`
	Action  string          `json:"action,omitempty"` // final outcome: "", WARN, REDUCE_POSITION, BLOCK
	Spec    types.OrderSpec `json:"spec"`             // possibly quantity-adjusted
	Fired   []Rule          `json:"fired,omitempty"`
	Reasons []string        `json:"reasons,omitempty"`
}

// Engine evaluates orders against operator-configured rules.
// Evaluation is read-only apart from audit writes, so independent
// orders evaluate in parallel; a single order's rules run sequentially
// in priority order.
type Engine struct {
	db       *Database
	auditor  Auditor
	breakers *breaker.Registry

	// Account-level protection: this many blocks inside the window
	// trips an account breaker pending manual reset.
	TripThreshold int
	TripWindow    time.Duration
	TripCooldown  time.Duration
}

// NewEngine creates a risk engine over the given database.
func NewEngine(gormDB *gorm.DB, auditor Auditor, breakers *breaker.Registry) *Engine {
	return &Engine{
		db:            NewDatabase(gormDB),
		auditor:       auditor,
		breakers:      breakers,
		TripThreshold: 5,
		TripWindow:    10 * time.Minute,
		TripCooldown:  30 * time.Minute,
	}
}

// DB exposes the rule store for the operator handlers.
func (e *Engine) DB() *Database {
	return e.db
}

// AccountKey is the breaker key protecting a principal's order flow.
func AccountKey(clientID string) string {
	return "account:" + clientID
}

// AccountAllowed reports whether the principal's account breaker
// admits new orders.
func (e *Engine) AccountAllowed(clientID string) bool {
	return e.breakers.Breaker(AccountKey(clientID)).CanExecute()
}

// Evaluate runs the order through active rules in ascending priority.
// The first blocking rule wins and short-circuits. Warn actions
// accumulate. Reduce actions clamp the quantity, and subsequent rules
// evaluate against the adjusted quantity, so a reduced order can still
// be blocked by a later rule. referencePrice prices market orders for
// notional checks.
func (e *Engine) Evaluate(spec types.OrderSpec, account types.AccountState, referencePrice float64) (*Evaluation, error) {
	rules, err := e.db.ActiveRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load risk rules: %w", err)
	}

	eval := &Evaluation{Allowed: true, Spec: spec}
	adjusted := spec
	reduced := false
	warned := false
	var blockingRule *Rule

	for i := range rules {
		rule := rules[i]
		fired, adjustedQty, reason := e.applyRule(rule, adjusted, account, referencePrice)
		if !fired {
			continue
		}

		eval.Fired = append(eval.Fired, rule)
		eval.Reasons = append(eval.Reasons, reason)

		switch rule.Action {
		case ActionBlock:
			eval.Allowed = false
			blockingRule = &rule
		case ActionWarn:
			warned = true
		case ActionReduce:
			if adjustedQty > 0 && adjustedQty < adjusted.Quantity {
				adjusted.Quantity = adjustedQty
				reduced = true
			}
		}

		if blockingRule != nil {
			break // first blocking rule wins
		}
	}

	eval.Spec = adjusted
	switch {
	case blockingRule != nil:
		eval.Action = ActionBlock
	case reduced:
		eval.Action = ActionReduce
	case warned:
		eval.Action = ActionWarn
	}

	e.record(spec, account, eval, blockingRule, len(rules))

	if blockingRule != nil {
		e.maybeTripAccount(account.ClientID)
	}

	return eval, nil
}

// record writes the enforcement audit row. Evaluations with no active
// rules are pure pass-throughs: counted in aggregate metrics only.
func (e *Engine) record(spec types.OrderSpec, account types.AccountState, eval *Evaluation, blockingRule *Rule, activeRules int) {
	outcome := eval.Action
	if outcome == "" {
		outcome = "PASS"
	}
	metrics.RecordRiskEvaluation(outcome)

	if activeRules == 0 {
		return
	}

	event := audit.Event{
		Type:        audit.EventRiskEnforcement,
		ClientID:    account.ClientID,
		OrderID:     spec.ClientOrderID,
		Action:      outcome,
		OriginalQty: spec.Quantity,
		AdjustedQty: eval.Spec.Quantity,
	}
	if blockingRule != nil {
		event.RuleID = blockingRule.RuleID
	} else if len(eval.Fired) > 0 {
		event.RuleID = eval.Fired[0].RuleID
	}
	if len(eval.Reasons) > 0 {
		event.Reason = eval.Reasons[len(eval.Reasons)-1]
	}
	e.auditor.Record(event)
}

// maybeTripAccount opens the account breaker when blocked actions
// accumulate past the threshold in a short window.
func (e *Engine) maybeTripAccount(clientID string) {
	count, err := e.auditor.CountBlocksSince(clientID, time.Now().Add(-e.TripWindow))
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("failed to count recent blocks")
		return
	}
	if count < int64(e.TripThreshold) {
		return
	}

	b := e.breakers.Breaker(AccountKey(clientID))
	if b.State() == breaker.StateOpen {
		return
	}
	b.Trip(e.TripCooldown)

	log.Warn().
		Str("client_id", clientID).
		Int64("recent_blocks", count).
		Msg("account breaker tripped pending manual review")

	e.auditor.Record(audit.Event{
		Type:     audit.EventRiskEnforcement,
		ClientID: clientID,
		Action:   "ACCOUNT_TRIP",
		Reason:   fmt.Sprintf("%d blocked orders within %s", count, e.TripWindow),
	})
}

// applyRule evaluates one rule against the (possibly already
// adjusted) order. It returns whether the rule fired, the quantity a
// reduce action would clamp to, and a human-readable reason.
func (e *Engine) applyRule(rule Rule, spec types.OrderSpec, account types.AccountState, referencePrice float64) (bool, float64, string) {
	switch rule.RuleType {
	case RuleTypePosition:
		if account.PortfolioValue <= 0 {
			return false, 0, ""
		}
		notional := spec.Notional(referencePrice)
		fraction := notional / account.PortfolioValue
		if fraction <= rule.Threshold {
			return false, 0, ""
		}
		price := spec.Price
		if price <= 0 {
			price = referencePrice
		}
		var clampQty float64
		if price > 0 {
			clampQty = rule.Threshold * account.PortfolioValue / price
		}
		return true, clampQty, fmt.Sprintf("order notional %.2f is %.1f%% of portfolio, limit %.1f%%",
			notional, fraction*100, rule.Threshold*100)

	case RuleTypeDrawdown:
		// Only risk-increasing orders are affected: buys add
		// exposure, sells reduce it.
		if account.CurrentDrawdown <= rule.Threshold || spec.Side != types.SideBuy {
			return false, 0, ""
		}
		return true, 0, fmt.Sprintf("drawdown %.1f%% exceeds limit %.1f%%",
			account.CurrentDrawdown*100, rule.Threshold*100)

	case RuleTypeLeverage:
		if account.Leverage <= rule.Threshold || rule.Threshold <= 0 {
			return false, 0, ""
		}
		clampQty := spec.Quantity * rule.Threshold / account.Leverage
		return true, clampQty, fmt.Sprintf("leverage %.1fx exceeds limit %.1fx",
			account.Leverage, rule.Threshold)

	case RuleTypeCustom:
		var cond CustomConditions
		if rule.Conditions != "" {
			if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
				log.Warn().Err(err).Str("rule_id", rule.RuleID).Msg("unparsable custom rule conditions")
				return false, 0, ""
			}
		}
		if cond.MaxQuantity > 0 && spec.Quantity > cond.MaxQuantity {
			return true, cond.MaxQuantity, fmt.Sprintf("quantity %.4f exceeds maximum %.4f",
				spec.Quantity, cond.MaxQuantity)
		}
		if len(cond.AllowedSymbols) > 0 {
			for _, symbol := range cond.AllowedSymbols {
				if symbol == spec.Symbol {
					return false, 0, ""
				}
			}
			return true, 0, fmt.Sprintf("symbol %s not in allowed set", spec.Symbol)
		}
		return false, 0, ""
	}
	return false, 0, ""
}
