package risk

import (
	"time"

	"gorm.io/gorm"
)

// Rule types
const (
	RuleTypePosition = "position_limit"
	RuleTypeDrawdown = "drawdown_limit"
	RuleTypeLeverage = "leverage_limit"
	RuleTypeCustom   = "custom"
)

// Enforcement actions
const (
	ActionBlock  = "BLOCK"
	ActionWarn   = "WARN"
	ActionReduce = "REDUCE_POSITION"
)

// Rule is an operator-configured risk rule. Rules are data, not code:
// operators add and disable rows without redeploying the engine, which
// reads them fresh on every evaluation. Lower priority evaluates
// first.
type Rule struct {
	gorm.Model `json:"-"`
	RuleID     string    `gorm:"uniqueIndex" json:"rule_id"`
	Name       string    `json:"name"`
	RuleType   string    `json:"rule_type"`
	Conditions string    `json:"conditions,omitempty"` // JSON, rule-type specific
	Threshold  float64   `json:"threshold"`
	Action     string    `json:"action"`
	Priority   int       `gorm:"index" json:"priority"`
	Active     bool      `gorm:"index" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CustomConditions is the parsed form of a custom rule's conditions
// JSON.
type CustomConditions struct {
	MaxQuantity    float64  `json:"max_quantity,omitempty"`
	AllowedSymbols []string `json:"allowed_symbols,omitempty"`
}
