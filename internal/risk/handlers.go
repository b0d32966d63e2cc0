package risk

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/pkg/response"
)

// GinHandlers contains HTTP handlers for operator risk-rule endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates handlers around the risk engine.
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

type ruleRequest struct {
	Name       string  `json:"name"`
	RuleType   string  `json:"rule_type" binding:"required"`
	Conditions string  `json:"conditions,omitempty"`
	Threshold  float64 `json:"threshold"`
	Action     string  `json:"action" binding:"required"`
	Priority   int     `json:"priority"`
	Active     *bool   `json:"active,omitempty"`
}

func validRuleType(t string) bool {
	switch t {
	case RuleTypePosition, RuleTypeDrawdown, RuleTypeLeverage, RuleTypeCustom:
		return true
	}
	return false
}

func validAction(a string) bool {
	switch a {
	case ActionBlock, ActionWarn, ActionReduce:
		return true
	}
	return false
}

// CreateRuleHandler handles POST requests to add a risk rule
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ruleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !validRuleType(req.RuleType) || !validAction(req.Action) {
			response.BadRequest(c, "unknown rule type or action")
			return
		}

		rule := &Rule{
			RuleID:     "RULE_" + uuid.New().String(),
			Name:       req.Name,
			RuleType:   req.RuleType,
			Conditions: req.Conditions,
			Threshold:  req.Threshold,
			Action:     req.Action,
			Priority:   req.Priority,
			Active:     true,
		}
		if req.Active != nil {
			rule.Active = *req.Active
		}

		if err := h.engine.DB().CreateRule(rule); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		h.engine.auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			RuleID:   rule.RuleID,
			Action:   "RULE_CREATED",
			Reason:   rule.RuleType,
		})
		response.Success(c, rule)
	}
}

// ListRulesHandler handles GET requests for all configured rules
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := h.engine.DB().ListRules()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, rules)
	}
}

// UpdateRuleHandler handles PUT requests to edit an existing rule
func (h *GinHandlers) UpdateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID := c.Param("rule_id")
		rule, err := h.engine.DB().GetRule(ruleID)
		if err != nil || rule == nil {
			response.NotFound(c, "Rule not found")
			return
		}

		var req ruleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !validRuleType(req.RuleType) || !validAction(req.Action) {
			response.BadRequest(c, "unknown rule type or action")
			return
		}

		rule.Name = req.Name
		rule.RuleType = req.RuleType
		rule.Conditions = req.Conditions
		rule.Threshold = req.Threshold
		rule.Action = req.Action
		rule.Priority = req.Priority
		if req.Active != nil {
			rule.Active = *req.Active
		}

		if err := h.engine.DB().UpdateRule(rule); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		h.engine.auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			RuleID:   rule.RuleID,
			Action:   "RULE_UPDATED",
		})
		response.Success(c, rule)
	}
}

// DeactivateRuleHandler handles DELETE requests by flipping the rule
// inactive; rules are never removed from the table.
func (h *GinHandlers) DeactivateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID := c.Param("rule_id")
		rule, err := h.engine.DB().GetRule(ruleID)
		if err != nil || rule == nil {
			response.NotFound(c, "Rule not found")
			return
		}

		if err := h.engine.DB().DeactivateRule(ruleID); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		h.engine.auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			RuleID:   ruleID,
			Action:   "RULE_DEACTIVATED",
		})
		response.Success(c, gin.H{"rule_id": ruleID, "active": false})
	}
}
