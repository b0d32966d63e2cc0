package pipeline

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/types"
	"github.com/ksred/tradegate/pkg/response"
)

// GinHandlers contains HTTP handlers for order operations
type GinHandlers struct {
	pipeline *Pipeline
	auditor  audit.Recorder
}

// NewGinHandlers creates handlers around the pipeline.
func NewGinHandlers(p *Pipeline, auditor audit.Recorder) *GinHandlers {
	return &GinHandlers{pipeline: p, auditor: auditor}
}

// PlaceOrderHandler handles POST requests to submit an order
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")

		var spec types.OrderSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.pipeline.PlaceOrder(c.Request.Context(), clientID, spec)
		if err != nil {
			h.writeOrderError(c, order, err)
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE requests to cancel an open order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		orderID := c.Param("order_id")

		order, err := h.pipeline.CancelOrder(c.Request.Context(), clientID, orderID)
		if err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound):
				response.NotFound(c, "Order not found")
			case errors.Is(err, ErrOrderTerminal):
				response.UnprocessableCode(c, response.ErrCodeBadRequest, "order already in terminal status")
			default:
				h.writeOrderError(c, order, err)
			}
			return
		}
		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests for a single order with its
// fills
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		orderID := c.Param("order_id")

		order, err := h.pipeline.DB().GetOrderByOrderIDAndClientID(orderID, clientID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		fills, err := h.pipeline.DB().GetFillsByOrder(order.OrderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"order": order, "fills": fills})
	}
}

// ListOrdersHandler handles GET requests for the caller's orders
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		orders, err := h.pipeline.DB().ListOrdersByClient(clientID, limit)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, orders)
	}
}

// DeployStrategyHandler handles POST requests for strategy
// deployments. Deployment itself happens elsewhere; this endpoint
// exists so deployments ride the same signed-request path and land in
// the audit trail.
func (h *GinHandlers) DeployStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		strategyID := c.Param("strategy_id")

		h.auditor.Record(audit.Event{
			Type:     audit.EventStrategyDeployment,
			ClientID: clientID,
			Action:   "DEPLOY",
			Reason:   strategyID,
		})
		response.Success(c, gin.H{"strategy_id": strategyID, "status": "accepted"})
	}
}

// writeOrderError maps pipeline errors onto HTTP responses. Rejected
// orders are included in the body so callers can see the persisted
// record.
func (h *GinHandlers) writeOrderError(c *gin.Context, order *types.Order, err error) {
	var blocked *RiskBlockedError
	switch {
	case errors.As(err, &blocked):
		response.UnprocessableCode(c, response.ErrCodeRiskBlocked, blocked.Error())
	case errors.Is(err, ErrAccountSuspended):
		response.ForbiddenCode(c, response.ErrCodeRiskBlocked, err.Error())
	case errors.Is(err, breaker.ErrOpen):
		response.ServiceUnavailable(c, response.ErrCodeVenueUnavailable, "venue temporarily unavailable")
	default:
		if ae, ok := types.AsAdapterError(err); ok {
			switch ae.Kind {
			case types.ErrKindConnection, types.ErrKindRateLimit:
				response.ServiceUnavailable(c, response.ErrCodeVenueDegraded, ae.Error())
			default:
				response.UnprocessableCode(c, response.ErrCodeVenueRejected, ae.Error())
			}
			return
		}
		if errors.Is(err, types.ErrInvalidSide) || errors.Is(err, types.ErrInvalidOrderType) ||
			errors.Is(err, types.ErrInvalidQuantity) || errors.Is(err, types.ErrPriceRequired) ||
			errors.Is(err, types.ErrStopRequired) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err.Error())
	}
}
