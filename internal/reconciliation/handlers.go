package reconciliation

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/pkg/response"
)

// GinHandlers contains HTTP handlers for operator reconciliation
// endpoints
type GinHandlers struct {
	service *Service
	auditor audit.Recorder
}

// NewGinHandlers creates handlers around the reconciliation service.
func NewGinHandlers(service *Service, auditor audit.Recorder) *GinHandlers {
	return &GinHandlers{service: service, auditor: auditor}
}

// RunNowHandler handles POST requests to trigger an immediate
// reconciliation run
func (h *GinHandlers) RunNowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		checked, found, err := h.service.RunOnce(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		h.auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			Action:   "RECONCILIATION_RUN",
		})
		response.Success(c, gin.H{"orders_checked": checked, "discrepancies_found": found})
	}
}

// ListDiscrepanciesHandler handles GET requests for the discrepancy
// queue, optionally filtered by resolution
func (h *GinHandlers) ListDiscrepanciesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resolution := c.Query("resolution")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		discs, err := h.service.DB().ListDiscrepancies(resolution, limit)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, discs)
	}
}

// ResolveDiscrepancyHandler handles POST requests marking a queued
// discrepancy as manually handled
func (h *GinHandlers) ResolveDiscrepancyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		discrepancyID := c.Param("discrepancy_id")
		disc, err := h.service.DB().GetDiscrepancy(discrepancyID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if disc == nil {
			response.NotFound(c, "Discrepancy not found")
			return
		}
		if disc.Resolution != ResolutionManualRequired && disc.Resolution != ResolutionOpen {
			response.BadRequest(c, "discrepancy is not awaiting manual resolution")
			return
		}

		if err := h.service.DB().Resolve(discrepancyID); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		h.auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			OrderID:  disc.OrderID,
			Action:   "DISCREPANCY_RESOLVED",
			Reason:   disc.Kind,
		})
		response.Success(c, gin.H{"discrepancy_id": discrepancyID, "resolution": ResolutionManualResolved})
	}
}
