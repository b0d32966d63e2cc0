package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/signature"
	"github.com/ksred/tradegate/internal/stream"
	"github.com/ksred/tradegate/pkg/response"
)

// healthHandler reports per-venue health, breaker positions and
// rolling latency percentiles in one payload.
func healthHandler(
	tracker *metrics.Tracker,
	breakers *breaker.Registry,
	venues *exchange.Registry,
	hub *stream.Hub,
	nonces *signature.NonceStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		venueHealth := make(map[string]bool)
		degraded := false
		for _, name := range venues.Names() {
			adapter, err := venues.Get(name)
			if err != nil {
				continue
			}
			healthy := adapter.IsHealthy()
			venueHealth[name] = healthy
			if !healthy {
				degraded = true
			}
		}

		snapshots := breakers.Snapshots()
		for _, snap := range snapshots {
			if snap.State != breaker.StateClosed {
				degraded = true
			}
		}

		status := "ok"
		code := http.StatusOK
		if degraded {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":         status,
			"venues":         venueHealth,
			"breakers":       snapshots,
			"latency":        tracker.Snapshot(),
			"stream_clients": hub.ClientCount(),
			"active_nonces":  nonces.Len(),
		})
	}
}

// breakerListHandler returns every breaker's snapshot
func breakerListHandler(breakers *breaker.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, breakers.Snapshots())
	}
}

// breakerResetHandler force-closes a breaker, audited as an operator
// action. Account breakers tripped by risk enforcement are reset here.
func breakerResetHandler(breakers *breaker.Registry, auditor audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := breakers.Reset(key); err != nil {
			response.NotFound(c, err.Error())
			return
		}

		auditor.Record(audit.Event{
			Type:     audit.EventOperatorAction,
			ClientID: c.GetString("clientID"),
			Action:   "BREAKER_RESET",
			Reason:   key,
		})
		response.Success(c, gin.H{"key": key, "state": breaker.StateClosed})
	}
}

// auditRecentHandler returns the newest audit rows
func auditRecentHandler(auditor *audit.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := auditor.ListRecent(limit)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, rows)
	}
}
