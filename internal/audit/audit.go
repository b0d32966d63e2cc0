package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Event types written to the audit trail.
const (
	EventAuthSuccess        = "AUTH_SUCCESS"
	EventAuthFailure        = "AUTH_FAILURE"
	EventRiskEnforcement    = "RISK_ENFORCEMENT"
	EventOrderDispatched    = "ORDER_DISPATCHED"
	EventOrderConfirmed     = "ORDER_CONFIRMED"
	EventOrderFailed        = "ORDER_FAILED"
	EventOrderCancelled     = "ORDER_CANCELLED"
	EventReconCorrection    = "RECONCILIATION_CORRECTION"
	EventReconDiscrepancy   = "RECONCILIATION_DISCREPANCY"
	EventStrategyDeployment = "STRATEGY_DEPLOYMENT"
	EventOperatorAction     = "OPERATOR_ACTION"
)

// Event is a decision-point record emitted by the pipeline, risk
// engine, signature middleware, and reconciliation service. Explicit
// events keep the audit contract testable independent of the
// transport layer.
type Event struct {
	Type        string    `json:"type"`
	ClientID    string    `json:"client_id,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Action      string    `json:"action,omitempty"`
	Venue       string    `json:"venue,omitempty"`
	Code        string    `json:"code,omitempty"`
	Path        string    `json:"path,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OriginalQty float64   `json:"original_qty,omitempty"`
	AdjustedQty float64   `json:"adjusted_qty,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Recorder accepts audit events. Implemented by Writer; fakes stand in
// for it in tests.
type Recorder interface {
	Record(Event)
}

// EnforcementAction is the persisted audit row. Append-only: rows are
// created before any response reaches the caller and never mutated.
type EnforcementAction struct {
	gorm.Model  `json:"-"`
	EventType   string    `gorm:"index" json:"event_type"`
	ClientID    string    `gorm:"index" json:"client_id"`
	OrderID     string    `gorm:"index" json:"order_id"`
	RuleID      string    `json:"rule_id"`
	Action      string    `json:"action"`
	Venue       string    `json:"venue"`
	Code        string    `json:"code"`
	Path        string    `json:"path"`
	Reason      string    `json:"reason"`
	OriginalQty float64   `json:"original_qty"`
	AdjustedQty float64   `json:"adjusted_qty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Writer persists events and fans them out to in-process sinks (the
// websocket hub, metrics).
type Writer struct {
	db *gorm.DB

	mu    sync.RWMutex
	sinks []func(Event)
}

// NewWriter creates an audit writer over the given database.
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db}
}

// AddSink registers an in-process consumer of audit events.
func (w *Writer) AddSink(fn func(Event)) {
	w.mu.Lock()
	w.sinks = append(w.sinks, fn)
	w.mu.Unlock()
}

// Record persists the event and notifies sinks. Persistence failures
// are logged, never swallowed into the caller's path: the caller's
// decision already happened and must not be reversed by audit I/O.
func (w *Writer) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	row := EnforcementAction{
		EventType:   e.Type,
		ClientID:    e.ClientID,
		OrderID:     e.OrderID,
		RuleID:      e.RuleID,
		Action:      e.Action,
		Venue:       e.Venue,
		Code:        e.Code,
		Path:        e.Path,
		Reason:      e.Reason,
		OriginalQty: e.OriginalQty,
		AdjustedQty: e.AdjustedQty,
		CreatedAt:   e.Timestamp,
	}
	if err := w.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("event_type", e.Type).Msg("failed to write audit row")
	}

	w.mu.RLock()
	sinks := w.sinks
	w.mu.RUnlock()
	for _, sink := range sinks {
		sink(e)
	}
}

// ListByOrder returns the audit trail for one order, oldest first.
func (w *Writer) ListByOrder(orderID string) ([]EnforcementAction, error) {
	var rows []EnforcementAction
	err := w.db.Where("order_id = ?", orderID).Order("created_at asc").Find(&rows).Error
	return rows, err
}

// ListRecent returns the newest audit rows for the operator view.
func (w *Writer) ListRecent(limit int) ([]EnforcementAction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []EnforcementAction
	err := w.db.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// CountBlocksSince counts risk blocks for a principal inside a
// window. Feeds the account-level breaker trip.
func (w *Writer) CountBlocksSince(clientID string, since time.Time) (int64, error) {
	var count int64
	err := w.db.Model(&EnforcementAction{}).
		Where("event_type = ? AND client_id = ? AND action = ? AND created_at > ?",
			EventRiskEnforcement, clientID, "BLOCK", since).
		Count(&count).Error
	return count, err
}
