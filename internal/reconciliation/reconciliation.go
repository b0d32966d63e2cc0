package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/pipeline"
	"github.com/ksred/tradegate/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// qtyEpsilon absorbs float noise when comparing filled quantities.
const qtyEpsilon = 1e-9

// Service periodically compares local order state against venue
// records. Local fills are corrected additively: the service creates
// missing fills and advances statuses, but never deletes or shrinks
// what was already recorded. Anything it cannot safely fix lands in
// the operator queue.
type Service struct {
	db       *Database
	orders   *pipeline.Database
	venues   *exchange.Registry
	breakers *breaker.Registry
	auditor  audit.Recorder

	Interval     time.Duration
	RecentWindow time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a reconciliation service over the given stores.
func NewService(gormDB *gorm.DB, orders *pipeline.Database, venues *exchange.Registry, breakers *breaker.Registry, auditor audit.Recorder) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		orders:       orders,
		venues:       venues,
		breakers:     breakers,
		auditor:      auditor,
		Interval:     30 * time.Second,
		RecentWindow: 10 * time.Minute,
	}
}

// DB exposes the discrepancy store for the operator handlers.
func (s *Service) DB() *Database {
	return s.db
}

// Start launches the background reconciliation loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.Interval).Msg("reconciliation service started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("reconciliation service stopped")
				return
			case <-ticker.C:
				if checked, found, err := s.RunOnce(ctx); err != nil {
					log.Error().Err(err).Msg("reconciliation run failed")
				} else if found > 0 {
					log.Warn().Int("checked", checked).Int("discrepancies", found).Msg("reconciliation run found discrepancies")
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for the current run.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// RunOnce reconciles every open order plus recently finalized ones
// once. Returns the number of orders checked and discrepancies found.
func (s *Service) RunOnce(ctx context.Context) (checked, found int, err error) {
	orders, err := s.orders.ListOpenOrders(time.Now().Add(-s.RecentWindow))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list orders for reconciliation: %w", err)
	}

	for i := range orders {
		select {
		case <-ctx.Done():
			return checked, found, ctx.Err()
		default:
		}
		checked++
		found += s.reconcileOrder(ctx, &orders[i])
	}
	return checked, found, nil
}

// reconcileOrder compares one order against the venue and returns the
// number of discrepancies recorded.
func (s *Service) reconcileOrder(ctx context.Context, order *types.Order) int {
	if order.VenueOrderID == "" {
		// Dispatched orders always carry a venue id; a pending order
		// without one means the process died between dispatch and
		// persistence. Old enough to not be in flight means operator
		// attention.
		if order.Status == types.StatusPending && time.Since(order.CreatedAt) > time.Minute {
			s.recordDiscrepancy(order, nil, KindUnknownOrder, ResolutionManualRequired,
				"pending order has no venue order id")
			return 1
		}
		return 0
	}

	adapter, err := s.venues.Get(order.Venue)
	if err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("cannot reconcile order, venue unknown")
		return 0
	}

	var venueOrder *types.VenueOrder
	key := breaker.Key(order.Venue, "reconciliation")
	err = s.breakers.Do(key, func() error {
		vo, callErr := adapter.GetOrder(ctx, order.VenueOrderID, order.Symbol)
		if callErr != nil {
			metrics.RecordAdapterCall(order.Venue, "failure")
			return callErr
		}
		metrics.RecordAdapterCall(order.Venue, "success")
		venueOrder = vo
		return nil
	})
	if err != nil {
		if ae, ok := types.AsAdapterError(err); ok && !ae.Retryable() {
			// The venue answered and does not know the order.
			s.recordDiscrepancy(order, nil, KindUnknownOrder, ResolutionManualRequired, ae.Message)
			return 1
		}
		// Transient: the next cycle retries.
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("skipping order this reconciliation cycle")
		return 0
	}

	switch {
	case venueOrder.FilledQty > order.FilledQty+qtyEpsilon:
		return s.correctMissingFill(order, venueOrder)
	case venueOrder.FilledQty < order.FilledQty-qtyEpsilon:
		s.recordDiscrepancy(order, venueOrder, KindAmountMismatch, ResolutionManualRequired,
			fmt.Sprintf("venue reports %.8f filled, local record has %.8f", venueOrder.FilledQty, order.FilledQty))
		return 1
	}

	if venueStatus := localStatus(venueOrder.Status); venueStatus != order.Status {
		return s.correctStatus(order, venueOrder, venueStatus)
	}
	return 0
}

// correctMissingFill appends the fill the venue reported but the local
// record lacks, then advances the order.
func (s *Service) correctMissingFill(order *types.Order, venueOrder *types.VenueOrder) int {
	delta := venueOrder.FilledQty - order.FilledQty
	fill := &types.Fill{
		FillID:     "FILL_" + uuid.New().String(),
		OrderID:    order.OrderID,
		Venue:      order.Venue,
		Price:      venueOrder.AvgFillPrice,
		Quantity:   delta,
		Commission: venueOrder.Commission,
		CreatedAt:  time.Now(),
	}

	order.FilledQty = venueOrder.FilledQty
	order.AvgFillPrice = venueOrder.AvgFillPrice
	if venueStatus := localStatus(venueOrder.Status); venueStatus != order.Status && types.CanTransition(order.Status, venueStatus) {
		order.Status = venueStatus
	}

	if err := s.orders.ApplyFill(order, fill); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to apply reconciliation fill")
		return 0
	}

	s.auditor.Record(audit.Event{
		Type:        audit.EventReconCorrection,
		ClientID:    order.ClientID,
		OrderID:     order.OrderID,
		Venue:       order.Venue,
		Action:      "FILL_ADDED",
		Reason:      fmt.Sprintf("added missing fill of %.8f @ %.8f", delta, venueOrder.AvgFillPrice),
		AdjustedQty: order.FilledQty,
	})
	s.recordDiscrepancy(order, venueOrder, KindMissingFill, ResolutionAutoResolved,
		fmt.Sprintf("missing fill of %.8f corrected", delta))

	log.Info().
		Str("order_id", order.OrderID).
		Float64("delta", delta).
		Msg("reconciliation added missing fill")
	return 1
}

// correctStatus moves the local status toward the venue's where the
// lifecycle allows it; conflicting terminal states go to the operator.
func (s *Service) correctStatus(order *types.Order, venueOrder *types.VenueOrder, venueStatus string) int {
	if !types.CanTransition(order.Status, venueStatus) {
		s.recordDiscrepancy(order, venueOrder, KindStatusMismatch, ResolutionManualRequired,
			fmt.Sprintf("no valid transition from %s to %s", order.Status, venueStatus))
		return 1
	}

	previous := order.Status
	order.Status = venueStatus
	if err := s.orders.UpdateOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to apply status correction")
		return 0
	}

	s.auditor.Record(audit.Event{
		Type:     audit.EventReconCorrection,
		ClientID: order.ClientID,
		OrderID:  order.OrderID,
		Venue:    order.Venue,
		Action:   "STATUS_CORRECTED",
		Reason:   fmt.Sprintf("status advanced from %s to %s per venue", previous, venueStatus),
	})
	s.recordDiscrepancy(order, venueOrder, KindStatusMismatch, ResolutionAutoResolved,
		fmt.Sprintf("status corrected from %s to %s", previous, venueStatus))
	return 1
}

// recordDiscrepancy persists the finding and writes its audit row.
func (s *Service) recordDiscrepancy(order *types.Order, venueOrder *types.VenueOrder, kind, resolution, detail string) {
	disc := &Discrepancy{
		DiscrepancyID: "DISC_" + uuid.New().String(),
		OrderID:       order.OrderID,
		Venue:         order.Venue,
		Kind:          kind,
		LocalStatus:   order.Status,
		LocalQty:      order.FilledQty,
		Resolution:    resolution,
		Detail:        detail,
		CreatedAt:     time.Now(),
	}
	if venueOrder != nil {
		disc.VenueStatus = venueOrder.Status
		disc.VenueQty = venueOrder.FilledQty
	}
	if resolution == ResolutionAutoResolved {
		now := time.Now()
		disc.ResolvedAt = &now
	}

	if err := s.db.CreateDiscrepancy(disc); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist discrepancy")
	}

	s.auditor.Record(audit.Event{
		Type:     audit.EventReconDiscrepancy,
		ClientID: order.ClientID,
		OrderID:  order.OrderID,
		Venue:    order.Venue,
		Action:   kind,
		Code:     resolution,
		Reason:   detail,
	})
	metrics.RecordDiscrepancy(kind, resolution)
}

// localStatus maps a venue-reported status onto the local lifecycle.
func localStatus(venueStatus string) string {
	switch venueStatus {
	case types.StatusPending, types.StatusOpen, types.StatusPartiallyFilled,
		types.StatusFilled, types.StatusCancelled, types.StatusRejected, types.StatusExpired:
		return venueStatus
	}
	return types.StatusOpen
}
