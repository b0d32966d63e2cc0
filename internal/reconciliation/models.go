package reconciliation

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Discrepancy kinds.
const (
	KindMissingFill    = "missing_fill"    // venue filled more than we recorded
	KindStatusMismatch = "status_mismatch" // venue and local status disagree
	KindAmountMismatch = "amount_mismatch" // venue reports less filled than we recorded
	KindUnknownOrder   = "unknown_order"   // venue has no record of the order
)

// Discrepancy resolutions.
const (
	ResolutionOpen           = "open"
	ResolutionAutoResolved   = "auto_resolved"
	ResolutionManualRequired = "manual_required"
	ResolutionManualResolved = "manual_resolved"
)

// Discrepancy is a persisted divergence between local and venue order
// state. Auto-resolvable findings are corrected additively in the same
// run; the rest wait in the operator queue.
type Discrepancy struct {
	gorm.Model    `json:"-"`
	DiscrepancyID string     `gorm:"uniqueIndex" json:"discrepancy_id"`
	OrderID       string     `gorm:"index" json:"order_id"`
	Venue         string     `json:"venue"`
	Kind          string     `gorm:"index" json:"kind"`
	LocalStatus   string     `json:"local_status"`
	VenueStatus   string     `json:"venue_status"`
	LocalQty      float64    `json:"local_qty"`
	VenueQty      float64    `json:"venue_qty"`
	Resolution    string     `gorm:"index" json:"resolution"`
	Detail        string     `json:"detail"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateDiscrepancy(disc *Discrepancy) error {
	return d.db.Create(disc).Error
}

func (d *Database) GetDiscrepancy(discrepancyID string) (*Discrepancy, error) {
	var disc Discrepancy
	if err := d.db.Where("discrepancy_id = ?", discrepancyID).First(&disc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &disc, nil
}

// ListDiscrepancies returns discrepancies filtered by resolution, or
// all of them when resolution is empty.
func (d *Database) ListDiscrepancies(resolution string, limit int) ([]Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	q := d.db.Order("created_at desc").Limit(limit)
	if resolution != "" {
		q = q.Where("resolution = ?", resolution)
	}
	var discs []Discrepancy
	err := q.Find(&discs).Error
	return discs, err
}

// Resolve marks a discrepancy handled by an operator.
func (d *Database) Resolve(discrepancyID string) error {
	now := time.Now()
	return d.db.Model(&Discrepancy{}).
		Where("discrepancy_id = ?", discrepancyID).
		Updates(map[string]interface{}{
			"resolution":  ResolutionManualResolved,
			"resolved_at": &now,
		}).Error
}
