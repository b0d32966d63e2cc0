package pipeline

import (
	"errors"
	"time"

	"github.com/ksred/tradegate/internal/types"
	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-assigned order id to the resource
// it produced, bounding duplicate dispatch within the retention
// window.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// idempotencyRetention is how long a client order id pins its original
// result.
const idempotencyRetention = 24 * time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrder retrieves an order by its ID
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND client_id = ?", orderID, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrdersByClient(clientID string, limit int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []types.Order
	err := d.db.Where("client_id = ?", clientID).Order("created_at desc").Limit(limit).Find(&orders).Error
	return orders, err
}

// ListOpenOrders returns orders the reconciliation service must check:
// everything non-terminal plus terminal orders updated after cutoff.
func (d *Database) ListOpenOrders(recentCutoff time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status IN ?", []string{types.StatusPending, types.StatusOpen, types.StatusPartiallyFilled}).
		Or("updated_at > ? AND status IN ?", recentCutoff, []string{types.StatusFilled, types.StatusCancelled}).
		Find(&orders).Error
	return orders, err
}

func (d *Database) UpdateOrder(order *types.Order) error {
	order.UpdatedAt = time.Now()
	return d.db.Save(order).Error
}

func (d *Database) CreateFill(fill *types.Fill) error {
	return d.db.Create(fill).Error
}

func (d *Database) GetFillsByOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.Where("order_id = ?", orderID).Order("created_at asc").Find(&fills).Error
	return fills, err
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateOrderWithIdempotency creates the order and its idempotency
// record in one transaction so a crash between the two cannot open a
// double-dispatch window.
func (d *Database) CreateOrderWithIdempotency(order *types.Order) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: order.ClientOrderID,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(idempotencyRetention),
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// ApplyFill records a fill and the matching order update in one
// transaction.
func (d *Database) ApplyFill(order *types.Order, fill *types.Fill) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if fill != nil {
		if err := tx.Create(fill).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	order.UpdatedAt = time.Now()
	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
