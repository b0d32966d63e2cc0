package database

import (
	"fmt"
	"sync/atomic"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/pipeline"
	"github.com/ksred/tradegate/internal/reconciliation"
	"github.com/ksred/tradegate/internal/risk"
	"github.com/ksred/tradegate/internal/signature"
	"github.com/ksred/tradegate/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "tradegate.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

var testDBCounter int64

// NewTestDatabase returns an isolated in-memory database for tests.
// Each call gets its own schema via a unique shared-cache name.
func NewTestDatabase() (*gorm.DB, error) {
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.Fill{},
		&pipeline.IdempotencyRecord{},
		&signature.Nonce{},
		&audit.EnforcementAction{},
		&risk.Rule{},
		&reconciliation.Discrepancy{},
	)
}
