// Package idempotency implements the durable ledger of client-order-ids
// that have already been sent to the broker, so the executor can refuse to
// forward a duplicate. Backed by gorm, picking sqlite or postgres from the
// DSN prefix and auto-migrating its model on startup.
package idempotency

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marrowfx/tradecore/events"
)

// Store is the gorm-backed sent-order ledger.
type Store struct {
	db *gorm.DB
}

// sentOrder is the gorm model for events.SentOrderRow; ClientOrderID is the
// primary key so a duplicate insert fails instead of silently overwriting.
type sentOrder struct {
	ClientOrderID string    `gorm:"column:client_order_id;primaryKey"`
	BrokerOrderID string    `gorm:"column:broker_order_id"`
	Symbol        string    `gorm:"column:symbol;index"`
	Side          string    `gorm:"column:side"`
	Qty           string    `gorm:"column:qty"` // decimal stored as string
	CreatedAt     time.Time `gorm:"column:created_at;index"`
}

func (sentOrder) TableName() string { return "sent_orders" }

// Open opens dsn (a sqlite file path, or a postgres:// / postgresql://
// connection string) and migrates the sent_orders table.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("idempotency store connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("idempotency store initialized (sqlite)")
	}

	if err := db.AutoMigrate(&sentOrder{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// AlreadySent reports whether coid has a ledger row. A read error fails
// open: it is logged and treated as "not sent", because
// blocking a legitimate order on a database hiccup is worse than the small
// window of risk a false negative opens.
func (s *Store) AlreadySent(coid string) bool {
	var row sentOrder
	err := s.db.First(&row, "client_order_id = ?", coid).Error
	if err == nil {
		return true
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	log.Error().Err(err).Str("coid", coid).Msg("idempotency lookup failed, failing open")
	return false
}

// Record inserts coid's ledger row. A duplicate insert (primary-key
// violation) is swallowed: it means a concurrent caller won the race, which
// is exactly the outcome Record exists to make safe.
func (s *Store) Record(row events.SentOrderRow) error {
	model := sentOrder{
		ClientOrderID: row.ClientOrderID,
		BrokerOrderID: row.BrokerOrderID,
		Symbol:        row.Symbol,
		Side:          string(row.Side),
		Qty:           row.Qty.String(),
		CreatedAt:     row.CreatedAt,
	}
	err := s.db.Create(&model).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		log.Warn().Str("coid", row.ClientOrderID).Msg("sent-order already recorded, ignoring duplicate insert")
		return nil
	}
	return err
}

// Recent returns up to limit ledger rows, newest first.
func (s *Store) Recent(limit int) ([]events.SentOrderRow, error) {
	var models []sentOrder
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return toRows(models), nil
}

// PurgeOlderThan deletes ledger rows older than cutoff and returns how many
// rows were removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&sentOrder{})
	return res.RowsAffected, res.Error
}

func toRows(models []sentOrder) []events.SentOrderRow {
	rows := make([]events.SentOrderRow, 0, len(models))
	for _, m := range models {
		qty, err := decimal.NewFromString(m.Qty)
		if err != nil {
			qty = decimal.Zero
		}
		rows = append(rows, events.SentOrderRow{
			ClientOrderID: m.ClientOrderID,
			BrokerOrderID: m.BrokerOrderID,
			Symbol:        m.Symbol,
			Side:          events.Side(m.Side),
			Qty:           qty,
			CreatedAt:     m.CreatedAt,
		})
	}
	return rows
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
