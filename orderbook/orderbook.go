// Package orderbook implements the authoritative local view of orders the
// engine believes it has placed, keyed by coid and persisted so a restart
// can resume reconciliation. Backed by gorm the same way idempotency.Store
// is, selecting sqlite or postgres by DSN prefix.
package orderbook

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marrowfx/tradecore/events"
)

// tolerance is the lot tolerance used for the FILLED transition, matching
// aggregator's 1e-6-of-a-lot convention.
var tolerance = decimal.New(1, -6)

// orderRow is the gorm model backing events.OrderRecord.
type orderRow struct {
	ClientOrderID string `gorm:"column:client_order_id;primaryKey"`
	Symbol        string `gorm:"column:symbol;index"`
	Side          string `gorm:"column:side"`
	Qty           string `gorm:"column:qty"`
	FilledQty     string `gorm:"column:filled_qty"`
	RemainingQty  string `gorm:"column:remaining_qty"`
	AvgFillPrice  string `gorm:"column:avg_fill_price"`
	Status        string `gorm:"column:status;index"`
	BrokerOrderID string `gorm:"column:broker_order_id"`
	SL            string `gorm:"column:sl"`
	TP            string `gorm:"column:tp"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (orderRow) TableName() string { return "order_book" }

// Book is the gorm-backed order book. Mutations take a per-coid lock so the
// reconciler (reader+mutator) and the executor/pipeline (writer on accept)
// never race on one record; different coids mutate independently.
type Book struct {
	db *gorm.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens dsn (sqlite path or postgres DSN) and migrates the order_book
// table, mirroring idempotency.Open's driver-selection-by-prefix.
func Open(dsn string) (*Book, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	}
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return nil, err
	}
	return &Book{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (b *Book) lockFor(coid string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[coid]
	if !ok {
		l = &sync.Mutex{}
		b.locks[coid] = l
	}
	return l
}

// UpsertOnAccept creates or replaces the order book entry for coid, used
// when the executor forwards an order and when the reconciler activates a
// pending one.
func (b *Book) UpsertOnAccept(rec events.OrderRecord) error {
	lock := b.lockFor(rec.ClientOrderID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	row := toRow(rec)
	return b.db.Save(&row).Error
}

// Get fetches the current record for coid.
func (b *Book) Get(coid string) (events.OrderRecord, bool, error) {
	var row orderRow
	err := b.db.First(&row, "client_order_id = ?", coid).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return events.OrderRecord{}, false, nil
		}
		return events.OrderRecord{}, false, err
	}
	return toRecord(row), true, nil
}

// MarkPartial applies one fill to coid's order: updates
// FilledQty/RemainingQty and recomputes AvgFillPrice as the
// volume-weighted mean. Returns the updated record and whether this fill
// completed the order (RemainingQty <= tolerance).
func (b *Book) MarkPartial(coid string, fillQty, fillPrice decimal.Decimal) (events.OrderRecord, bool, error) {
	lock := b.lockFor(coid)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := b.Get(coid)
	if err != nil {
		return events.OrderRecord{}, false, err
	}
	if !found {
		return events.OrderRecord{}, false, gorm.ErrRecordNotFound
	}

	newFilled := rec.FilledQty.Add(fillQty)
	if rec.FilledQty.IsZero() {
		rec.AvgFillPrice = fillPrice
	} else {
		weighted := rec.AvgFillPrice.Mul(rec.FilledQty).Add(fillPrice.Mul(fillQty))
		rec.AvgFillPrice = weighted.Div(newFilled)
	}
	rec.FilledQty = newFilled
	rec.RemainingQty = rec.Qty.Sub(newFilled)
	if rec.RemainingQty.LessThan(decimal.Zero) {
		rec.RemainingQty = decimal.Zero
	}

	completed := rec.RemainingQty.LessThanOrEqual(tolerance) && rec.FilledQty.GreaterThan(decimal.Zero)
	if completed {
		rec.Status = events.StatusFilled
	} else {
		rec.Status = events.StatusPartial
	}
	rec.UpdatedAt = time.Now().UTC()

	row := toRow(rec)
	if err := b.db.Save(&row).Error; err != nil {
		return events.OrderRecord{}, false, err
	}
	return rec, completed, nil
}

// MarkCancelled transitions coid to CANCELLED.
func (b *Book) MarkCancelled(coid string) error {
	lock := b.lockFor(coid)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := b.Get(coid)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.Status = events.StatusCancelled
	rec.UpdatedAt = time.Now().UTC()
	row := toRow(rec)
	return b.db.Save(&row).Error
}

// GetActiveOrders returns every order in a non-terminal state.
func (b *Book) GetActiveOrders() ([]events.OrderRecord, error) {
	var rows []orderRow
	terminal := []string{string(events.StatusFilled), string(events.StatusCancelled), string(events.StatusRejected), string(events.StatusExpired)}
	if err := b.db.Where("status NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]events.OrderRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecord(r))
	}
	return out, nil
}

// CleanupOldOrders deletes terminal orders older than maxAge and returns
// the count removed.
func (b *Book) CleanupOldOrders(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	terminal := []string{string(events.StatusFilled), string(events.StatusCancelled), string(events.StatusRejected), string(events.StatusExpired)}
	res := b.db.Where("status IN ? AND updated_at < ?", terminal, cutoff).Delete(&orderRow{})
	if res.Error != nil {
		log.Error().Err(res.Error).Msg("orderbook: cleanup failed")
	}
	return res.RowsAffected, res.Error
}

func toRow(r events.OrderRecord) orderRow {
	row := orderRow{
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          string(r.Side),
		Qty:           r.Qty.String(),
		FilledQty:     r.FilledQty.String(),
		RemainingQty:  r.RemainingQty.String(),
		AvgFillPrice:  r.AvgFillPrice.String(),
		Status:        string(r.Status),
		BrokerOrderID: r.BrokerOrderID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.SL != nil {
		row.SL = r.SL.String()
	}
	if r.TP != nil {
		row.TP = r.TP.String()
	}
	return row
}

func toRecord(row orderRow) events.OrderRecord {
	rec := events.OrderRecord{
		ClientOrderID: row.ClientOrderID,
		Symbol:        row.Symbol,
		Side:          events.Side(row.Side),
		Qty:           parseDecimal(row.Qty),
		FilledQty:     parseDecimal(row.FilledQty),
		RemainingQty:  parseDecimal(row.RemainingQty),
		AvgFillPrice:  parseDecimal(row.AvgFillPrice),
		Status:        events.OrderStatus(row.Status),
		BrokerOrderID: row.BrokerOrderID,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.SL != "" {
		v := parseDecimal(row.SL)
		rec.SL = &v
	}
	if row.TP != "" {
		v := parseDecimal(row.TP)
		rec.TP = &v
	}
	return rec
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
