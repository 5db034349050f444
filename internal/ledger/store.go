package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// tradeRow is the persisted form of a closed trade. Monetary columns are
// stored as strings to keep decimal exactness through the round trip.
type tradeRow struct {
	ID                 string `gorm:"primaryKey"`
	TradeID            string `gorm:"uniqueIndex:idx_trade_id,where:trade_id <> ''"`
	PositionID         string
	Symbol             string `gorm:"index"`
	Side               string
	EntryPrice         string
	ExitPrice          string
	Quantity           string
	Leverage           string
	RealizedPnL        string
	RealizedPnLPercent string
	AttributionKind    string
	StrategyID         string
	Source             string
	OpenedAt           time.Time
	ClosedAt           time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "closed_trades" }

// Store persists closed trades in PostgreSQL.
type Store struct {
	db *gorm.DB
}

// OpenStore connects and migrates the trade table.
func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.AutoMigrate(&tradeRow{}); err != nil {
		return nil, fmt.Errorf("migrating trade table: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts one closed trade. Conflicts on the exchange trade id are
// ignored so repeated reconciles stay idempotent across restarts.
func (s *Store) Append(trade types.ClosedTrade) error {
	row := toRow(trade)
	err := s.db.Create(&row).Error
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", trade.ID, err)
	}
	return nil
}

// LoadAll returns every stored trade, oldest close first.
func (s *Store) LoadAll() ([]types.ClosedTrade, error) {
	var rows []tradeRow
	if err := s.db.Order("closed_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading trades: %w", err)
	}
	out := make([]types.ClosedTrade, 0, len(rows))
	for _, r := range rows {
		tr, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(tr types.ClosedTrade) tradeRow {
	return tradeRow{
		ID:                 tr.ID,
		TradeID:            tr.TradeID,
		PositionID:         tr.PositionID,
		Symbol:             tr.Symbol,
		Side:               string(tr.Side),
		EntryPrice:         tr.EntryPrice.String(),
		ExitPrice:          tr.ExitPrice.String(),
		Quantity:           tr.Quantity.String(),
		Leverage:           tr.Leverage.String(),
		RealizedPnL:        tr.RealizedPnL.String(),
		RealizedPnLPercent: tr.RealizedPnLPercent.String(),
		AttributionKind:    string(tr.Attribution.Kind),
		StrategyID:         tr.Attribution.StrategyID,
		Source:             string(tr.Source),
		OpenedAt:           tr.OpenedAt,
		ClosedAt:           tr.ClosedAt,
	}
}

func fromRow(r tradeRow) (types.ClosedTrade, error) {
	tr := types.ClosedTrade{
		ID:         r.ID,
		TradeID:    r.TradeID,
		PositionID: r.PositionID,
		Symbol:     r.Symbol,
		Side:       types.Side(r.Side),
		Attribution: types.Attribution{
			Kind:       types.AttributionKind(r.AttributionKind),
			StrategyID: r.StrategyID,
		},
		Source:   types.TradeSource(r.Source),
		OpenedAt: r.OpenedAt,
		ClosedAt: r.ClosedAt,
	}
	var err error
	if tr.EntryPrice, err = parseDecimal(r.EntryPrice); err != nil {
		return tr, fmt.Errorf("trade %s entry price: %w", r.ID, err)
	}
	if tr.ExitPrice, err = parseDecimal(r.ExitPrice); err != nil {
		return tr, fmt.Errorf("trade %s exit price: %w", r.ID, err)
	}
	if tr.Quantity, err = parseDecimal(r.Quantity); err != nil {
		return tr, fmt.Errorf("trade %s quantity: %w", r.ID, err)
	}
	if tr.Leverage, err = parseDecimal(r.Leverage); err != nil {
		return tr, fmt.Errorf("trade %s leverage: %w", r.ID, err)
	}
	if tr.RealizedPnL, err = parseDecimal(r.RealizedPnL); err != nil {
		return tr, fmt.Errorf("trade %s pnl: %w", r.ID, err)
	}
	if tr.RealizedPnLPercent, err = parseDecimal(r.RealizedPnLPercent); err != nil {
		return tr, fmt.Errorf("trade %s pnl percent: %w", r.ID, err)
	}
	return tr, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
