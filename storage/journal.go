package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE JOURNAL - append-only history for the operator
// ═══════════════════════════════════════════════════════════════════════════════

// Trade is one confirmed buy or sell.
type Trade struct {
	ID         string `gorm:"primaryKey"`
	Instrument string `gorm:"index"`
	Action     string // BUY, TAKE_PROFIT, STOP_LOSS, MAX_HOLD
	Price      decimal.Decimal `gorm:"type:decimal(38,18)"`
	Amount     decimal.Decimal `gorm:"type:decimal(38,0)"`
	Value      decimal.Decimal `gorm:"type:decimal(38,0)"`
	PnLRatio   decimal.Decimal `gorm:"column:pnl_ratio;type:decimal(20,8)"`
	TxRef      string
	CreatedAt  time.Time `gorm:"index"`
}

// Journal writes trades to the "trades" table. It is never the source of
// truth for positions.
type Journal struct {
	db *gorm.DB
}

// NewJournal migrates the trades table on db.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, storageErr("migrate trades", err)
	}
	return &Journal{db: db}, nil
}

// Record appends a trade, assigning an ID when rec has none.
func (j *Journal) Record(ctx context.Context, rec types.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	trade := Trade{
		ID:         rec.ID,
		Instrument: rec.Instrument.String(),
		Action:     rec.Action,
		Price:      rec.Price,
		Amount:     rec.Amount,
		Value:      rec.Value,
		PnLRatio:   rec.PnLRatio,
		TxRef:      rec.TxRef,
		CreatedAt:  rec.Timestamp.UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&trade).Error; err != nil {
		log.Error().Err(err).Str("instrument", rec.Instrument.String()).Msg("Failed to journal trade")
		return storageErr("journal", err)
	}
	return nil
}

// Recent returns up to limit trades, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	var trades []Trade
	if err := j.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&trades).Error; err != nil {
		return nil, storageErr("recent trades", err)
	}
	out := make([]types.TradeRecord, 0, len(trades))
	for _, t := range trades {
		out = append(out, types.TradeRecord{
			ID:         t.ID,
			Instrument: types.Instrument(t.Instrument),
			Action:     t.Action,
			Price:      t.Price,
			Amount:     t.Amount,
			Value:      t.Value,
			PnLRatio:   t.PnLRatio,
			TxRef:      t.TxRef,
			Timestamp:  t.CreatedAt,
		})
	}
	return out, nil
}

// Stats summarizes closed trades for the operator.
type Stats struct {
	Buys   int64
	Sells  int64
	Wins   int64
	Losses int64
}

// Stats counts buys and sells; a sell with pnl ratio above 1 is a win.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := j.db.WithContext(ctx).Model(&Trade{}).Where("action = ?", "BUY").Count(&st.Buys).Error; err != nil {
		return st, storageErr("stats", err)
	}
	if err := j.db.WithContext(ctx).Model(&Trade{}).Where("action <> ?", "BUY").Count(&st.Sells).Error; err != nil {
		return st, storageErr("stats", err)
	}
	if err := j.db.WithContext(ctx).Model(&Trade{}).Where("action <> ? AND pnl_ratio > 1", "BUY").Count(&st.Wins).Error; err != nil {
		return st, storageErr("stats", err)
	}
	st.Losses = st.Sells - st.Wins
	return st, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return closeDB(j.db)
}
