package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SQL STORE - gorm over SQLite or PostgreSQL
// ═══════════════════════════════════════════════════════════════════════════════

// OpenDB connects to PostgreSQL when dsn is a postgres URL, otherwise treats
// dsn as a SQLite file path.
func OpenDB(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, storageErr("connect postgres", err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, storageErr("create dir", err)
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	return db, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type positionRow struct {
	Instrument     string          `gorm:"primaryKey"`
	EntryPrice     decimal.Decimal `gorm:"type:text"` // text keeps the exact value for the immutability check
	EntryTimestamp time.Time
	EntryTxRef     string
	Status         string              `gorm:"index"`
	ExitPrice      decimal.NullDecimal `gorm:"type:text"`
	ExitTxRef      *string
	Amount         decimal.Decimal `gorm:"type:text"`
	Cost           decimal.Decimal `gorm:"type:text"`
	ExitReason     string
	UpdatedAt      time.Time
}

func (positionRow) TableName() string { return "positions" }

func toRow(p types.Position) positionRow {
	row := positionRow{
		Instrument:     p.Instrument.String(),
		EntryPrice:     p.EntryPrice,
		EntryTimestamp: p.EntryTimestamp.UTC(),
		EntryTxRef:     p.EntryTxRef,
		Status:         string(p.Status),
		ExitTxRef:      p.ExitTxRef,
		Amount:         p.Amount,
		Cost:           p.Cost,
		ExitReason:     p.ExitReason,
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
	if p.ExitPrice != nil {
		row.ExitPrice = decimal.NewNullDecimal(*p.ExitPrice)
	}
	return row
}

func (r positionRow) toPosition() types.Position {
	p := types.Position{
		Instrument:     types.Instrument(r.Instrument),
		EntryPrice:     r.EntryPrice,
		EntryTimestamp: r.EntryTimestamp,
		EntryTxRef:     r.EntryTxRef,
		Status:         types.PositionStatus(r.Status),
		ExitTxRef:      r.ExitTxRef,
		Amount:         r.Amount,
		Cost:           r.Cost,
		ExitReason:     r.ExitReason,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ExitPrice.Valid {
		v := r.ExitPrice.Decimal
		p.ExitPrice = &v
	}
	return p
}

// SQLStore persists positions in a "positions" table. The status
// compare-and-swap is a conditional UPDATE, so it holds across processes
// sharing the database.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the positions table on db and takes ownership of it.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&positionRow{}); err != nil {
		return nil, storageErr("migrate", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, instrument types.Instrument) (*types.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).First(&row, "instrument = ?", instrument.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	pos := row.toPosition()
	if err := Validate(pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *SQLStore) Create(ctx context.Context, pos types.Position) error {
	if err := Validate(pos); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now()
	row := toRow(pos)

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		log.Error().Err(res.Error).Str("instrument", pos.Instrument.String()).Msg("❌ Position insert failed")
		return storageErr("create", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", types.ErrPositionExists, pos.Instrument.Short())
	}
	return nil
}

func (s *SQLStore) Upsert(ctx context.Context, pos types.Position) error {
	if err := Validate(pos); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now()
	row := toRow(pos)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing positionRow
		err := tx.First(&existing, "instrument = ?", row.Instrument).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		case !existing.EntryPrice.Equal(row.EntryPrice):
			return fmt.Errorf("%w: %s", types.ErrEntryPriceFixed, pos.Instrument.Short())
		}
		return tx.Save(&row).Error
	})
	if errors.Is(err, types.ErrEntryPriceFixed) {
		return err
	}
	if err != nil {
		log.Error().Err(err).Str("instrument", pos.Instrument.String()).Msg("❌ Position upsert failed")
		return storageErr("upsert", err)
	}
	return nil
}

func (s *SQLStore) TryAcquire(ctx context.Context, instrument types.Instrument, from, to types.PositionStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&positionRow{}).
		Where("instrument = ? AND status = ?", instrument.String(), string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("instrument", instrument.String()).Msg("❌ Position acquire failed")
		return false, storageErr("acquire", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) Remove(ctx context.Context, instrument types.Instrument) error {
	if err := s.db.WithContext(ctx).Delete(&positionRow{}, "instrument = ?", instrument.String()).Error; err != nil {
		log.Error().Err(err).Str("instrument", instrument.String()).Msg("❌ Position delete failed")
		return storageErr("remove", err)
	}
	return nil
}

func (s *SQLStore) ListOpen(ctx context.Context) ([]types.Position, error) {
	return s.list(s.db.WithContext(ctx).Where("status = ?", string(types.StatusOpen)))
}

func (s *SQLStore) List(ctx context.Context) ([]types.Position, error) {
	return s.list(s.db.WithContext(ctx))
}

func (s *SQLStore) list(q *gorm.DB) ([]types.Position, error) {
	var rows []positionRow
	if err := q.Order("entry_timestamp").Find(&rows).Error; err != nil {
		return nil, storageErr("list", err)
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		pos := r.toPosition()
		if err := Validate(pos); err != nil {
			log.Error().Err(err).Str("instrument", r.Instrument).Msg("Skipping corrupt position row")
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	if err := closeDB(s.db); err != nil {
		return storageErr("close", err)
	}
	log.Info().Msg("💾 Position store closed")
	return nil
}
