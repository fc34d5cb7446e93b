package writer

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appconfig "bitmexflow/config"
	"bitmexflow/logger"
)

// depthRow is the schema of a snapshot table.
type depthRow struct {
	ID       uint64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Exchange string  `gorm:"column:exchange"`
	Instmt   string  `gorm:"column:instmt"`
	DateTime string  `gorm:"column:date_time"`
	B1       float64 `gorm:"column:b1"`
	B2       float64 `gorm:"column:b2"`
	B3       float64 `gorm:"column:b3"`
	B4       float64 `gorm:"column:b4"`
	B5       float64 `gorm:"column:b5"`
	A1       float64 `gorm:"column:a1"`
	A2       float64 `gorm:"column:a2"`
	A3       float64 `gorm:"column:a3"`
	A4       float64 `gorm:"column:a4"`
	A5       float64 `gorm:"column:a5"`
	BQ1      float64 `gorm:"column:bq1"`
	BQ2      float64 `gorm:"column:bq2"`
	BQ3      float64 `gorm:"column:bq3"`
	BQ4      float64 `gorm:"column:bq4"`
	BQ5      float64 `gorm:"column:bq5"`
	AQ1      float64 `gorm:"column:aq1"`
	AQ2      float64 `gorm:"column:aq2"`
	AQ3      float64 `gorm:"column:aq3"`
	AQ4      float64 `gorm:"column:aq4"`
	AQ5      float64 `gorm:"column:aq5"`
}

// tradeRow is the schema of a trades table.
type tradeRow struct {
	ID          uint64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Exchange    string  `gorm:"column:exchange"`
	Instmt      string  `gorm:"column:instmt"`
	DateTime    string  `gorm:"column:date_time"`
	TradeID     string  `gorm:"column:trade_id"`
	TradePrice  float64 `gorm:"column:trade_price"`
	TradeVolume float64 `gorm:"column:trade_volume"`
	TradeSide   int     `gorm:"column:trade_side"`
}

// PostgresStore persists rows into per-instrument tables through gorm.
type PostgresStore struct {
	db          *gorm.DB
	autoMigrate bool
	log         *logger.Log
}

// OpenPostgres connects to the configured database and sizes the pool.
func OpenPostgres(cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.ConnString()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return NewPostgresStore(db, cfg.AutoMigrate), nil
}

// NewPostgresStore wraps an open gorm handle.
func NewPostgresStore(db *gorm.DB, autoMigrate bool) *PostgresStore {
	return &PostgresStore{db: db, autoMigrate: autoMigrate, log: logger.GetLogger()}
}

// Insert writes one row.
func (s *PostgresStore) Insert(ctx context.Context, table string, columns []string, values []interface{}) error {
	row, err := rowMap(columns, values)
	if err != nil {
		return err
	}
	if err := s.insertTx(ctx, table, row).Error; err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) insertTx(ctx context.Context, table string, row map[string]interface{}) *gorm.DB {
	return s.db.WithContext(ctx).Table(table).Create(row)
}

func (s *PostgresStore) InitOrderBook(ctx context.Context, table string) (uint64, error) {
	if err := s.migrate(ctx, table, &depthRow{}); err != nil {
		return 0, err
	}
	return s.maxID(ctx, table)
}

func (s *PostgresStore) InitTrades(ctx context.Context, table string) (uint64, string, error) {
	if err := s.migrate(ctx, table, &tradeRow{}); err != nil {
		return 0, "", err
	}
	maxID, err := s.maxID(ctx, table)
	if err != nil || maxID == 0 {
		return maxID, "", err
	}

	var ids []string
	err = s.db.WithContext(ctx).Table(table).
		Where("id = ?", maxID).
		Limit(1).
		Pluck("trade_id", &ids).Error
	if err != nil {
		return 0, "", fmt.Errorf("last trade id of %s: %w", table, err)
	}
	if len(ids) == 0 {
		return maxID, "", nil
	}
	return maxID, ids[0], nil
}

func (s *PostgresStore) migrate(ctx context.Context, table string, model interface{}) error {
	if !s.autoMigrate {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(table).AutoMigrate(model); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	s.log.WithComponent("postgres_writer").WithFields(logger.Fields{"table": table}).Info("table ready")
	return nil
}

func (s *PostgresStore) maxID(ctx context.Context, table string) (uint64, error) {
	var maxID int64
	row := s.db.WithContext(ctx).Table(table).Select("COALESCE(MAX(id), 0)").Row()
	if err := row.Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max id of %s: %w", table, err)
	}
	if maxID < 0 {
		return 0, nil
	}
	return uint64(maxID), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
