package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"iot-gateway/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the relational store of the gateway, backed by SQLite through GORM.
type Store struct {
	orm *gorm.DB

	// serializes read-modify-write of daily statistics
	statMu sync.Mutex
}

// Open opens (creating when needed) the database at path and migrates the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	gl := logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)

	if err := orm.AutoMigrate(
		&model.Device{},
		&model.Driver{},
		&model.DeviceDriver{},
		&model.PropertyMapping{},
		&model.ProtocolConfig{},
		&model.PushConfig{},
		&model.PushConfigDevice{},
		&model.PushLog{},
		&model.PushStatistic{},
		&model.LatestProperty{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{orm: orm}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type gormWriter struct{ log zerolog.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn().Msgf(format, args...)
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}
