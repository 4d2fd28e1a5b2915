package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gmsas95/dosekeeper/internal/config"
)

// Store provides unified access to SQLite and BadgerDB
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	badger *badger.DB
}

// New creates a new Store instance
func New(cfg *config.Config) (*Store, error) {
	// Initialize SQLite
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "dosekeeper.db")
	}

	// Open SQLite with optimizations
	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Configure connection pool
	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	// Initialize BadgerDB
	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.Storage.DataDir, "badger")
	}

	// Open BadgerDB with optimizations
	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil). // Disable verbose logging
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20). // 16MB value log files
		WithMemTableSize(16 << 20)      // 16MB memtable

	return open(sqliteDB, badgerOpts)
}

// NewInMemory opens a throwaway store, used by tests and dry runs
func NewInMemory() (*Store, error) {
	sqliteDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// every pooled connection to :memory: is a separate database
	sqliteDB.SetMaxOpenConns(1)

	return open(sqliteDB, badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(sqliteDB *sql.DB, badgerOpts badger.Options) (*Store, error) {
	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Auto-migrate schemas owned by this package
	if err := db.AutoMigrate(&DoseLog{}); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:     db,
		sqlDB:  sqliteDB,
		badger: badgerDB,
	}, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	berr := s.badger.Close()
	if err := s.sqlDB.Close(); err != nil {
		return err
	}
	return berr
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Badger returns the BadgerDB instance
func (s *Store) Badger() *badger.DB {
	return s.badger
}

// ==================== Dose History ====================

// LogDose appends an intake record
func (s *Store) LogDose(ctx context.Context, entry *DoseLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// History returns the most recent intakes of a medication, newest first.
// A non-positive limit returns everything.
func (s *Store) History(ctx context.Context, medicationID string, limit int) ([]DoseLog, error) {
	query := s.db.WithContext(ctx).Where("medication_id = ?", medicationID).Order("taken_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var logs []DoseLog
	err := query.Find(&logs).Error
	return logs, err
}

// DeleteHistory drops the intake records of a medication
func (s *Store) DeleteHistory(ctx context.Context, medicationID string) error {
	return s.db.WithContext(ctx).Where("medication_id = ?", medicationID).Delete(&DoseLog{}).Error
}

// ==================== KV Methods (BadgerDB) ====================

// SetKV stores a key-value pair
func (s *Store) SetKV(key string, value []byte) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("kv:"+key), value)
	})
}

// GetKV retrieves a value by key. A missing key yields nil, nil.
func (s *Store) GetKV(key string) ([]byte, error) {
	var val []byte
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("kv:" + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	return val, err
}
