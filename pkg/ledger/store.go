// Package ledger implements the log storage service of an embedded broker:
// append-only per-partition logs in SQLite, served over HTTP on the storage
// port, and the client the broker uses to append and read entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseFile is the SQLite file created inside the storage directory.
const DatabaseFile = "ledger.db"

// MaxReadLimit caps the number of entries returned by one Read.
const MaxReadLimit = 1000

var (
	// ErrInvalidLedger is returned for an empty topic or negative partition.
	ErrInvalidLedger = errors.New("ledger: invalid topic or partition")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("ledger: store closed")
)

// Entry is one stored log entry.
type Entry struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	EntryID   int64     `json:"entry_id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed set of append-only logs, one per
// (topic, partition). Entry ids are dense and start at 0.
type Store struct {
	db   *gorm.DB
	path string

	// SQLite has a single writer; appends are serialized here instead of
	// retrying on SQLITE_BUSY.
	appendMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the ledger database inside dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, DatabaseFile)

	// SQLite pragmas for better concurrent access:
	// - journal_mode(WAL): Write-Ahead Logging for concurrent readers/single writer
	// - busy_timeout(5000): Wait up to 5 seconds when database is locked
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to run ledger migration: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Append stores payload at the end of the (topic, partition) log and
// returns its entry id.
func (s *Store) Append(ctx context.Context, topic string, partition int, payload []byte) (int64, error) {
	if err := validLedger(topic, partition); err != nil {
		return 0, err
	}
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var entryID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := ledgerRecord{Topic: topic, Partition: partition}
		if err := tx.Where("topic = ? AND partition_no = ?", topic, partition).
			FirstOrCreate(&rec).Error; err != nil {
			return err
		}

		entryID = rec.NextEntryID
		if err := tx.Create(&entryRecord{
			Topic:     topic,
			Partition: partition,
			EntryID:   entryID,
			Payload:   payload,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&ledgerRecord{}).
			Where("topic = ? AND partition_no = ?", topic, partition).
			Update("next_entry_id", entryID+1).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append to %s/%d: %w", topic, partition, err)
	}
	return entryID, nil
}

// Read returns up to limit entries starting at entry id from. A limit <= 0
// or above MaxReadLimit is clamped to MaxReadLimit.
func (s *Store) Read(ctx context.Context, topic string, partition int, from int64, limit int) ([]Entry, error) {
	if err := validLedger(topic, partition); err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	if limit <= 0 || limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	if from < 0 {
		from = 0
	}

	var records []entryRecord
	if err := s.db.WithContext(ctx).
		Where("topic = ? AND partition_no = ? AND entry_id >= ?", topic, partition, from).
		Order("entry_id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("read %s/%d: %w", topic, partition, err)
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			Topic:     r.Topic,
			Partition: r.Partition,
			EntryID:   r.EntryID,
			Payload:   r.Payload,
			CreatedAt: r.CreatedAt,
		})
	}
	return entries, nil
}

// Count returns the number of entries in a log. Unknown logs have 0.
func (s *Store) Count(ctx context.Context, topic string, partition int) (int64, error) {
	if err := validLedger(topic, partition); err != nil {
		return 0, err
	}
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()

	var rec ledgerRecord
	err := s.db.WithContext(ctx).
		Where("topic = ? AND partition_no = ?", topic, partition).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s/%d: %w", topic, partition, err)
	}
	return rec.NextEntryID, nil
}

// Healthcheck pings the database.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// Close closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// acquire takes the read lock, failing if the store is closed. Callers
// release it with s.mu.RUnlock.
func (s *Store) acquire() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	return nil
}

func validLedger(topic string, partition int) error {
	if topic == "" || partition < 0 {
		return ErrInvalidLedger
	}
	return nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
