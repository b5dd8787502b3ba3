package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under a data dir.
	DefaultDBFileName = "kuno.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultMessageTTL is applied to stored messages without an explicit expiry.
	DefaultMessageTTL = 30 * 24 * time.Hour
	// DefaultPruneInterval controls how often expired messages are removed.
	DefaultPruneInterval = time.Hour
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS stored_messages (
  id                  TEXT PRIMARY KEY,
  sender_id           TEXT NOT NULL,
  sender_username     TEXT NOT NULL DEFAULT '',
  sender_device_id    INTEGER NOT NULL DEFAULT 0,
  recipient_id        TEXT NOT NULL,
  recipient_username  TEXT NOT NULL DEFAULT '',
  recipient_device_id INTEGER,
  message_type        TEXT NOT NULL DEFAULT '',
  encrypted_payload   TEXT NOT NULL,
  timestamp           INTEGER NOT NULL,
  delivered           INTEGER NOT NULL DEFAULT 0,
  delivered_at        INTEGER,
  expires_at          INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_stored_messages_recipient_time
ON stored_messages (recipient_id, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_stored_messages_expires_at
ON stored_messages (expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
}

// Options tunes background maintenance and message retention.
type Options struct {
	MessageTTL            time.Duration
	PruneInterval         time.Duration
	WALCheckpointInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MessageTTL <= 0 {
		out.MessageTTL = DefaultMessageTTL
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	if out.WALCheckpointInterval <= 0 {
		out.WALCheckpointInterval = DefaultWALCheckpointInterval
	}
	return out
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	options Options

	maintenanceStop chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) kuno.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	return OpenWithOptions(dataDir, Options{})
}

// OpenWithOptions is Open with explicit retention and maintenance settings.
func OpenWithOptions(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, options Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		options:         options.withDefaults(),
		maintenanceStop: make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// MessageTTL returns the retention applied to messages without an expiry.
func (s *Store) MessageTTL() time.Duration {
	return s.options.MessageTTL
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenanceLoop() {
	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		checkpoint := time.NewTicker(s.options.WALCheckpointInterval)
		defer checkpoint.Stop()
		prune := time.NewTicker(s.options.PruneInterval)
		defer prune.Stop()

		for {
			select {
			case <-checkpoint.C:
				_ = s.checkpointWAL()
			case <-prune.C:
				_, _ = s.PruneExpired(time.Now())
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullIntFromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
