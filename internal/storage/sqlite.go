package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteIndex persists the in-memory index to a single SQLite table
// as a JSON snapshot written after every successful mutation.
type SQLiteIndex struct {
	*MemoryIndex
	db *sql.DB
	mu sync.Mutex
}

const dataBucket = "simulation_data"

// NewSQLiteIndex opens or creates a snapshotting SQLite-backed index.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	if path == "" {
		path = "propcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	index := &SQLiteIndex{MemoryIndex: NewMemoryIndex(), db: db}
	if err := index.load(); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *SQLiteIndex) load() error {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, dataBucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	var records []StoredSimulationData
	if err := json.Unmarshal(payload, &records); err != nil {
		return fmt.Errorf("decode %s: %w", dataBucket, err)
	}
	s.ImportState(records)
	return nil
}

func (s *SQLiteIndex) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(s.ExportState())
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
		dataBucket, payload); err != nil {
		return fmt.Errorf("upsert %s: %w", dataBucket, err)
	}
	return nil
}

func (s *SQLiteIndex) Save(ctx context.Context, data StoredSimulationData) error {
	if err := s.MemoryIndex.Save(ctx, data); err != nil {
		return err
	}
	return s.persist()
}

func (s *SQLiteIndex) Delete(ctx context.Context, id string) (bool, error) {
	existed, err := s.MemoryIndex.Delete(ctx, id)
	if err != nil || !existed {
		return existed, err
	}
	return existed, s.persist()
}

func (s *SQLiteIndex) Close() error { return s.db.Close() }

// DB exposes the underlying handle for integration tests.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

var _ Index = (*SQLiteIndex)(nil)
