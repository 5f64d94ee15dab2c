package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	postgresDriver = "pgx"
	defaultDSN     = "postgres://localhost/propcore?sslmode=disable"
)

// PostgresIndex persists the in-memory index to Postgres, mirroring
// the SQLite snapshot scheme with a JSONB state table.
type PostgresIndex struct {
	*MemoryIndex
	db *sql.DB
	mu sync.Mutex
}

// NewPostgresIndex opens a Postgres-backed index using the provided
// DSN, creating the snapshot table and hydrating the in-memory state
// from any existing snapshot.
func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	index := &PostgresIndex{MemoryIndex: NewMemoryIndex(), db: db}
	if err := index.load(ctx); err != nil {
		return nil, err
	}
	return index, nil
}

func (p *PostgresIndex) load(ctx context.Context) error {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM state WHERE bucket = $1`, dataBucket).Scan(&payload)
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
	p.ImportState(records)
	return nil
}

func (p *PostgresIndex) persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload, err := json.Marshal(p.ExportState())
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
		dataBucket, payload); err != nil {
		return fmt.Errorf("upsert %s: %w", dataBucket, err)
	}
	return nil
}

func (p *PostgresIndex) Save(ctx context.Context, data StoredSimulationData) error {
	if err := p.MemoryIndex.Save(ctx, data); err != nil {
		return err
	}
	return p.persist(ctx)
}

func (p *PostgresIndex) Delete(ctx context.Context, id string) (bool, error) {
	existed, err := p.MemoryIndex.Delete(ctx, id)
	if err != nil || !existed {
		return existed, err
	}
	return existed, p.persist(ctx)
}

func (p *PostgresIndex) Close() error { return p.db.Close() }

// DB exposes the underlying handle for integration tests.
func (p *PostgresIndex) DB() *sql.DB { return p.db }

var _ Index = (*PostgresIndex)(nil)
