package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"propcore/internal/blob"
	"propcore/internal/ctxlog"
)

// Store couples the metadata index with the blob store holding the
// heavyweight trajectory archives.
type Store struct {
	index   Index
	archive blob.Store
}

// New builds a storage service over an index and an archive store.
func New(index Index, archive blob.Store) *Store {
	return &Store{index: index, archive: archive}
}

// OpenFromEnv builds a store from environment configuration.
//
//	PROPCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	PROPCORE_STORAGE_SQLITE_PATH, PROPCORE_STORAGE_POSTGRES_DSN
func OpenFromEnv(ctx context.Context) (*Store, error) {
	archive, err := blob.Open(ctx)
	if err != nil {
		return nil, err
	}
	driver := os.Getenv("PROPCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	var index Index
	switch driver {
	case "memory":
		index = NewMemoryIndex()
	case "sqlite":
		index, err = NewSQLiteIndex(os.Getenv("PROPCORE_STORAGE_SQLITE_PATH"))
	case "postgres":
		index, err = NewPostgresIndex(ctx, os.Getenv("PROPCORE_STORAGE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return New(index, archive), nil
}

// Save stores a simulation record together with the ancillary files
// in dir. When a compatible record already exists, only the more
// informative of the two survives: saving less informative data is a
// no-op returning the existing record's id.
func (s *Store) Save(ctx context.Context, data StoredSimulationData, dir string) (string, error) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if err := data.Validate(); err != nil {
		return "", err
	}
	logger := ctxlog.FromContext(ctx)

	existing, err := s.index.Find(ctx, Query{
		SubstanceIdentifier: data.Substance.Identifier(),
		ForceFieldID:        data.ForceFieldID,
		State:               &data.State,
	})
	if err != nil {
		return "", err
	}
	for _, record := range existing {
		if !record.Compatible(data) {
			continue
		}
		if !data.MoreInformative(record) {
			logger.Debug("keeping existing simulation data",
				"existing", record.ID, "rejected", data.ID)
			return record.ID, nil
		}
		logger.Debug("replacing redundant simulation data",
			"existing", record.ID, "replacement", data.ID)
		if err := s.Remove(ctx, record.ID); err != nil {
			return "", err
		}
	}

	var payload bytes.Buffer
	if err := packArchive(dir, &payload); err != nil {
		return "", fmt.Errorf("pack simulation data: %w", err)
	}
	key := fmt.Sprintf("simulation-data/%s.tar.gz", data.ID)
	if _, err := s.archive.Put(ctx, key, &payload, blob.PutOptions{
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"substance":   data.Substance.Identifier(),
			"force_field": data.ForceFieldID,
		},
	}); err != nil {
		return "", fmt.Errorf("store simulation archive: %w", err)
	}
	data.ArchiveKey = key
	if err := s.index.Save(ctx, data); err != nil {
		// The archive is orphaned without its index entry.
		_, _ = s.archive.Delete(ctx, key)
		return "", err
	}
	return data.ID, nil
}

// Retrieve returns all cached records matching the query, reduced to
// the most informative record per simulated system.
func (s *Store) Retrieve(ctx context.Context, query Query) ([]StoredSimulationData, error) {
	records, err := s.index.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var out []StoredSimulationData
	for _, record := range records {
		replaced := false
		for i, kept := range out {
			if !kept.Compatible(record) {
				continue
			}
			if record.MoreInformative(kept) {
				out[i] = record
			}
			replaced = true
			break
		}
		if !replaced {
			out = append(out, record)
		}
	}
	return out, nil
}

// Get looks up a single record by id.
func (s *Store) Get(ctx context.Context, id string) (StoredSimulationData, error) {
	data, ok, err := s.index.Get(ctx, id)
	if err != nil {
		return StoredSimulationData{}, err
	}
	if !ok {
		return StoredSimulationData{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, nil
}

// Fetch extracts the ancillary archive of a stored record into dir.
func (s *Store) Fetch(ctx context.Context, id, dir string) (StoredSimulationData, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return StoredSimulationData{}, err
	}
	_, rc, err := s.archive.Get(ctx, data.ArchiveKey)
	if err != nil {
		return StoredSimulationData{}, fmt.Errorf("fetch simulation archive: %w", err)
	}
	defer func() { _ = rc.Close() }()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredSimulationData{}, err
	}
	if err := unpackArchive(rc, dir); err != nil {
		return StoredSimulationData{}, err
	}
	return data, nil
}

// Remove deletes a record and its archive.
func (s *Store) Remove(ctx context.Context, id string) error {
	data, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if data.ArchiveKey != "" {
		if _, err := s.archive.Delete(ctx, data.ArchiveKey); err != nil {
			return fmt.Errorf("delete simulation archive: %w", err)
		}
	}
	if _, err := s.index.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

// Close releases the index backend.
func (s *Store) Close() error { return s.index.Close() }
