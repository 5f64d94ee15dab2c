package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Index tracks stored simulation data records. The memory
// implementation is canonical; the SQL-backed indexes embed it and
// snapshot its state after each mutation.
type Index interface {
	Save(ctx context.Context, data StoredSimulationData) error
	Get(ctx context.Context, id string) (StoredSimulationData, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Find(ctx context.Context, query Query) ([]StoredSimulationData, error)
	Close() error
}

// MemoryIndex keeps records in process memory.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]StoredSimulationData
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]StoredSimulationData)}
}

func (m *MemoryIndex) Save(_ context.Context, data StoredSimulationData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[data.ID] = data
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, id string) (StoredSimulationData, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[id]
	return data, ok, nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

func (m *MemoryIndex) Find(_ context.Context, query Query) ([]StoredSimulationData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StoredSimulationData
	for _, data := range m.records {
		if query.Matches(data) {
			out = append(out, data)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryIndex) Close() error { return nil }

// ExportState snapshots every record ordered by id.
func (m *MemoryIndex) ExportState() []StoredSimulationData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StoredSimulationData, 0, len(m.records))
	for _, data := range m.records {
		out = append(out, data)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImportState replaces the index contents with a snapshot.
func (m *MemoryIndex) ImportState(records []StoredSimulationData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]StoredSimulationData, len(records))
	for _, data := range records {
		m.records[data.ID] = data
	}
}

// Len reports the number of indexed records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ Index = (*MemoryIndex)(nil)

// ErrNotFound is returned by Store operations addressing unknown ids.
var ErrNotFound = fmt.Errorf("storage: data not found")
