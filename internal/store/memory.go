package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fpang/tryon-studio/internal/generation"
)

// MemoryStore is an in-process generation.RecordStore for the local server.
// Records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*generation.Generation
}

var _ generation.RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*generation.Generation)}
}

func (m *MemoryStore) Create(_ context.Context, g *generation.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[g.ID]; ok {
		return fmt.Errorf("create generation %s: %w", g.ID, generation.ErrConflict)
	}
	g.Version = 1
	m.records[g.ID] = copyGeneration(g)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*generation.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return copyGeneration(g), nil
}

func (m *MemoryStore) Update(_ context.Context, g *generation.Generation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[g.ID]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("update generation %s at version %d: %w", g.ID, expectedVersion, generation.ErrConflict)
	}
	g.Version = expectedVersion + 1
	m.records[g.ID] = copyGeneration(g)
	return nil
}

func (m *MemoryStore) ListProcessing(_ context.Context, createdBefore time.Time) ([]*generation.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*generation.Generation
	for _, g := range m.records {
		if g.Status == generation.StatusProcessing && g.CreatedAt.Before(createdBefore) {
			out = append(out, copyGeneration(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyGeneration(g *generation.Generation) *generation.Generation {
	c := *g
	if g.Metadata != nil {
		c.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
