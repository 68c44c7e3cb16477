package runstate

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.items[snap.RunID] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.items, runID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[runID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	SortSnapshots(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// SortSnapshots orders snapshots newest first.
func SortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].RunID < snaps[j].RunID
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
}
