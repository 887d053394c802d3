package history

import (
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/windlass-gitops/windlass/internal/resource"
)

// Store keeps per-application sync outcomes and the inventory of kinds the
// application has ever applied. The inventory is what lets the observer
// still find live objects of a kind that vanished from the source tree, so
// prune can reach them.
type Store interface {
	Record(app string, results []resource.SyncResult) error
	Last(app string) ([]resource.SyncResult, error)
	RecordInventory(app string, gvks []schema.GroupVersionKind) error
	Inventory(app string) ([]schema.GroupVersionKind, error)
}

// MemoryStore is the in-process fallback used when no database is
// configured. Keeps only the most recent result set per application.
type MemoryStore struct {
	mu        sync.RWMutex
	last      map[string][]resource.SyncResult
	inventory map[string]map[schema.GroupVersionKind]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		last:      make(map[string][]resource.SyncResult),
		inventory: make(map[string]map[schema.GroupVersionKind]bool),
	}
}

func (s *MemoryStore) Record(app string, results []resource.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]resource.SyncResult, len(results))
	copy(snapshot, results)
	s.last[app] = snapshot
	return nil
}

func (s *MemoryStore) Last(app string) ([]resource.SyncResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]resource.SyncResult, len(s.last[app]))
	copy(results, s.last[app])
	return results, nil
}

func (s *MemoryStore) RecordInventory(app string, gvks []schema.GroupVersionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.inventory[app]
	if set == nil {
		set = make(map[schema.GroupVersionKind]bool)
		s.inventory[app] = set
	}
	for _, gvk := range gvks {
		set[gvk] = true
	}
	return nil
}

func (s *MemoryStore) Inventory(app string) ([]schema.GroupVersionKind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.GroupVersionKind
	for gvk := range s.inventory[app] {
		out = append(out, gvk)
	}
	return out, nil
}
