// Package approvedlist manages pre-approved value lists (whitelisted
// agents, regions, operations) that calling policy injects into rule
// evaluation as an override context.
package approvedlist

import (
	"context"
	"sync"
)

// Store holds named sets of approved values, scoped by tenant.
type Store interface {
	Add(ctx context.Context, tenantID, list string, values ...string) error
	Remove(ctx context.Context, tenantID, list string, values ...string) error
	Members(ctx context.Context, tenantID, list string) ([]string, error)
	Contains(ctx context.Context, tenantID, list, value string) (bool, error)
}

// OverrideContext flattens every list of a tenant into the override map
// merged over the evidence payload during evaluation: each list name
// maps to its member slice, so rules can test membership with "in".
func OverrideContext(ctx context.Context, store Store, tenantID string, lists []string) (map[string]any, error) {
	if len(lists) == 0 {
		return nil, nil
	}
	override := make(map[string]any, len(lists))
	for _, list := range lists {
		members, err := store.Members(ctx, tenantID, list)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(members))
		for i, m := range members {
			values[i] = m
		}
		override[list] = values
	}
	return override, nil
}

// MemoryStore is the in-memory Store used in tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	lists map[string]map[string]struct{} // tenant:list -> set
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string]map[string]struct{})}
}

func key(tenantID, list string) string { return tenantID + ":" + list }

func (m *MemoryStore) Add(ctx context.Context, tenantID, list string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, list)
	set, ok := m.lists[k]
	if !ok {
		set = make(map[string]struct{})
		m.lists[k] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, tenantID, list string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.lists[key(tenantID, list)]
	for _, v := range values {
		delete(set, v)
	}
	return nil
}

func (m *MemoryStore) Members(ctx context.Context, tenantID, list string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.lists[key(tenantID, list)]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out, nil
}

func (m *MemoryStore) Contains(ctx context.Context, tenantID, list, value string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lists[key(tenantID, list)][value]
	return ok, nil
}
