package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory BlockStore used in tests and single-node
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	chains   map[string][]ChainBlock // tenant -> blocks ordered by number
	byRecord map[string]ChainBlock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   make(map[string][]ChainBlock),
		byRecord: make(map[string]ChainBlock),
	}
}

func (m *MemoryStore) AppendBlock(ctx context.Context, block ChainBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byRecord[block.Record.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEvidence, block.Record.ID)
	}
	chain := m.chains[block.TenantID]
	if block.Number != uint64(len(chain)) {
		return fmt.Errorf("ledger: out-of-order append: got block %d, expected %d", block.Number, len(chain))
	}
	m.chains[block.TenantID] = append(chain, block)
	m.byRecord[block.Record.ID] = block
	return nil
}

func (m *MemoryStore) Block(ctx context.Context, tenantID string, number uint64) (ChainBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if number >= uint64(len(chain)) {
		return ChainBlock{}, fmt.Errorf("%w: block %d of tenant %s", ErrNotFound, number, tenantID)
	}
	return chain[number], nil
}

func (m *MemoryStore) BlockByRecord(ctx context.Context, recordID string) (ChainBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.byRecord[recordID]
	if !ok {
		return ChainBlock{}, fmt.Errorf("%w: record %s", ErrNotFound, recordID)
	}
	return block, nil
}

func (m *MemoryStore) Head(ctx context.Context, tenantID string) (ChainBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return ChainBlock{}, fmt.Errorf("%w: tenant %s chain empty", ErrNotFound, tenantID)
	}
	return chain[len(chain)-1], nil
}

func (m *MemoryStore) Range(ctx context.Context, tenantID string, from, to uint64) ([]ChainBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if from >= uint64(len(chain)) {
		return nil, nil
	}
	if to >= uint64(len(chain)) {
		to = uint64(len(chain)) - 1
	}
	out := make([]ChainBlock, 0, to-from+1)
	out = append(out, chain[from:to+1]...)
	return out, nil
}

func (m *MemoryStore) Length(ctx context.Context, tenantID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.chains[tenantID])), nil
}

// corrupt rewrites one stored block's payload in place. Only reachable
// from tests in this package; the public API has no mutation path.
func (m *MemoryStore) corrupt(tenantID string, number uint64, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[tenantID][number].Record.Payload = payload
	block := m.chains[tenantID][number]
	m.byRecord[block.Record.ID] = block
}
