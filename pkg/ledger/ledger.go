package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/canonical"
)

// Ledger appends evidence records to per-tenant hash chains. The append
// path is serialized by a single writer lock because previous_hash
// linkage requires a strict total order of blocks; verification and
// reads run concurrently against the store.
type Ledger struct {
	store BlockStore
	log   *slog.Logger
	clock func() time.Time

	mu sync.Mutex // guards the append path only
}

// New creates a ledger over the given block store.
func New(store BlockStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store: store,
		log:   log,
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append chains a new evidence record and returns its block. The content
// hash covers the canonical serialization of the payload only, so
// identical payloads always hash identically regardless of key order.
func (l *Ledger) Append(ctx context.Context, record EvidenceRecord) (ChainBlock, error) {
	if record.AgentID == "" {
		return ChainBlock{}, errors.New("ledger: record missing agent id")
	}
	if record.TenantID == "" {
		return ChainBlock{}, errors.New("ledger: record missing tenant id")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	hash, err := canonical.Hash(record.Payload)
	if err != nil {
		return ChainBlock{}, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.store.BlockByRecord(ctx, record.ID); err == nil {
		return ChainBlock{}, fmt.Errorf("%w: %s", ErrDuplicateEvidence, record.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return ChainBlock{}, fmt.Errorf("ledger: duplicate check: %w", err)
	}

	prevHash := GenesisHash
	var number uint64
	head, err := l.store.Head(ctx, record.TenantID)
	switch {
	case err == nil:
		prevHash = head.Record.ContentHash
		number = head.Number + 1
	case errors.Is(err, ErrNotFound):
		// first block of this tenant chain
	default:
		return ChainBlock{}, fmt.Errorf("ledger: read head: %w", err)
	}

	record.ContentHash = hash
	record.PreviousHash = prevHash
	if record.CreatedAt.IsZero() {
		record.CreatedAt = l.clock().UTC()
	}

	block := ChainBlock{
		Number:       number,
		TenantID:     record.TenantID,
		Record:       record,
		PreviousHash: prevHash,
	}
	if err := l.store.AppendBlock(ctx, block); err != nil {
		return ChainBlock{}, fmt.Errorf("ledger: append block: %w", err)
	}

	l.log.Info("evidence chained",
		"evidence_id", record.ID,
		"tenant_id", record.TenantID,
		"agent_id", record.AgentID,
		"block", number)
	return block, nil
}

// VerifyRecord recomputes one record's content hash from its stored
// payload and compares it to the stored hash.
func (l *Ledger) VerifyRecord(ctx context.Context, recordID string) (bool, error) {
	block, err := l.store.BlockByRecord(ctx, recordID)
	if err != nil {
		return false, err
	}
	computed, err := canonical.Hash(block.Record.Payload)
	if err != nil {
		return false, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	return computed == block.Record.ContentHash, nil
}

// VerifyChain walks blocks from..to inclusive of one tenant chain,
// recomputing every content hash and checking every previous_hash link.
// The first break is returned as a *TamperError carrying the offending
// block number and both disagreeing hashes.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string, from, to uint64) error {
	if to < from {
		return fmt.Errorf("ledger: invalid range %d..%d", from, to)
	}
	blocks, err := l.store.Range(ctx, tenantID, from, to)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}

	expectedPrev := GenesisHash
	if from > 0 {
		before, err := l.store.Block(ctx, tenantID, from-1)
		if err != nil {
			return fmt.Errorf("ledger: read predecessor of range: %w", err)
		}
		expectedPrev = before.Record.ContentHash
	}

	for _, block := range blocks {
		if block.PreviousHash != expectedPrev {
			return &TamperError{
				TenantID:     tenantID,
				BlockNumber:  block.Number,
				StoredHash:   block.PreviousHash,
				ComputedHash: expectedPrev,
				LinkBreak:    true,
			}
		}
		computed, err := canonical.Hash(block.Record.Payload)
		if err != nil {
			return fmt.Errorf("ledger: canonicalize block %d: %w", block.Number, err)
		}
		if computed != block.Record.ContentHash {
			return &TamperError{
				TenantID:     tenantID,
				BlockNumber:  block.Number,
				StoredHash:   block.Record.ContentHash,
				ComputedHash: computed,
			}
		}
		expectedPrev = block.Record.ContentHash
	}
	return nil
}

// VerifyAll verifies a tenant's entire chain.
func (l *Ledger) VerifyAll(ctx context.Context, tenantID string) error {
	length, err := l.store.Length(ctx, tenantID)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return l.VerifyChain(ctx, tenantID, 0, length-1)
}

// Head returns the most recent block of a tenant chain.
func (l *Ledger) Head(ctx context.Context, tenantID string) (ChainBlock, error) {
	return l.store.Head(ctx, tenantID)
}

// Block returns one block by tenant and number.
func (l *Ledger) Block(ctx context.Context, tenantID string, number uint64) (ChainBlock, error) {
	return l.store.Block(ctx, tenantID, number)
}

// Record returns the block wrapping an evidence id.
func (l *Ledger) Record(ctx context.Context, recordID string) (ChainBlock, error) {
	return l.store.BlockByRecord(ctx, recordID)
}

// Range returns the blocks from..to inclusive of a tenant chain.
func (l *Ledger) Range(ctx context.Context, tenantID string, from, to uint64) ([]ChainBlock, error) {
	return l.store.Range(ctx, tenantID, from, to)
}

// Length returns the number of blocks in a tenant chain.
func (l *Ledger) Length(ctx context.Context, tenantID string) (uint64, error) {
	return l.store.Length(ctx, tenantID)
}
