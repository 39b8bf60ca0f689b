package ledger

import "context"

// BlockStore persists chain blocks. Implementations must commit a block
// atomically (number, hashes, and payload together or not at all) and
// must reject a record identifier that is already chained with
// ErrDuplicateEvidence.
type BlockStore interface {
	// AppendBlock persists a fully formed block.
	AppendBlock(ctx context.Context, block ChainBlock) error

	// Block returns one block of a tenant chain by number.
	Block(ctx context.Context, tenantID string, number uint64) (ChainBlock, error)

	// BlockByRecord returns the block wrapping the given evidence id.
	BlockByRecord(ctx context.Context, recordID string) (ChainBlock, error)

	// Head returns the most recently appended block of a tenant chain,
	// or ErrNotFound for an empty chain.
	Head(ctx context.Context, tenantID string) (ChainBlock, error)

	// Range returns blocks from..to inclusive, ordered by number.
	Range(ctx context.Context, tenantID string, from, to uint64) ([]ChainBlock, error)

	// Length returns the number of blocks in a tenant chain.
	Length(ctx context.Context, tenantID string) (uint64, error)
}
