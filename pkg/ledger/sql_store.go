package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements BlockStore over database/sql. It works with both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); both accept $n
// placeholders.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const blockSchema = `
CREATE TABLE IF NOT EXISTS chain_blocks (
	tenant_id TEXT NOT NULL,
	number BIGINT NOT NULL,
	record_id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	policy_id TEXT,
	policy_version TEXT,
	content_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	signature TEXT,
	supersedes TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, number)
);
`

// Init creates the blocks table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, blockSchema)
	return err
}

func (s *SQLStore) AppendBlock(ctx context.Context, block ChainBlock) error {
	payload, err := json.Marshal(block.Record.Payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}
	query := `
		INSERT INTO chain_blocks (tenant_id, number, record_id, agent_id, payload,
			policy_id, policy_version, content_hash, previous_hash, signature, supersedes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		block.TenantID, block.Number, block.Record.ID, block.Record.AgentID, string(payload),
		block.Record.PolicyID, block.Record.PolicyVersion, block.Record.ContentHash,
		block.PreviousHash, block.Record.Signature, block.Record.Supersedes, block.Record.CreatedAt,
	)
	if err != nil {
		// The unique record_id constraint is the duplicate guard.
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvidence, block.Record.ID)
		}
		return err
	}
	return nil
}

const blockColumns = `tenant_id, number, record_id, agent_id, payload,
	policy_id, policy_version, content_hash, previous_hash, signature, supersedes, created_at`

func (s *SQLStore) Block(ctx context.Context, tenantID string, number uint64) (ChainBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM chain_blocks WHERE tenant_id = $1 AND number = $2`
	return s.scanBlock(s.db.QueryRowContext(ctx, query, tenantID, number))
}

func (s *SQLStore) BlockByRecord(ctx context.Context, recordID string) (ChainBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM chain_blocks WHERE record_id = $1`
	return s.scanBlock(s.db.QueryRowContext(ctx, query, recordID))
}

func (s *SQLStore) Head(ctx context.Context, tenantID string) (ChainBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM chain_blocks WHERE tenant_id = $1 ORDER BY number DESC LIMIT 1`
	return s.scanBlock(s.db.QueryRowContext(ctx, query, tenantID))
}

func (s *SQLStore) Range(ctx context.Context, tenantID string, from, to uint64) ([]ChainBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM chain_blocks
		WHERE tenant_id = $1 AND number >= $2 AND number <= $3 ORDER BY number`
	rows, err := s.db.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]ChainBlock, 0)
	for rows.Next() {
		block, err := s.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Length(ctx context.Context, tenantID string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_blocks WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanBlock(row rowScanner) (ChainBlock, error) {
	var (
		block     ChainBlock
		payload   string
		policyID  sql.NullString
		policyVer sql.NullString
		signature sql.NullString
		supersede sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&block.TenantID, &block.Number, &block.Record.ID, &block.Record.AgentID, &payload,
		&policyID, &policyVer, &block.Record.ContentHash, &block.PreviousHash,
		&signature, &supersede, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChainBlock{}, ErrNotFound
		}
		return ChainBlock{}, err
	}
	if err := json.Unmarshal([]byte(payload), &block.Record.Payload); err != nil {
		return ChainBlock{}, fmt.Errorf("ledger: decode payload: %w", err)
	}
	block.Record.TenantID = block.TenantID
	block.Record.PolicyID = policyID.String
	block.Record.PolicyVersion = policyVer.String
	block.Record.Signature = signature.String
	block.Record.Supersedes = supersede.String
	block.Record.PreviousHash = block.PreviousHash
	block.Record.CreatedAt = createdAt
	return block, nil
}
