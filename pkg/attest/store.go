package attest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps attestations in memory, indexed by evidence id.
type MemoryStore struct {
	mu         sync.RWMutex
	byEvidence map[string][]Attestation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEvidence: make(map[string][]Attestation)}
}

func (m *MemoryStore) Save(ctx context.Context, a Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byEvidence[a.EvidenceID] = append(m.byEvidence[a.EvidenceID], a)
	return nil
}

func (m *MemoryStore) ByEvidence(ctx context.Context, evidenceID string) ([]Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atts := m.byEvidence[evidenceID]
	if len(atts) == 0 {
		return nil, fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID)
	}
	out := make([]Attestation, len(atts))
	copy(out, atts)
	return out, nil
}

// SQLStore persists attestations via database/sql (Postgres or SQLite).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const attestationSchema = `
CREATE TABLE IF NOT EXISTS attestations (
	id TEXT PRIMARY KEY,
	evidence_id TEXT NOT NULL,
	verifier_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	reasoning TEXT,
	proof TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attestations_evidence ON attestations (evidence_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, attestationSchema)
	return err
}

func (s *SQLStore) Save(ctx context.Context, a Attestation) error {
	proof, err := json.Marshal(a.Proof)
	if err != nil {
		return fmt.Errorf("attest: marshal proof: %w", err)
	}
	query := `
		INSERT INTO attestations (id, evidence_id, verifier_kind, status, confidence, reasoning, proof, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.EvidenceID, string(a.Kind), string(a.Status), a.Confidence,
		a.Reasoning, string(proof), a.CreatedAt)
	return err
}

func (s *SQLStore) ByEvidence(ctx context.Context, evidenceID string) ([]Attestation, error) {
	query := `SELECT id, evidence_id, verifier_kind, status, confidence, reasoning, proof, created_at
		FROM attestations WHERE evidence_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, evidenceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Attestation, 0)
	for rows.Next() {
		var (
			a         Attestation
			kind      string
			status    string
			proof     string
			createdAt time.Time
		)
		if err := rows.Scan(&a.ID, &a.EvidenceID, &kind, &status, &a.Confidence,
			&a.Reasoning, &proof, &createdAt); err != nil {
			return nil, err
		}
		a.Kind = Kind(kind)
		a.Status = Status(status)
		a.CreatedAt = createdAt
		if proof != "" && proof != "null" {
			if err := json.Unmarshal([]byte(proof), &a.Proof); err != nil {
				return nil, fmt.Errorf("attest: decode proof: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID)
	}
	return out, nil
}
