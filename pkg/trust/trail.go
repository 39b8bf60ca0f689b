package trust

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/aegis-labs/trustcore/pkg/attest"
)

// MemoryTrail keeps the reputation trail in memory.
type MemoryTrail struct {
	mu      sync.RWMutex
	byAgent map[string][]TrailEntry
}

func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{byAgent: make(map[string][]TrailEntry)}
}

func (m *MemoryTrail) Append(ctx context.Context, entry TrailEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAgent[entry.AgentID] = append(m.byAgent[entry.AgentID], entry)
	return nil
}

func (m *MemoryTrail) ByAgent(ctx context.Context, agentID string) ([]TrailEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.byAgent[agentID]
	out := make([]TrailEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SQLTrail persists the reputation trail via database/sql.
type SQLTrail struct {
	db *sql.DB
}

func NewSQLTrail(db *sql.DB) *SQLTrail {
	return &SQLTrail{db: db}
}

const trailSchema = `
CREATE TABLE IF NOT EXISTS reputation_trail (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	verdict TEXT,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	level DOUBLE PRECISION NOT NULL,
	drift_delta DOUBLE PRECISION NOT NULL,
	tax_levied DOUBLE PRECISION NOT NULL,
	reasoning TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trail_agent ON reputation_trail (agent_id);
`

func (s *SQLTrail) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, trailSchema)
	return err
}

func (s *SQLTrail) Append(ctx context.Context, entry TrailEntry) error {
	query := `
		INSERT INTO reputation_trail (id, agent_id, verdict, from_state, to_state,
			level, drift_delta, tax_levied, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.AgentID, string(entry.Verdict), string(entry.FromState), string(entry.ToState),
		entry.Level, entry.DriftDelta, entry.TaxLevied, entry.Reasoning, entry.CreatedAt)
	return err
}

func (s *SQLTrail) ByAgent(ctx context.Context, agentID string) ([]TrailEntry, error) {
	query := `SELECT id, agent_id, verdict, from_state, to_state, level, drift_delta, tax_levied, reasoning, created_at
		FROM reputation_trail WHERE agent_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]TrailEntry, 0)
	for rows.Next() {
		var (
			e         TrailEntry
			verdict   string
			from, to  string
			createdAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &verdict, &from, &to,
			&e.Level, &e.DriftDelta, &e.TaxLevied, &e.Reasoning, &createdAt); err != nil {
			return nil, err
		}
		e.Verdict = attest.Verdict(verdict)
		e.FromState = State(from)
		e.ToState = State(to)
		e.CreatedAt = createdAt
		out = append(out, e)
	}
	return out, rows.Err()
}
