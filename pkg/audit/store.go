package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query filters stored audit entries. Zero fields are ignored.
type Query struct {
	AgentID  string
	PolicyID string
	TenantID string
	Since    time.Time
	Until    time.Time
}

// Store is a queryable audit sink for the compliance boundary.
type Store interface {
	Logger
	Find(ctx context.Context, q Query) ([]Entry, error)
}

// MemoryStore keeps entries in memory, append-only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

func (m *MemoryStore) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if matches(e, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matches(e Entry, q Query) bool {
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.PolicyID != "" && e.PolicyID != q.PolicyID {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// SQLStore persists audit entries via database/sql.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS policy_audit (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	violated BOOLEAN NOT NULL,
	action TEXT NOT NULL,
	eval_time_ns BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_audit_agent ON policy_audit (agent_id);
CREATE INDEX IF NOT EXISTS idx_policy_audit_policy ON policy_audit (policy_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

func (s *SQLStore) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock().UTC()
	}
	query := `
		INSERT INTO policy_audit (id, policy_id, tier, agent_id, tenant_id, violated, action, eval_time_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.PolicyID, entry.Tier, entry.AgentID, entry.TenantID,
		entry.Violated, entry.Action, int64(entry.EvalTime), entry.Timestamp)
	return err
}

func (s *SQLStore) Find(ctx context.Context, q Query) ([]Entry, error) {
	query := `SELECT id, policy_id, tier, agent_id, tenant_id, violated, action, eval_time_ns, created_at
		FROM policy_audit WHERE 1=1`
	args := make([]any, 0, 5)
	add := func(column, op string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s %s $%d", column, op, len(args))
	}
	if q.AgentID != "" {
		add("agent_id", "=", q.AgentID)
	}
	if q.PolicyID != "" {
		add("policy_id", "=", q.PolicyID)
	}
	if q.TenantID != "" {
		add("tenant_id", "=", q.TenantID)
	}
	if !q.Since.IsZero() {
		add("created_at", ">=", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at", "<=", q.Until)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			evalNS int64
		)
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.Tier, &e.AgentID, &e.TenantID,
			&e.Violated, &e.Action, &evalNS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EvalTime = time.Duration(evalNS)
		out = append(out, e)
	}
	return out, rows.Err()
}
