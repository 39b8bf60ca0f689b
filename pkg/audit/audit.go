// Package audit records every policy evaluation as an append-only entry
// for compliance queries. Entries are write-once; the package exposes no
// update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one immutable policy evaluation outcome.
type Entry struct {
	ID        string        `json:"id"`
	PolicyID  string        `json:"policy_id"`
	Tier      string        `json:"tier"`
	AgentID   string        `json:"agent_id"`
	TenantID  string        `json:"tenant_id"`
	Violated  bool          `json:"violated"`
	Action    string        `json:"action"`
	EvalTime  time.Duration `json:"eval_time_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Logger records audit entries.
type Logger interface {
	Record(ctx context.Context, entry Entry) error
}

// lineLogger writes entries as JSON lines to a writer.
type lineLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing JSON lines to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &lineLogger{writer: w, clock: time.Now}
}

func (l *lineLogger) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// MultiLogger fans one entry out to several loggers (e.g. JSON lines plus
// a queryable store).
type MultiLogger []Logger

func (m MultiLogger) Record(ctx context.Context, entry Entry) error {
	for _, l := range m {
		if err := l.Record(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
