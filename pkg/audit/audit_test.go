package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(policy, agent, tenant string, violated bool) Entry {
	return Entry{
		PolicyID: policy,
		Tier:     "GLOBAL",
		AgentID:  agent,
		TenantID: tenant,
		Violated: violated,
		Action:   "block",
		EvalTime: 120 * time.Microsecond,
	}
}

func TestLineLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Record(context.Background(), testEntry("spend-limit", "agent-1", "tenant-a", true)))
	require.NoError(t, logger.Record(context.Background(), testEntry("spend-limit", "agent-2", "tenant-a", false)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "AUDIT: "))
		var e Entry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &e))
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestMemoryStoreQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, testEntry("spend-limit", "agent-1", "tenant-a", true)))
	require.NoError(t, store.Record(ctx, testEntry("spend-limit", "agent-2", "tenant-a", false)))
	require.NoError(t, store.Record(ctx, testEntry("role-scope", "agent-1", "tenant-b", false)))

	byAgent, err := store.Find(ctx, Query{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byPolicy, err := store.Find(ctx, Query{PolicyID: "spend-limit", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, byPolicy, 2)

	none, err := store.Find(ctx, Query{AgentID: "agent-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreTimeRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := testEntry("spend-limit", "agent-1", "tenant-a", false)
		e.Timestamp = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Record(ctx, e))
	}

	mid, err := store.Find(ctx, Query{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, mid, 3)
}

func TestMultiLoggerFansOut(t *testing.T) {
	var buf bytes.Buffer
	store := NewMemoryStore()
	logger := MultiLogger{NewLoggerWithWriter(&buf), store}

	require.NoError(t, logger.Record(context.Background(), testEntry("spend-limit", "agent-1", "tenant-a", true)))

	assert.Contains(t, buf.String(), "spend-limit")
	entries, err := store.Find(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExporterGeneratesChecksummedPack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, testEntry("spend-limit", "agent-1", "tenant-a", true)))
	require.NoError(t, store.Record(ctx, testEntry("role-scope", "agent-1", "tenant-a", false)))

	exporter := NewExporter(store)
	pack, checksum, err := exporter.GeneratePack(ctx, ExportRequest{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["entries.json"])
	assert.True(t, names["manifest.json"])
}

func TestExporterValidation(t *testing.T) {
	exporter := NewExporter(NewMemoryStore())
	ctx := context.Background()

	_, _, err := exporter.GeneratePack(ctx, ExportRequest{})
	require.ErrorIs(t, err, ErrEmptyTenantID)

	_, _, err = exporter.GeneratePack(ctx, ExportRequest{
		TenantID:  "tenant-a",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	require.ErrorIs(t, err, ErrInvalidTimeRange)

	nilStore := NewExporter(nil)
	_, _, err = nilStore.GeneratePack(ctx, ExportRequest{TenantID: "tenant-a"})
	require.ErrorIs(t, err, ErrStoreNotConfigured)
}
