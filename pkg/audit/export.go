package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyTenantID is returned when tenant ID is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type packManifest struct {
	TenantID    string    `json:"tenant_id"`
	GeneratedAt time.Time `json:"generated_at"`
	EntryCount  int       `json:"entry_count"`
	Checksum    string    `json:"checksum"`
}

// Exporter bundles audit entries into checksummed compliance packs.
type Exporter struct {
	store Store
	clock func() time.Time
}

func NewExporter(s Store) *Exporter {
	return &Exporter{store: s, clock: time.Now}
}

// GeneratePack creates a zip containing the matching entries and a
// manifest with their checksum. Returns the archive and its checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	entries, err := e.store.Find(ctx, Query{
		TenantID: req.TenantID,
		Since:    req.StartTime,
		Until:    req.EndTime,
	})
	if err != nil {
		return nil, "", fmt.Errorf("audit: query entries: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(entriesJSON)
	checksum := hex.EncodeToString(sum[:])

	manifest := packManifest{
		TenantID:    req.TenantID,
		GeneratedAt: e.clock().UTC(),
		EntryCount:  len(entries),
		Checksum:    checksum,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string][]byte{
		"entries.json":  entriesJSON,
		"manifest.json": manifestJSON,
	} {
		f, err := zw.Create(name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(content); err != nil {
			return nil, "", err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), checksum, nil
}
