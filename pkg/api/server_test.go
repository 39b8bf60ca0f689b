package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/trustcore/pkg/attest"
	"github.com/aegis-labs/trustcore/pkg/audit"
	"github.com/aegis-labs/trustcore/pkg/engine"
	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/observability"
	"github.com/aegis-labs/trustcore/pkg/policy"
	"github.com/aegis-labs/trustcore/pkg/trust"
)

type stubVerifier struct {
	kind   attest.Kind
	status attest.Status
}

func (s stubVerifier) Kind() attest.Kind { return s.kind }

func (s stubVerifier) Verify(ctx context.Context, block ledger.ChainBlock) (attest.Attestation, error) {
	return attest.Attestation{
		EvidenceID: block.Record.ID,
		Kind:       s.kind,
		Status:     s.status,
		Confidence: 0.9,
		Reasoning:  "stubbed",
	}, nil
}

type testServer struct {
	handler  http.Handler
	registry *policy.Registry
	trust    *trust.Engine
}

func newTestServer(t *testing.T, statuses ...attest.Status) *testServer {
	t.Helper()
	return newTestServerWith(t, ledger.NewMemoryStore(), statuses...)
}

func newTestServerWith(t *testing.T, blocks ledger.BlockStore, statuses ...attest.Status) *testServer {
	t.Helper()
	log := slog.Default()

	registry, err := policy.NewRegistry(log, policy.SystemClock())
	require.NoError(t, err)

	kinds := []attest.Kind{attest.KindConsensus, attest.KindAnomaly, attest.KindCrypto}
	verifiers := make([]attest.Verifier, len(statuses))
	for i, st := range statuses {
		verifiers[i] = stubVerifier{kind: kinds[i%len(kinds)], status: st}
	}

	led := ledger.New(blocks, log)
	attestStore := attest.NewMemoryStore()
	trail := trust.NewMemoryTrail()
	trustEngine := trust.NewEngine(trust.DefaultConfig(), trail, log)
	auditStore := audit.NewMemoryStore()

	pipeline := engine.New(
		registry,
		led,
		attest.NewAggregator(attestStore, log, verifiers...),
		trustEngine,
		auditStore,
		log,
	)

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	server := NewServer(pipeline, registry, led, attestStore, trustEngine, trail, auditStore, log).
		WithObservability(obs)
	return &testServer{
		handler:  server.Handler(nil),
		registry: registry,
		trust:    trustEngine,
	}
}

func (ts *testServer) spendLimitRule(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.registry.Put(&policy.Rule{
		ID:      "spend-limit",
		Version: "1.0.0",
		Tier:    policy.TierGlobal,
		Logic: map[string]any{
			">": []any{map[string]any{"var": "amount"}, 1000},
		},
		Action: policy.Action{OnPass: "allow", OnFail: "block"},
		Active: true,
	}))
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func approvedAll() []attest.Status {
	return []attest.Status{attest.StatusApproved, attest.StatusApproved, attest.StatusApproved}
}

func evidenceBody(amount float64) engine.Submission {
	return engine.Submission{
		TenantID:         "tenant-1",
		AgentID:          "agent-1",
		PolicyRef:        engine.PolicyRef{ID: "spend-limit"},
		Payload:          map[string]any{"amount": amount},
		TransactionValue: 100,
	}
}

func TestEvidenceSubmission(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	ts.spendLimitRule(t)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusCreated, rec.Code)

	var receipt engine.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.False(t, receipt.Violated)
	assert.Equal(t, attest.VerdictVerified, receipt.Verdict)
	assert.NotEmpty(t, receipt.RecordID)

	// The attestation boundary returns one row per verifier kind.
	rec = ts.do(t, http.MethodGet, "/v1/attestations?evidence_id="+receipt.RecordID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []attest.Attestation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 3)
}

func TestEvidenceValidation(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", map[string]any{"tenant_id": "tenant-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/evidence", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEvidenceUnknownPolicy(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, string(engine.ReasonPolicyNotFound), problem.Reason)
}

func TestEvidenceFrozenAgent(t *testing.T) {
	ts := newTestServer(t, attest.StatusRejected, attest.StatusRejected, attest.StatusRejected)
	ts.spendLimitRule(t)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(600))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, string(engine.ReasonAgentFrozen), problem.Reason)
}

func TestAttestationsNotFound(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)

	rec := ts.do(t, http.MethodGet, "/v1/attestations?evidence_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/attestations", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChainVerify(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	ts.spendLimitRule(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(float64(100+i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/chain/verify?tenant_id=tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp chainVerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, uint64(3), resp.Length)

	rec = ts.do(t, http.MethodGet, "/v1/chain/verify?tenant_id=tenant-1&from=0&to=1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/chain/verify?tenant_id=tenant-1&from=x&to=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/chain/verify", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// tamperedBlocks rewrites one block payload on the way out, simulating
// storage mutated behind the ledger's back.
type tamperedBlocks struct {
	ledger.BlockStore
	target uint64
}

func (s *tamperedBlocks) Range(ctx context.Context, tenantID string, from, to uint64) ([]ledger.ChainBlock, error) {
	blocks, err := s.BlockStore.Range(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	for i := range blocks {
		if blocks[i].Number == s.target {
			blocks[i].Record.Payload = map[string]any{"amount": "rewritten"}
		}
	}
	return blocks, nil
}

func TestChainVerifyReportsTamper(t *testing.T) {
	blocks := &tamperedBlocks{BlockStore: ledger.NewMemoryStore(), target: 1}
	ts := newTestServerWith(t, blocks, approvedAll()...)
	ts.spendLimitRule(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(float64(100+i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/chain/verify?tenant_id=tenant-1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, string(engine.ReasonTamperDetected), problem.Reason)
	assert.Contains(t, problem.Detail, "block 1")
}

func TestTrustAndTrail(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	ts.spendLimitRule(t)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/trust?agent_id=agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record trust.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, trust.StateActive, record.State)
	assert.Greater(t, record.Scores.Level(), 0.5)

	rec = ts.do(t, http.MethodGet, "/v1/trust/trail?agent_id=agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []trust.TrailEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)

	rec = ts.do(t, http.MethodGet, "/v1/trust", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecovery(t *testing.T) {
	ts := newTestServer(t, attest.StatusRejected, attest.StatusRejected, attest.StatusRejected)
	ts.spendLimitRule(t)

	// Not quarantined yet.
	rec := ts.do(t, http.MethodPost, "/v1/recovery", recoveryRequest{AgentID: "agent-1", Stake: 100})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, ts.trust.Frozen("agent-1"))

	rec = ts.do(t, http.MethodPost, "/v1/recovery", recoveryRequest{AgentID: "agent-1", Stake: 10})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/recovery", recoveryRequest{AgentID: "agent-1", Stake: 250})
	require.Equal(t, http.StatusOK, rec.Code)
	var record trust.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, trust.StateProbation, record.State)
}

func TestRulesEndpoint(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)

	doc := map[string]any{
		"id":      "region-limit",
		"version": "1.0.0",
		"tier":    "GLOBAL",
		"logic": map[string]any{
			"==": []any{map[string]any{"var": "region"}, "forbidden"},
		},
		"action": map[string]any{"on_pass": "allow", "on_fail": "block"},
		"active": true,
	}
	rec := ts.do(t, http.MethodPost, "/v1/rules", doc)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/rules?id=region-limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule policy.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "1.0.0", rule.Version)

	rec = ts.do(t, http.MethodGet, "/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "region-limit"))

	// Schema rejection surfaces a malformed-rule problem.
	bad := map[string]any{"id": "x"}
	rec = ts.do(t, http.MethodPost, "/v1/rules", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/rules?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	ts.spendLimitRule(t)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(5000))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit?agent_id=agent-1&policy_id=spend-limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Violated)

	rec = ts.do(t, http.MethodGet, "/v1/audit?since=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditExportEndpoint(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	ts.spendLimitRule(t)

	rec := ts.do(t, http.MethodPost, "/v1/evidence", evidenceBody(500))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit/export?tenant_id=tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Checksum-Sha256"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"entries.json", "manifest.json"}, names)

	rec = ts.do(t, http.MethodGet, "/v1/audit/export", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet,
		"/v1/audit/export?tenant_id=tenant-1&start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/audit/export?tenant_id=tenant-1&start=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	ts := newTestServer(t, approvedAll()...)
	limited := RequestLogging(slog.Default(), NewRateLimiter(1, 1).Middleware(ts.handler))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	limited.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	limited.ServeHTTP(second, req.Clone(req.Context()))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "5", second.Header().Get("Retry-After"))
}
