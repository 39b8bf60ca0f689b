package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-labs/trustcore/pkg/attest"
	"github.com/aegis-labs/trustcore/pkg/audit"
	"github.com/aegis-labs/trustcore/pkg/engine"
	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/observability"
	"github.com/aegis-labs/trustcore/pkg/policy"
	"github.com/aegis-labs/trustcore/pkg/trust"
)

// Server bundles the subsystem handles behind the HTTP boundary.
type Server struct {
	pipeline     *engine.Pipeline
	registry     *policy.Registry
	ledger       *ledger.Ledger
	attestations attest.Store
	trust        *trust.Engine
	trail        trust.Trail
	audit        audit.Store
	exporter     *audit.Exporter
	obs          *observability.Provider
	log          *slog.Logger
}

// NewServer builds the HTTP boundary over wired subsystems.
func NewServer(pipeline *engine.Pipeline, registry *policy.Registry, led *ledger.Ledger, attestations attest.Store, trustEngine *trust.Engine, trail trust.Trail, auditStore audit.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		pipeline:     pipeline,
		registry:     registry,
		ledger:       led,
		attestations: attestations,
		trust:        trustEngine,
		trail:        trail,
		audit:        auditStore,
		exporter:     audit.NewExporter(auditStore),
		log:          log.With("component", "api"),
	}
}

// WithObservability attaches a metrics provider so integrity findings
// reach the tamper counter.
func (s *Server) WithObservability(p *observability.Provider) *Server {
	s.obs = p
	return s
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/evidence", s.handleEvidence)
	mux.HandleFunc("/v1/attestations", s.handleAttestations)
	mux.HandleFunc("/v1/chain/verify", s.handleChainVerify)
	mux.HandleFunc("/v1/trust", s.handleTrust)
	mux.HandleFunc("/v1/trust/trail", s.handleTrail)
	mux.HandleFunc("/v1/recovery", s.handleRecovery)
	mux.HandleFunc("/v1/rules", s.handleRules)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Handler wraps the routes with request logging and, when a limiter is
// given, per-IP rate limiting.
func (s *Server) Handler(limiter *RateLimiter) http.Handler {
	var h http.Handler = s.Routes()
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestLogging(s.log, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvidence accepts one evidence record and runs it through the
// full enforcement pipeline.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var sub engine.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if sub.TenantID == "" || sub.AgentID == "" || sub.PolicyRef.ID == "" {
		WriteBadRequest(w, "Missing required fields: tenant_id, agent_id, policy_ref.id")
		return
	}

	receipt, err := s.pipeline.Submit(r.Context(), sub)
	if err != nil {
		WriteReasoned(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleAttestations lists the attestations recorded for one evidence
// record, for compliance tooling.
func (s *Server) handleAttestations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	evidenceID := r.URL.Query().Get("evidence_id")
	if evidenceID == "" {
		WriteBadRequest(w, "Missing required parameter: evidence_id")
		return
	}

	rows, err := s.attestations.ByEvidence(r.Context(), evidenceID)
	if err != nil {
		if errors.Is(err, attest.ErrNotFound) {
			WriteNotFound(w, "No attestations for evidence "+evidenceID)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type chainVerifyResponse struct {
	TenantID string `json:"tenant_id"`
	Valid    bool   `json:"valid"`
	Length   uint64 `json:"length"`
}

// handleChainVerify verifies a tenant chain or a range of it. A tamper
// finding is a hard integrity failure reported with the offending block.
func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		WriteBadRequest(w, "Missing required parameter: tenant_id")
		return
	}

	length, err := s.ledger.Length(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if q.Get("from") == "" && q.Get("to") == "" {
		err = s.ledger.VerifyAll(r.Context(), tenantID)
	} else {
		from, ferr := strconv.ParseUint(q.Get("from"), 10, 64)
		to, terr := strconv.ParseUint(q.Get("to"), 10, 64)
		if ferr != nil || terr != nil {
			WriteBadRequest(w, "Parameters from and to must be block numbers")
			return
		}
		err = s.ledger.VerifyChain(r.Context(), tenantID, from, to)
	}

	var tamper *ledger.TamperError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, chainVerifyResponse{TenantID: tenantID, Valid: true, Length: length})
	case errors.As(err, &tamper):
		s.log.Error("chain tamper detected", "tenant", tamper.TenantID, "block", tamper.BlockNumber)
		if s.obs != nil {
			s.obs.RecordTamper(r.Context(), tamper.TenantID, tamper.BlockNumber)
		}
		writeProblem(w, &ProblemDetail{
			Type:   "https://trustcore.aegis-labs.dev/errors/409",
			Title:  http.StatusText(http.StatusConflict),
			Status: http.StatusConflict,
			Detail: tamper.Error(),
			Reason: string(engine.ReasonTamperDetected),
		})
	default:
		WriteBadRequest(w, err.Error())
	}
}

// handleTrust returns an agent's current trust record.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		WriteBadRequest(w, "Missing required parameter: agent_id")
		return
	}
	writeJSON(w, http.StatusOK, s.trust.Snapshot(agentID))
}

// handleTrail returns the reputation trail for an agent.
func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		WriteBadRequest(w, "Missing required parameter: agent_id")
		return
	}
	entries, err := s.trail.ByAgent(r.Context(), agentID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type recoveryRequest struct {
	AgentID string  `json:"agent_id"`
	Stake   float64 `json:"stake"`
}

// handleRecovery accepts a staked recovery attempt for a quarantined
// agent.
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}

	record, err := s.trust.SubmitRecovery(r.Context(), req.AgentID, req.Stake)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, record)
	case errors.Is(err, trust.ErrBlacklisted):
		WriteError(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, trust.ErrNotQuarantined):
		WriteConflict(w, err.Error())
	case errors.Is(err, trust.ErrInsufficientStake):
		WriteError(w, http.StatusPaymentRequired, "Insufficient Stake", err.Error())
	default:
		WriteInternal(w, err)
	}
}

// handleRules upserts a rule version (POST) or looks rules up (GET).
// GET with id resolves one rule; GET without id lists active rules,
// optionally scoped to a role.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var buf json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}
		rule, err := s.registry.LoadJSON(buf)
		if err != nil {
			WriteReasoned(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)

	case http.MethodGet:
		q := r.URL.Query()
		if id := q.Get("id"); id != "" {
			rule, err := s.registry.Resolve(id, q.Get("version"))
			if err != nil {
				WriteReasoned(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rule)
			return
		}
		writeJSON(w, http.StatusOK, s.registry.Active(q.Get("role")))

	default:
		WriteMethodNotAllowed(w)
	}
}

// handleAudit queries policy evaluation entries for compliance reports.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	query := audit.Query{
		AgentID:  q.Get("agent_id"),
		PolicyID: q.Get("policy_id"),
		TenantID: q.Get("tenant_id"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "Parameter since must be RFC 3339")
			return
		}
		query.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "Parameter until must be RFC 3339")
			return
		}
		query.Until = t
	}

	entries, err := s.audit.Find(r.Context(), query)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAuditExport streams a tenant's audit entries as a checksummed
// zip pack for offline compliance review.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	req := audit.ExportRequest{TenantID: q.Get("tenant_id")}
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "Parameter start must be RFC 3339")
			return
		}
		req.StartTime = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "Parameter end must be RFC 3339")
			return
		}
		req.EndTime = t
	}

	pack, checksum, err := s.exporter.GeneratePack(r.Context(), req)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-pack-`+req.TenantID+`.zip"`)
		w.Header().Set("X-Checksum-Sha256", checksum)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pack)
	case errors.Is(err, audit.ErrEmptyTenantID), errors.Is(err, audit.ErrInvalidTimeRange):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
