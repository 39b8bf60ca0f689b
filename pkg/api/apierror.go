// Package api exposes the HTTP boundary: evidence submission,
// attestation queries, chain verification, trust and recovery, rule
// management, and audit queries. Error responses follow RFC 7807.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aegis-labs/trustcore/pkg/engine"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Reason carries the pipeline reason code when the failure came from a
// submission.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://trustcore.aegis-labs.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteReasoned maps a pipeline error to an HTTP status and writes the
// problem with its reason code attached.
func WriteReasoned(w http.ResponseWriter, err error) {
	reason := engine.Reason(err)
	status := statusForReason(reason)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details are logged, never exposed.
		slog.Error("internal server error", "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://trustcore.aegis-labs.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Reason: string(reason),
	})
}

func statusForReason(reason engine.ReasonCode) int {
	switch reason {
	case engine.ReasonAgentFrozen:
		return http.StatusForbidden
	case engine.ReasonPolicyNotFound:
		return http.StatusNotFound
	case engine.ReasonMalformedRule:
		return http.StatusUnprocessableEntity
	case engine.ReasonDuplicateEvidence, engine.ReasonTamperDetected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
