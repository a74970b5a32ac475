// Package api implements the HTTP surface: job submission (three variants),
// SSE log streaming, job listing and retrieval, and health. Chi is the
// router. All endpoints except /health and /metrics sit behind bearer-key
// authentication; authorization is ownership-based. Handlers are stateless —
// every mutation goes through the store, every long stream through the
// sandbox driver.
package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON-encoded response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errDetail is the error body shape: {"detail": "..."}.
func errDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func errNotFound(w http.ResponseWriter) {
	errDetail(w, http.StatusNotFound, "Job not found")
}

func errForbidden(w http.ResponseWriter, message string) {
	errDetail(w, http.StatusForbidden, message)
}

func errUnauthorized(w http.ResponseWriter, message string) {
	errDetail(w, http.StatusUnauthorized, message)
}

func errBadRequest(w http.ResponseWriter, message string) {
	errDetail(w, http.StatusBadRequest, message)
}

func errInternal(w http.ResponseWriter) {
	errDetail(w, http.StatusInternalServerError, "Internal server error")
}
