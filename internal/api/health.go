package api

import "net/http"

// Health handles GET /health. It is intentionally unauthenticated and
// dependency-free so load balancers can probe it.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
