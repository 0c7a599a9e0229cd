package httpapi

import "net/http"

// handlePerfLatency reports rolling per-stage latency of recent chat turns.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
