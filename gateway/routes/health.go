package routes

import "net/http"

type healthChain struct {
	TotalEvents int    `json:"total_events"`
	ChainValid  bool   `json:"chain_valid"`
	BreakAt     string `json:"break_at,omitempty"`
}

type healthResponse struct {
	Status  string      `json:"status"`
	Service string      `json:"service"`
	Chain   healthChain `json:"chain"`
}

// handleHealth implements GET /health (spec §6): status plus a chain
// verify summary, bounded by MaxVerifyEvents (0 means the full chain).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.Ledger.Verify(r.Context(), s.MaxVerifyEvents)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "error", Service: "gavel"})
		return
	}

	status := http.StatusOK
	statusText := "ok"
	if !result.ChainValid {
		status = http.StatusServiceUnavailable
		statusText = "chain_broken"
	}
	writeJSON(w, status, healthResponse{
		Status:  statusText,
		Service: "gavel",
		Chain: healthChain{
			TotalEvents: result.TotalEvents,
			ChainValid:  result.ChainValid,
			BreakAt:     result.BreakAt,
		},
	})
}
