package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"relaygate/internal/protocol"
)

// StatusResponse is the JSON body served at /api/v1/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Protocol      int    `json:"protocol"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
	SessionsTotal int64  `json:"sessionsTotal"`
	Requests      int64  `json:"requests"`
	EventsSent    int64  `json:"eventsSent"`
}

// StatusHandler reports liveness and headline counters as JSON.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := StatusResponse{
			Status:        "ok",
			Protocol:      protocol.Version,
			UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
			Sessions:      s.registry.Len(),
			SessionsTotal: s.metrics.SessionsTotal.Load(),
			Requests:      s.metrics.RequestsTotal.Load(),
			EventsSent:    s.metrics.EventsSent.Load(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error("write status response", "error", err)
		}
	}
}
