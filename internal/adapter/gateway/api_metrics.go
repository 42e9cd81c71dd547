package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// MetricsHandler serves the gateway counters in Prometheus text
// exposition format. The format is simple enough that writing it by hand
// beats taking the full prometheus client as a dependency.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var b strings.Builder

		writeCounter := func(name, help string, value int64) {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, value)
		}
		writeGauge := func(name, help string, value int64) {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, value)
		}

		writeGauge("relaygate_sessions_active", "Currently authenticated sessions.", int64(s.registry.Len()))
		writeCounter("relaygate_sessions_total", "Sessions authenticated since start.", s.metrics.SessionsTotal.Load())
		writeCounter("relaygate_handshake_failures_total", "Handshakes rejected since start.", s.metrics.HandshakeFailures.Load())
		writeCounter("relaygate_requests_total", "Request frames received since start.", s.metrics.RequestsTotal.Load())
		writeCounter("relaygate_frames_sent_total", "Frames written to clients since start.", s.metrics.FramesSent.Load())
		writeCounter("relaygate_frames_dropped_total", "Frames dropped for slow clients since start.", s.metrics.FramesDropped.Load())
		writeCounter("relaygate_events_sent_total", "Broadcast events delivered since start.", s.metrics.EventsSent.Load())

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if _, err := w.Write([]byte(b.String())); err != nil {
			s.logger.Error("write metrics response", "error", err)
		}
	}
}
