package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
)

// logRequests logs request details and response metrics of every request
// served by next.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.Debug(
			fmt.Sprintf("%s %s", r.Method, r.URL),
			"response_code", m.Code,
			"duration", m.Duration,
			"bytes_sent", m.Written,
			"remote_addr", r.RemoteAddr,
		)
	})
}
