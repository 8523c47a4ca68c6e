package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAdminServer returns an *http.Server exposing the counters registered
// in this package at /metrics, and a trivial /ping liveness check, on
// addr. Grounded on linkerd-linkerd2's pkg/admin.NewServer, trimmed to
// this module's single concern (no pprof: this process has no separate
// debug-build story).
func NewAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}
