// Package control runs the optional observability HTTP listener.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
)

// Start launches the control server on listen, returning nil when listen
// is empty. The caller shuts it down with http.Server.Shutdown.
func Start(listen string, logger *slog.Logger) *http.Server {
	if listen == "" {
		return nil
	}
	logger = logging.OrDiscard(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	// pprof for memory/goroutine profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server error", "error", err)
		}
	}()
	logger.Info("control server listening", "addr", listen)
	return server
}
