package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes /metrics and /health on a dedicated port, independent of
// the control-plane API's own combined listener. Deployments that scrape
// metrics from a separate, unauthenticated port (the common Prometheus
// pattern) start this alongside internal/api's Server rather than instead
// of it.
type Server struct {
	server *http.Server
	log    *zap.Logger
}

// NewServer builds a Server bound to ":"+port.
func NewServer(port string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: ":" + port, Handler: mux},
		log:    logger,
	}
}

// StartAsync runs the server in a background goroutine. Errors other than a
// clean shutdown are logged, not returned, since there is no caller left to
// receive them once the goroutine is running.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
