package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lichangche/cntlm/internal/logger"
)

// Server exposes /metrics and /healthz on a dedicated listener. It is
// only started when metrics are enabled in the configuration.
type Server struct {
	server *http.Server
}

// NewServer builds the metrics HTTP server for the given bind address.
func NewServer(addr string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("Metrics endpoint listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
}

// Stop shuts the endpoint down.
func (s *Server) Stop(ctx context.Context) {
	_ = s.server.Shutdown(ctx)
}
