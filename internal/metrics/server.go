package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	path       string
	logger     *slog.Logger
	allowed    *ipfilter.Filter
	trusted    *ipfilter.Filter
}

// NewServer creates a new metrics HTTP server.
// allowedIPs restricts the metrics path; an empty list allows all.
func NewServer(m *Metrics, addr, path string, allowedIPs, trustedProxies []string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		metrics: m,
		addr:    addr,
		path:    path,
		logger:  logger,
		allowed: ipfilter.New(allowedIPs, logger),
		trusted: ipfilter.New(trustedProxies, logger),
	}

	if s.allowed.Enabled() {
		logger.Info("metrics IP filtering enabled", "allowed_networks", s.allowed.Count())
	}

	return s
}

// Handler returns the metrics HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
	mux.Handle(s.path, s.allowed.HTTPMiddleware(s.trusted)(handler))

	// Health check endpoint (no IP filtering - useful for load balancers)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
