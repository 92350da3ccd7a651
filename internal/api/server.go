// Package api serves the public form endpoints, the cron trigger and the admin API.
package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/foxzi/mailgate/internal/metrics"
	"github.com/foxzi/mailgate/internal/queue"
	"github.com/foxzi/mailgate/internal/template"
)

// Evaluator decides whether a form submission is allowed
type Evaluator interface {
	Evaluate(ctx context.Context, sub *abuse.Submission) *abuse.Verdict
	// Refund gives back the rate limit slot an allowed verdict consumed
	Refund(ctx context.Context, v *abuse.Verdict)
}

// Enqueuer persists outbound emails
type Enqueuer interface {
	QueueEmail(ctx context.Context, req *queue.EmailRequest) (*queue.Email, error)
}

// BatchRunner runs one queue worker batch
type BatchRunner interface {
	RunBatch(ctx context.Context) (*queue.BatchResult, error)
}

// Options contains the server dependencies
type Options struct {
	Config    *config.APIConfig
	Filter    *config.FilterConfig
	Notify    *config.NotifyConfig
	Evaluator Evaluator
	Producer  Enqueuer
	Processor BatchRunner
	Store     queue.Store
	Audit     abuse.AuditStore
	Templates *template.Engine
	TLS       *tls.Config // nil serves plain HTTP
	Version   string
	Logger    *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	config    *config.APIConfig
	filterCfg *config.FilterConfig
	notify    *config.NotifyConfig
	evaluator Evaluator
	producer  Enqueuer
	processor BatchRunner
	store     queue.Store
	audit     abuse.AuditStore
	templates *template.Engine
	tlsConfig *tls.Config
	trusted   *ipfilter.Filter
	adminIPs  *ipfilter.Filter
	version   string

	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger.With("component", "api")

	s := &Server{
		router:    chi.NewRouter(),
		config:    opts.Config,
		filterCfg: opts.Filter,
		notify:    opts.Notify,
		evaluator: opts.Evaluator,
		producer:  opts.Producer,
		processor: opts.Processor,
		store:     opts.Store,
		audit:     opts.Audit,
		templates: opts.Templates,
		tlsConfig: opts.TLS,
		trusted:   ipfilter.New(opts.Config.TrustedProxies, logger),
		adminIPs:  ipfilter.New(opts.Config.AllowedIPs, logger),
		version:   opts.Version,
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}

	if s.config.CronSecret == "" {
		s.logger.Warn("api.cron_secret is empty, the queue trigger accepts unauthenticated requests")
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/forms", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(s.maxBodyMiddleware)

		for name := range forms {
			r.Post("/"+name, s.handleForm(name))
		}
	})

	s.router.Route("/api/cron", func(r chi.Router) {
		r.Use(s.cronAuthMiddleware)
		r.Get("/process-email-queue", s.handleProcessQueue)
		r.Post("/process-email-queue", s.handleProcessQueue)
	})

	if s.config.AdminKey == "" && s.config.AdminKeyHash == "" {
		s.logger.Info("admin API disabled, no admin key configured")
		return
	}

	s.router.Route("/api/admin", func(r chi.Router) {
		r.Use(s.adminIPs.HTTPMiddleware(s.trusted))
		r.Use(s.adminAuthMiddleware)

		r.Get("/email-queue", s.handleQueueList)
		r.Get("/email-queue/{id}", s.handleQueueGet)
		r.Post("/email-queue/{id}/retry", s.handleQueueRetry)
		r.Get("/blocked-requests", s.handleBlockedList)
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
