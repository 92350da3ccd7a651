package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/api"
	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/distlock"
	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/foxzi/mailgate/internal/metrics"
	"github.com/foxzi/mailgate/internal/queue"
	"github.com/foxzi/mailgate/internal/ratelimit"
	"github.com/foxzi/mailgate/internal/template"
	mgtls "github.com/foxzi/mailgate/internal/tls"
	"github.com/foxzi/mailgate/internal/transport"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	storage    *Storage
	redis      *redis.Client
	limiterDB  *bolt.DB
	limiter    ratelimit.Limiter
	reputation *abuse.Reputation
	filter     *abuse.Filter
	processor  *queue.Processor
	cleaner    *queue.Cleaner

	apiServer     *api.Server
	acmeManager   *mgtls.ACMEManager
	acmeServer    *http.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	a := &App{
		config: cfg,
		logger: logger,
	}
	if err := a.build(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger
	ctx := context.Background()

	storage, err := OpenStorage(cfg, logger)
	if err != nil {
		return err
	}
	a.storage = storage

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	// Metrics are registered first so every component reports into them
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, cfg.API.TrustedProxies, logger)
		a.collector = metrics.NewCollector(m, queueStats{store: storage.Queue},
			cfg.Metrics.FlushInterval, logger.With("component", "metrics"))
	}

	if err := a.buildFilter(); err != nil {
		return err
	}

	t, err := transport.New(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	logger.Info("email transport configured", "provider", t.Name())

	backoff := queue.Exponential(cfg.Queue.BackoffBase)
	if cfg.Queue.BackoffMax > 0 {
		backoff = queue.Capped(backoff, cfg.Queue.BackoffMax)
	}

	a.processor = queue.NewProcessor(
		storage.Queue,
		transport.NewQueueSender(t, cfg.Transport.From),
		queue.ProcessorConfig{
			BatchSize:    cfg.Queue.BatchSize,
			BatchBudget:  cfg.Queue.BatchBudget,
			SendTimeout:  cfg.Queue.SendTimeout,
			StaleAfter:   cfg.Queue.StaleAfter,
			PollInterval: cfg.Queue.PollInterval,
			Backoff:      backoff,
		},
		logger,
	)
	a.processor.SetErrorClassifier(transport.ClassifyError)

	if cfg.Queue.Lock.Enabled {
		lock, err := a.batchLock()
		if err != nil {
			return err
		}
		a.processor.SetLocker(lock)
		logger.Info("queue batch lock enabled", "backend", cfg.Queue.Lock.Backend, "name", cfg.Queue.Lock.Name)
	}

	a.cleaner = queue.NewCleaner(storage.Queue, queue.CleanerConfig{
		SentMaxAge: cfg.Storage.Retention.SentMaxAge,
		Interval:   cfg.Storage.Retention.CleanupInterval,
	}, logger)

	templates, err := template.NewEngine(cfg.Notify.TemplatesDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	tlsConfig, err := a.buildTLS()
	if err != nil {
		return err
	}

	a.apiServer = api.NewServer(api.Options{
		Config:    &cfg.API,
		Filter:    &cfg.Filter,
		Notify:    &cfg.Notify,
		Evaluator: a.filter,
		Producer:  queue.NewProducer(storage.Queue, cfg.Queue.MaxAttempts, logger),
		Processor: a.processor,
		Store:     storage.Queue,
		Audit:     storage.Audit,
		Templates: templates,
		TLS:       tlsConfig,
		Version:   version,
		Logger:    logger,
	})

	return nil
}

// buildTLS returns the API listener TLS configuration, nil for plain HTTP
func (a *App) buildTLS() (*tls.Config, error) {
	tc := a.config.API.TLS
	switch {
	case tc.ACME.Enabled:
		a.acmeManager = mgtls.NewACMEManager(tc.ACME.Email, tc.ACME.Domains, tc.ACME.CacheDir)
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", tc.ACME.Domains)
		return a.acmeManager.TLSConfig(), nil
	case tc.CertFile != "":
		tlsConfig, err := mgtls.LoadCertificate(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, err
		}
		if info, err := mgtls.ReadCertificateInfo(tc.CertFile); err == nil {
			a.logger.Info("TLS certificate loaded", "subject", info.Domain, "days_left", info.DaysLeft)
		}
		return tlsConfig, nil
	}
	return nil, nil
}

// buildFilter assembles the abuse filter with its lists, limiter and reputation
func (a *App) buildFilter() error {
	cfg := a.config
	fc := cfg.Filter
	logger := a.logger

	lists := abuse.NewLists(abuse.ListOverrides{
		Replace:           fc.Lists.Replace,
		DisposableDomains: fc.Lists.DisposableDomains,
		SpamKeywords:      fc.Lists.SpamKeywords,
		BotUserAgents:     fc.Lists.BotUserAgents,
	})

	a.filter = abuse.NewFilter(abuse.Config{
		Threshold:          fc.Threshold,
		MinSubmitTime:      fc.MinSubmitTime,
		MaxClockSkew:       fc.MaxClockSkew,
		MaxURLs:            fc.URLAllowance(),
		TrustAuthenticated: fc.TrustAuthenticated,
		Weights:            fc.Weights,
		FailOpen:           fc.RateLimit.IsFailOpen(),
		AuditTimeout:       fc.AuditTimeout,
	}, lists, logger)
	a.filter.SetAuditStore(a.storage.Audit)

	if len(fc.WhitelistIPs) > 0 {
		a.filter.SetWhitelist(ipfilter.New(fc.WhitelistIPs, logger))
	}

	rlConfig := ratelimit.Config{
		Limit:         fc.RateLimit.Limit,
		Window:        fc.RateLimit.Window,
		FlushInterval: fc.RateLimit.FlushInterval,
	}
	switch fc.RateLimit.Backend {
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("redis.url is required for the redis rate limit backend")
		}
		a.limiter = ratelimit.NewRedisLimiter(a.redis, rlConfig, logger)
	default:
		var db *bolt.DB
		switch {
		case fc.RateLimit.StatePath != "":
			var err error
			db, err = bolt.Open(fc.RateLimit.StatePath, 0600, &bolt.Options{Timeout: time.Second})
			if err != nil {
				return fmt.Errorf("failed to open rate limit state: %w", err)
			}
			a.limiterDB = db
		case a.storage.BoltDB() != nil:
			db = a.storage.BoltDB()
		}
		limiter, err := ratelimit.NewMemoryLimiter(db, rlConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = limiter
	}
	a.filter.SetLimiter(a.limiter, fc.RateLimit.Limit)
	logger.Info("form rate limiting enabled",
		"backend", fc.RateLimit.Backend,
		"limit", fc.RateLimit.Limit,
		"window", fc.RateLimit.Window,
	)

	if fc.Reputation.Enabled {
		a.reputation = abuse.NewReputation(abuse.ReputationConfig{
			Zones:    fc.Reputation.Zones,
			CacheTTL: fc.Reputation.CacheTTL,
			Timeout:  fc.Reputation.Timeout,
		}, nil, logger)
		a.filter.SetReputation(a.reputation)
		logger.Info("IP reputation enabled", "zones", fc.Reputation.Zones)
	}

	return nil
}

// batchLock creates the cross-process queue lock
func (a *App) batchLock() (distlock.Lock, error) {
	lc := a.config.Queue.Lock
	switch lc.Backend {
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("redis.url is required for the redis queue lock")
		}
		return distlock.NewRedisLock(a.redis, lc.Name, lc.TTL), nil
	case "postgres":
		if a.storage.DB == nil {
			return nil, fmt.Errorf("queue.lock.backend postgres requires a SQL storage driver")
		}
		return distlock.NewPGAdvisoryLock(a.storage.DB.Conn().DB, lc.Name), nil
	default:
		return nil, fmt.Errorf("unknown queue lock backend: %s", lc.Backend)
	}
}

// ProcessQueue runs a single queue batch outside the server
func (a *App) ProcessQueue(ctx context.Context) (*queue.BatchResult, error) {
	return a.processor.RunBatch(ctx)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailgate",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Driver,
		"transport", a.config.Transport.Provider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// HTTP-01 challenges and the HTTPS redirect
	if a.acmeManager != nil {
		a.acmeServer = &http.Server{
			Addr:              a.config.API.TLS.ACME.HTTPAddr,
			Handler:           a.acmeManager.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting submissions before draining background work
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	a.processor.Stop()
	a.cleaner.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Pending audit writes and DNSBL lookups finish before storage closes
	a.filter.Wait()
	if a.reputation != nil {
		a.reputation.Wait()
	}

	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close releases limiter, redis and storage handles
func (a *App) close() {
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.logger.Error("rate limiter close error", "error", err)
		}
	}
	if a.limiterDB != nil {
		if err := a.limiterDB.Close(); err != nil {
			a.logger.Error("rate limit state close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
