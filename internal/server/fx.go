// Package server provides the composition root that wires configuration into
// a running scraper service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/api"
	"github.com/JakeFAU/order-history-scraper/internal/cache"
	gcscache "github.com/JakeFAU/order-history-scraper/internal/cache/gcs"
	localcache "github.com/JakeFAU/order-history-scraper/internal/cache/local"
	memorycache "github.com/JakeFAU/order-history-scraper/internal/cache/memory"
	pgcache "github.com/JakeFAU/order-history-scraper/internal/cache/postgres"
	sqlitecache "github.com/JakeFAU/order-history-scraper/internal/cache/sqlite"
	"github.com/JakeFAU/order-history-scraper/internal/clock/system"
	"github.com/JakeFAU/order-history-scraper/internal/config"
	"github.com/JakeFAU/order-history-scraper/internal/control"
	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
	collyfetcher "github.com/JakeFAU/order-history-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/order-history-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/order-history-scraper/internal/hash/sha256"
	"github.com/JakeFAU/order-history-scraper/internal/id/uuid"
	"github.com/JakeFAU/order-history-scraper/internal/logging"
	"github.com/JakeFAU/order-history-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/order-history-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/order-history-scraper/internal/progress/sinks"
	"github.com/JakeFAU/order-history-scraper/internal/publisher"
	memorypublisher "github.com/JakeFAU/order-history-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/order-history-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/order-history-scraper/internal/scheduler"
	"github.com/JakeFAU/order-history-scraper/internal/session"
	"github.com/JakeFAU/order-history-scraper/internal/telemetry"
	"github.com/JakeFAU/order-history-scraper/internal/transaction"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	controller      *control.Controller
	sessions        *session.Manager
	progressHub     *progress.Hub
	latest          *progresssinks.LatestSink
	transactions    *transaction.Store
	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	closers         []func() error
	telemetry       telemetry.Telemetry
	closeOnce       sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		Site         string `json:"site"`
		CacheBackend string `json:"cache_backend"`
		Headless     bool   `json:"headless"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		Site:         cfg.Site.Host,
		CacheBackend: cfg.Cache.Backend,
		Headless:     cfg.Headless.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handle executes req against the controller shared by the HTTP API and the
// CLI.
func (a *App) Handle(ctx context.Context, req control.Request) control.Response {
	return a.controller.Handle(ctx, req)
}

// Handler returns the HTTP handler for the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	// Settle in-flight scrapes first so their handlers can answer.
	if a.sessions != nil {
		if err := a.sessions.Abort(); err != nil {
			a.logger.Warn("abort on shutdown failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. It is safe to call more than
// once and on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.sessions != nil {
			a.sessions.Close()
		}
		a.closeInfrastructure(ctx)
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.transactions != nil {
		a.transactions.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")

	var err error
	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		Headers:      a.cfg.Telemetry.Headers,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if a.cfg.Telemetry.OTLPEndpoint != "" {
		a.logger.Info("exporting traces", zap.String("endpoint", a.cfg.Telemetry.OTLPEndpoint))
	}

	pages, txnCache, err := setupCaches(ctx, a)
	if err != nil {
		return err
	}
	a.transactions, err = transaction.NewStore(txnCache, a.logger)
	if err != nil {
		return fmt.Errorf("transaction store init failed: %w", err)
	}

	httpFetcher, err := setupFetchers(a)
	if err != nil {
		return err
	}

	pub, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	if err := setupProgress(a, pub); err != nil {
		return err
	}

	a.sessions, err = setupSessions(a, httpFetcher, pages)
	if err != nil {
		return err
	}

	scraper, err := transaction.NewScraper(a.transactions, transaction.Config{Site: a.cfg.Site.Host}, a.logger)
	if err != nil {
		return fmt.Errorf("transaction scraper init failed: %w", err)
	}
	a.controller, err = control.New(
		control.Config{Site: a.cfg.Site.Host},
		a.sessions,
		scraper,
		system.New(),
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}

	a.apiServer = api.NewServer(
		a.controller,
		api.NewProgressHandler(a.latest, a.logger.Named("progress_api")),
		*a.cfg,
		a.logger.Named("api"),
	)
	return nil
}

// setupCaches opens the page cache and the cache holding the merged
// transaction list. Both use the configured backend under distinct
// namespaces so clearing one never touches the other's keys.
func setupCaches(ctx context.Context, app *App) (cache.Cache, cache.Cache, error) {
	origin := app.cfg.Origin()
	txnNamespace := "transactions." + app.cfg.Site.Host
	hasher := sha256.New()
	logger := app.logger

	switch app.cfg.Cache.Backend {
	case config.CacheBackendMemory:
		app.logger.Info("using in-memory page cache")
		return memorycache.New(), memorycache.New(), nil
	case config.CacheBackendLocal:
		app.logger.Info("using local page cache", zap.String("path", app.cfg.Cache.Local.BaseDir))
		pages, err := localcache.New(localcache.Config{BaseDir: app.cfg.Cache.Local.BaseDir, Namespace: origin}, hasher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("local cache init failed: %w", err)
		}
		txns, err := localcache.New(localcache.Config{BaseDir: app.cfg.Cache.Local.BaseDir, Namespace: txnNamespace}, hasher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("local transaction cache init failed: %w", err)
		}
		return pages, txns, nil
	case config.CacheBackendPostgres:
		app.logger.Info("using postgres page cache", zap.String("table", app.cfg.Cache.Postgres.Table))
		pgCfg := pgcache.Config{
			DSN:             app.cfg.Cache.Postgres.DSN,
			Table:           app.cfg.Cache.Postgres.Table,
			MaxConns:        app.cfg.Cache.Postgres.MaxConns,
			MinConns:        app.cfg.Cache.Postgres.MinConns,
			MaxConnLifetime: app.cfg.Cache.Postgres.MaxConnLifetime,
		}
		pgCfg.Namespace = origin
		pages, err := pgcache.New(ctx, pgCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres cache init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { pages.Close(); return nil })
		pgCfg.Namespace = txnNamespace
		pgCfg.MinConns = 0
		txns, err := pgcache.New(ctx, pgCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres transaction cache init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { txns.Close(); return nil })
		return pages, txns, nil
	case config.CacheBackendGCS:
		app.logger.Info("using GCS page cache", zap.String("bucket", app.cfg.Cache.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		bucket, err := gcscache.NewStorageBucket(client, app.cfg.Cache.GCS.Bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs bucket init failed: %w", err)
		}
		gcsCfg := gcscache.Config{Bucket: app.cfg.Cache.GCS.Bucket, Prefix: app.cfg.Cache.GCS.Prefix, Namespace: origin}
		pages, err := gcscache.New(bucket, gcsCfg, hasher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs cache init failed: %w", err)
		}
		gcsCfg.Namespace = txnNamespace
		txns, err := gcscache.New(bucket, gcsCfg, hasher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs transaction cache init failed: %w", err)
		}
		return pages, txns, nil
	default:
		app.logger.Info("using sqlite page cache", zap.String("path", app.cfg.Cache.SQLite.Path))
		pages, err := sqlitecache.Open(ctx, sqlitecache.Config{Path: app.cfg.Cache.SQLite.Path, Namespace: origin}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite cache init failed: %w", err)
		}
		app.closers = append(app.closers, pages.Close)
		txns, err := sqlitecache.Open(ctx, sqlitecache.Config{Path: app.cfg.Cache.SQLite.Path, Namespace: txnNamespace}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite transaction cache init failed: %w", err)
		}
		app.closers = append(app.closers, txns.Close)
		return pages, txns, nil
	}
}

// setupFetchers builds the colly fetcher and, when enabled, a headless
// fetcher sharing its cookies. The colly fetcher is returned separately
// because it also owns the cookie jar.
func setupFetchers(app *App) (*collyfetcher.Fetcher, error) {
	httpFetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Fetch.UserAgent,
		Timeout:   app.cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("colly fetcher init failed: %w", err)
	}
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Fetch.UserAgent))

	if path := app.cfg.Site.CookieFile; path != "" {
		cookies, err := collyfetcher.LoadCookies(path)
		if err != nil {
			return nil, fmt.Errorf("load cookies: %w", err)
		}
		if err := httpFetcher.SetCookies(app.cfg.Origin(), cookies); err != nil {
			return nil, fmt.Errorf("install cookies: %w", err)
		}
		app.logger.Info("session cookies loaded", zap.Int("count", len(cookies)))
	}

	if app.cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
			Cookies:           httpFetcher,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	}
	return httpFetcher, nil
}

// pageFetcher routes the transaction feed through the headless browser when
// configured and everything else through colly.
func pageFetcher(app *App, httpFetcher *collyfetcher.Fetcher) fetcher.Fetcher {
	if app.headless == nil || !app.cfg.Fetch.HeadlessTransactions {
		return httpFetcher
	}
	return &fetcher.Router{
		Default: httpFetcher,
		Routes:  []fetcher.Route{{PathPrefix: transaction.FeedPath, Fetcher: app.headless}},
	}
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(app *App, pub publisher.Publisher) error {
	app.latest = progresssinks.NewLatestSink()
	sinkList := []progress.Sink{app.latest}

	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if pub != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(pub, app.cfg.PubSub.TopicName))
		app.logger.Debug("Added progress publisher sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupSessions(app *App, httpFetcher *collyfetcher.Fetcher, pages cache.Cache) (*session.Manager, error) {
	sc := app.cfg.Scheduler
	retry := scheduler.NewExponentialRetryPolicy(
		sc.MaxRetries,
		time.Duration(sc.BackoffInitialMs)*time.Millisecond,
		time.Duration(sc.BackoffMaxMs)*time.Millisecond,
	)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   sc.RequestsPerSecond,
		DefaultBurst: sc.Burst,
	})
	app.logger.Info("scheduler config",
		zap.Int("max_concurrent", sc.MaxConcurrent),
		zap.Duration("request_timeout", app.cfg.RequestTimeout()),
		zap.Int("max_retries", sc.MaxRetries),
		zap.Float64("requests_per_second", sc.RequestsPerSecond),
	)

	manager, err := session.New(session.Config{
		Origin: app.cfg.Origin(),
		Scheduler: scheduler.Config{
			MaxConcurrent:  sc.MaxConcurrent,
			RequestTimeout: app.cfg.RequestTimeout(),
			Retry:          retry,
		},
		PublishInterval: app.cfg.PublishInterval(),
	}, session.Deps{
		Fetcher:      pageFetcher(app, httpFetcher),
		Cache:        pages,
		Transactions: app.transactions,
		Limiter:      limiter,
		Cookies:      httpFetcher,
		Hub:          app.progressHub,
		IDs:          uuid.New(),
		Clock:        system.New(),
		Logger:       app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager init failed: %w", err)
	}
	return manager, nil
}
