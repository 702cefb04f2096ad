// Package server provides the application composition root: it builds every
// dependency from config, runs the HTTP server, and tears everything down.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/api"
	"github.com/JakeFAU/posse-discovery/internal/config"
	"github.com/JakeFAU/posse-discovery/internal/discovery"
	collyfetcher "github.com/JakeFAU/posse-discovery/internal/fetcher/colly"
	"github.com/JakeFAU/posse-discovery/internal/id/uuid"
	"github.com/JakeFAU/posse-discovery/internal/logging"
	"github.com/JakeFAU/posse-discovery/internal/metrics"
	"github.com/JakeFAU/posse-discovery/internal/mf2"
	memorypublisher "github.com/JakeFAU/posse-discovery/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/posse-discovery/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/posse-discovery/internal/publisher/pubsub"
	"github.com/JakeFAU/posse-discovery/internal/ratelimit"
	memorystore "github.com/JakeFAU/posse-discovery/internal/storage/memory"
	pgstore "github.com/JakeFAU/posse-discovery/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/posse-discovery/internal/storage/sqlite"
	"github.com/JakeFAU/posse-discovery/internal/target"
	"github.com/JakeFAU/posse-discovery/internal/telemetry"
)

// Store is a closable record store.
type Store interface {
	discovery.Store
	io.Closer
}

// Publisher is a closable event publisher.
type Publisher interface {
	discovery.Publisher
	io.Closer
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     Store
	publisher Publisher
	engine    *discovery.Engine
	apiServer *api.Server
	tracer    *sdktrace.TracerProvider
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Engine returns the discovery engine.
func (a *App) Engine() *discovery.Engine { return a.engine }

// Discover runs one discovery through the engine.
func (a *App) Discover(ctx context.Context, source discovery.Source, activity *discovery.Activity) (*discovery.Activity, error) {
	result, err := a.engine.Discover(ctx, source, activity)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	return result, nil
}

// Store returns the record store.
func (a *App) Store() Store { return a.store }

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.Build(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("publisher", cfg.Publisher.Kind),
	)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracer = tp

	app.store, err = setupStore(ctx, cfg, logger)
	if err != nil {
		app.closeObservability(ctx)
		return nil, err
	}

	app.publisher, err = setupPublisher(ctx, cfg, logger)
	if err != nil {
		app.closeInfrastructure()
		app.closeObservability(ctx)
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
	}, limiter, logger.Named("fetcher"))
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.HTTP.UserAgent),
		zap.Float64("requests_per_second", cfg.HTTP.RequestsPerSecond),
	)

	var head target.HeadFetcher
	if cfg.Target.CheckReachable {
		head = fetcher
	}
	validator := target.NewValidator(head, cfg.Target.BlockedDomains, logger.Named("target"))

	deps := discovery.Deps{
		Store:     app.store,
		Fetcher:   fetcher,
		Resolver:  fetcher,
		Parser:    mf2.NewParser(),
		Validator: validator,
		IDs:       uuid.New(),
		Rewrite:   discovery.NewHostRewriter(cfg.Discovery.RewriteHosts),
	}
	engineCfg := discovery.Config{MaxPermalinks: cfg.Discovery.MaxPermalinks}
	if app.publisher != nil {
		deps.Publisher = app.publisher
		engineCfg.Topic = cfg.Publisher.Topic
	}
	app.engine, err = discovery.NewEngine(deps, engineCfg, logger.Named("discovery"))
	if err != nil {
		app.closeInfrastructure()
		app.closeObservability(ctx)
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	var ready api.Pinger
	if p, ok := app.store.(api.Pinger); ok {
		ready = p
	}
	app.apiServer = api.NewServer(app.engine, app.store, ready, *cfg, logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		if cfg.Store.Migrate {
			version, dirty, err := pgstore.RunMigrations(cfg.Store.DSN)
			if err != nil {
				return nil, fmt.Errorf("postgres migrations failed: %w", err)
			}
			logger.Info("postgres migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
		store, err := pgstore.NewPostStore(ctx, pgstore.PostStoreConfig{
			DSN:      cfg.Store.DSN,
			Table:    cfg.Store.Table,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres record store", zap.String("table", cfg.Store.Table))
		return store, nil
	case config.StoreSQLite:
		store, err := sqlitestore.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		if cfg.Store.Migrate {
			version, err := store.Migrate()
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("sqlite migrations failed: %w", err)
			}
			logger.Info("sqlite migrations applied", zap.Uint("version", version))
		}
		logger.Info("using sqlite record store")
		return store, nil
	default:
		logger.Warn("using in-memory record store; relationships are lost on restart")
		return memorystore.NewPostStore(), nil
	}
}

func setupPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.Publisher.Kind {
	case config.PublisherPubSub:
		p, err := gcppublisher.Dial(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.Publisher.ProjectID),
			zap.String("topic", cfg.Publisher.Topic))
		return p, nil
	case config.PublisherNATS:
		p, err := natspublisher.Connect(natspublisher.Config{
			URL:           cfg.Publisher.NATSURL,
			SubjectPrefix: cfg.Publisher.SubjectPrefix,
			JetStream:     cfg.Publisher.JetStream,
		})
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		logger.Info("NATS publisher initialized",
			zap.String("subject", p.Subject(cfg.Publisher.Topic)),
			zap.Bool("jetstream", cfg.Publisher.JetStream))
		return p, nil
	case config.PublisherMemory:
		logger.Info("using in-memory publisher", zap.Int("limit", cfg.Publisher.MemoryLimit))
		return memorypublisher.New(cfg.Publisher.MemoryLimit), nil
	default:
		logger.Info("relationship events disabled")
		return nil, nil
	}
}

// Run serves the API and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every dependency. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("record store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
