package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/config"
	httpcontroller "github.com/vadim/neo-inbox/internal/controller/http"
	"github.com/vadim/neo-inbox/internal/database"
	"github.com/vadim/neo-inbox/internal/domain/inbox/dao"
	"github.com/vadim/neo-inbox/internal/domain/inbox/policy"
	"github.com/vadim/neo-inbox/internal/domain/inbox/realtime"
	"github.com/vadim/neo-inbox/internal/domain/inbox/scheduler"
	"github.com/vadim/neo-inbox/internal/domain/inbox/service"
	"github.com/vadim/neo-inbox/internal/httpx/response"
	"github.com/vadim/neo-inbox/internal/httpx/upstream/gateway"
	"github.com/vadim/neo-inbox/internal/storage"
	"github.com/vadim/neo-inbox/pkg/logger"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *zap.Logger

	// Infrastructure
	pool    *pgxpool.Pool
	nats    *nats.Conn
	storage *storage.S3Storage

	// Realtime change feed
	source    realtime.Source
	publisher service.Publisher

	// Domain
	service *service.Service
	inbox   *policy.Inbox
	view    *policy.ConversationView

	// Scheduler for resolving contact pictures
	avatarSync *scheduler.AvatarSync
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpcontroller.Logging(log.Named("http")))
	r.Use(httpcontroller.CORS(cfg.Server.AllowedOrigins))

	app := &App{
		cfg:    cfg,
		router: r,
		logger: log,
	}

	// Initialize infrastructure
	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	// Initialize domain layers
	app.initDomains()

	// Register routes
	app.registerRoutes()

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Initialize scheduler
	if cfg.Scheduler.Enabled {
		app.avatarSync = scheduler.NewAvatarSync(app.inbox.Store(), app.service, app.service, scheduler.Config{
			Interval:  cfg.Scheduler.AvatarInterval,
			BatchSize: cfg.Scheduler.AvatarBatch,
		}, log, scheduler.WithBacklog(app.service, app.inbox.WorkspaceID))
	}

	return app, nil
}

// initInfrastructure initializes infrastructure components (DB, NATS, S3)
func (a *App) initInfrastructure(ctx context.Context) error {
	pool, err := database.NewPostgresPool(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.pool = pool

	s3Storage, err := storage.NewS3Storage(storage.S3Config{
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		Bucket:          a.cfg.S3.Bucket,
		Region:          a.cfg.S3.Region,
		PublicURL:       a.cfg.S3.PublicURL,
		Prefix:          a.cfg.S3.Prefix,
	})
	if err != nil {
		return fmt.Errorf("creating s3 storage: %w", err)
	}
	a.storage = s3Storage

	switch a.cfg.Realtime.Driver {
	case config.RealtimeNATS:
		conn, err := realtime.ConnectNATS(realtime.NATSConfig{
			URL:           a.cfg.Realtime.NATSURL,
			Token:         a.cfg.Realtime.NATSToken,
			SubjectPrefix: a.cfg.Realtime.SubjectPrefix,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		a.nats = conn
		a.source = realtime.NewNATSSource(conn, a.cfg.Realtime.SubjectPrefix, a.logger)
		a.publisher = realtime.NewNATSPublisher(conn, a.cfg.Realtime.SubjectPrefix)
	case config.RealtimePostgres, "":
		a.source = realtime.NewPostgresSource(pool, a.cfg.Realtime.PostgresChannel, a.logger)
		a.publisher = realtime.NewPostgresPublisher(pool, a.cfg.Realtime.PostgresChannel)
	case config.RealtimeMemory:
		hub := realtime.NewHub(a.logger)
		a.source = hub
		a.publisher = hub
	default:
		return fmt.Errorf("unknown realtime driver %q", a.cfg.Realtime.Driver)
	}

	a.logger.Info("infrastructure ready", zap.String("realtime_driver", a.cfg.Realtime.Driver))
	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy)
func (a *App) initDomains() {
	gw := gateway.New(
		gateway.WithBaseURL(a.cfg.Gateway.BaseURL),
		gateway.WithToken(a.cfg.Gateway.Token),
		gateway.WithHTTPClient(&http.Client{Timeout: a.cfg.Gateway.Timeout}),
	)

	loc := a.cfg.Sync.Location()
	a.service = service.New(
		dao.NewConversationPostgres(a.pool),
		dao.NewMessagePostgres(a.pool),
		gw,
		a.logger,
		service.WithMediaStorage(a.storage),
		service.WithPublisher(a.publisher),
		service.WithLocation(loc),
	)

	opts := policy.Options{
		PageSize:        a.cfg.Sync.PageSize,
		RefreshInterval: a.cfg.Sync.RefreshInterval,
		Location:        loc,
	}
	a.inbox = policy.NewInbox(a.service, a.source, a.logger, opts)
	a.view = policy.NewConversationView(a.service, a.source, a.logger, opts)
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)
	a.router.Handle("/metrics", promhttp.Handler())

	stream := httpcontroller.NewStreamHandler(a.cfg.Server.AllowedOrigins, a.logger)

	// API v1
	a.router.Route("/api/v1", func(r chi.Router) {
		if a.cfg.Server.RateLimit > 0 {
			r.Use(httpcontroller.RateLimit(a.cfg.Server.RateLimit, time.Minute))
		}

		httpcontroller.NewInboxHandler(a.inbox, stream).RegisterRoutes(r)
		httpcontroller.NewLeadHandler(a.view, stream).RegisterRoutes(r)
		httpcontroller.NewMediaHandler(a.storage, a.logger).RegisterRoutes(r)
	})
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// readyHandler reports ready once the database and the change feed are reachable
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.pool.Ping(ctx); err != nil {
		response.Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if a.nats != nil && !a.nats.IsConnected() {
		response.Error(w, http.StatusServiceUnavailable, "nats unavailable")
		return
	}
	response.OK(w, map[string]string{"status": "ready"})
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Start scheduler if enabled
	if a.avatarSync != nil {
		a.avatarSync.Start(ctx)
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting HTTP server", zap.String("addr", a.cfg.Server.Address()))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	// Stop scheduler
	if a.avatarSync != nil {
		a.avatarSync.Stop()
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}

	// Release realtime subscriptions before the connections they run on
	if err := a.inbox.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing inbox: %w", err))
	}
	if err := a.view.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing conversation view: %w", err))
	}

	a.closeInfrastructure()

	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("draining nats connection", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
