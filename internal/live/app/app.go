package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/internal/live/chatstate"
	"github.com/aussiebroadwan/tabline/internal/live/coordinator"
	"github.com/aussiebroadwan/tabline/internal/live/credentials"
	"github.com/aussiebroadwan/tabline/internal/live/gateway"
	"github.com/aussiebroadwan/tabline/internal/live/metrics"
	"github.com/aussiebroadwan/tabline/internal/live/store"
	"github.com/aussiebroadwan/tabline/internal/live/store/drivers/memory"
	"github.com/aussiebroadwan/tabline/internal/live/store/drivers/sqlite"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
	"github.com/aussiebroadwan/tabline/pkg/httpx"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the live session layer together.
type Application struct {
	cfg    Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	db       store.Store

	Credentials *credentials.Store
	Gateway     *gateway.Gateway
	Bus         *bus.Manager
	Chat        *chatstate.Store
	Coordinator *coordinator.Coordinator
}

type Option func(*options)

type options struct {
	navigator gateway.Navigator
	logger    *slog.Logger
}

// WithNavigator sets what happens when the refresh protocol gives up on the
// session.
func WithNavigator(nav gateway.Navigator) Option {
	return func(o *options) { o.navigator = nav }
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds every component and restores a persisted session, if any.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slogx.New(slogx.Config{
			Service: "tabline",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(collectors.NewGoCollector())
	app.metrics = metrics.New(app.registry)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initSession(ctx, o.navigator); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	return app, nil
}

func (app *Application) initDatabase() error {
	if app.cfg.DatabaseFile == "" {
		app.db = memory.NewStore()
		app.logger.Warn("no database file configured, the session will not survive a restart")
		return nil
	}

	key, err := cryptox.LoadOrCreateMasterKey(app.cfg.MasterKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	sealer, err := cryptox.NewSealer(key)
	if err != nil {
		return fmt.Errorf("failed to create sealer: %w", err)
	}

	db, err := sqlite.NewStore(fmt.Sprintf("file:%s", app.cfg.DatabaseFile), sealer)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Debug("database ready", "file", app.cfg.DatabaseFile)
	return nil
}

func (app *Application) initSession(ctx context.Context, nav gateway.Navigator) error {
	busURL, err := app.cfg.BusURL()
	if err != nil {
		return err
	}

	app.Credentials = credentials.New(app.db.Credentials(), app.logger)

	if nav == nil {
		nav = gateway.NavigatorFunc(func(ctx context.Context, reason error) {
			app.logger.WarnContext(ctx, "session ended, sign in again", "reason", reason)
		})
	}

	app.Gateway = gateway.New(gateway.Config{
		BaseURL: app.cfg.APIBaseURL,
		HTTPClient: &http.Client{
			Timeout:   app.cfg.HTTPTimeout,
			Transport: slogx.NewTransport(nil, app.logger),
		},
		Limiter:   httpx.NewLimiter(app.cfg.RateLimit),
		Logger:    app.logger,
		Metrics:   app.metrics,
		Navigator: nav,
		UserAgent: "tabline/" + BuildVersion,
	}, app.Credentials)

	heartbeat := app.cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = -1
	}
	app.Bus = bus.NewManager(bus.Config{
		URL:                  busURL,
		Heartbeat:            heartbeat,
		ReconnectDelay:       app.cfg.ReconnectDelay,
		MaxReconnectAttempts: app.cfg.ReconnectMaxAttempts,
		Logger:               app.logger,
		Metrics:              app.metrics,
	})

	app.Chat = chatstate.New(app.logger)
	app.Coordinator = coordinator.New(coordinator.Config{Logger: app.logger},
		app.Bus, app.Credentials, app.Gateway, app.Chat)

	if err := app.Credentials.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return nil
}

// Run keeps the live session going until ctx is done or the process is
// signalled.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.logger.Info("live session starting",
		"api", app.cfg.APIBaseURL,
		"version", BuildVersion,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Coordinator.Run(ctx)
	})
	if app.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, app.cfg.MetricsAddr, app.registry, app.logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown drops the bus connection and closes the database.
func (app *Application) Shutdown() error {
	app.Bus.Disconnect()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}
	return nil
}

func (app *Application) Logger() *slog.Logger { return app.logger }
