// Package app wires the licensing server together: configuration, logging,
// telemetry, the document store, the domain services and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/config"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/connectivity"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/infrastructure"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	customMiddleware "github.com/saidaladawi/universal-workshop-erp-sub010/internal/middleware"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/notify"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/ratelimit"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/session"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/threat"
	transporthttp "github.com/saidaladawi/universal-workshop-erp-sub010/internal/transport/http"
)

// AppName is the service name used in startup logging.
const AppName = "universal-workshop-licensed"

// Application holds every long-lived component of the licensing server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders

	Store    *store.Store
	Cache    *store.CounterCache
	Notifier *notify.Notifier
	Limiter  *ratelimit.Limiter
	Tokens   *license.Service
	Sweeper  *license.RevocationSweeper
	Assessor *threat.Assessor
	Sessions *session.Service
	Prober   *connectivity.Prober
	Registry *connectivity.Registry
	Handlers *transporthttp.Handlers
}

// NewApplication builds a fully wired application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices constructs the store and the domain services in
// dependency order.
func (a *Application) initializeServices() error {
	st, err := store.Open(a.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", a.Config.Store.Path, err)
	}
	a.Store = st
	a.Cache = store.NewCounterCache()

	a.Notifier = notify.NewNotifier(a.Config.Notify.Enabled, a.Config.Notify.URLs, nil, a.Logger)

	a.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		SuspiciousThreshold: a.Config.RateLimit.SuspiciousThreshold,
		MaliciousThreshold:  a.Config.RateLimit.MaliciousThreshold,
		SuspiciousBlock:     a.Config.RateLimit.SuspiciousBlock,
		MaliciousBlock:      a.Config.RateLimit.MaliciousBlock,
		ViolationTTL:        a.Config.RateLimit.ViolationTTL,
		BurstWindow:         a.Config.RateLimit.BurstWindow,
	}, ratelimit.WrapCounterCache(a.Cache), a.Notifier, a.Logger, prometheus.DefaultRegisterer)

	a.Assessor = threat.NewAssessor(st, st, a.Logger)

	keys := license.NewKeyStore(st, a.Logger)
	auditor := store.NewAuditor(st, a.Logger)
	a.Tokens = license.NewService(license.ServiceConfig{
		Issuer:            a.Config.Licensing.Issuer,
		TokenTTL:          a.Config.Licensing.TokenTTL,
		RefreshWindow:     a.Config.Licensing.RefreshWindow,
		ClockSkew:         a.Config.Licensing.ClockSkew,
		OfflineGraceHours: a.Config.Licensing.OfflineGraceHours,
	}, keys, st, auditor, a.Limiter, a.Assessor, a.Logger)

	a.Sweeper = license.NewRevocationSweeper(st, a.Config.Licensing.RevocationSweep, a.Logger)

	a.Sessions = session.NewService(st, a.Tokens, a.Logger)

	a.Prober = connectivity.NewProber(connectivity.ProberConfig{
		QuickCheckHost: a.Config.Connectivity.QuickCheckHost,
		QuickTimeout:   a.Config.Connectivity.QuickTimeout,
		CheckTimeout:   a.Config.Connectivity.CheckTimeout,
		Endpoints:      a.Config.Connectivity.Endpoints,
	}, nil, a.Logger)

	// Connectivity events flow through the alerting sink so connection-lost
	// transitions both land in the audit trail and raise a notification.
	alerting := notify.WithAlerts(auditor, a.Notifier)
	a.Registry = connectivity.NewRegistry(connectivity.MonitorConfig{
		CheckInterval:   a.Config.Connectivity.CheckInterval,
		MaxFailures:     a.Config.Connectivity.MaxFailures,
		HistorySize:     a.Config.Connectivity.HistorySize,
		StopJoinTimeout: a.Config.Connectivity.StopJoinTimeout,
	}, a.Prober, a.Sessions, alerting, a.Logger)

	a.Handlers = transporthttp.NewHandlers(a.Tokens, a.Limiter, a.Assessor, a.Registry, a.Prober, a.Logger)

	return nil
}

// setupRouter configures the chi router and middleware chain.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Request ID and client IP come first so everything downstream,
	// including the logger, sees them.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		if a.Config.RateLimit.Enabled {
			global := customMiddleware.NewGlobalRateLimiter(
				a.Config.Server.GlobalRPS, a.Config.Server.GlobalBurst, a.Logger)
			r.Use(global.Handler)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))
			r.Use(render.SetContentType(render.ContentTypeJSON))
			a.Handlers.Routes(r)
		})

		r.Get("/healthz", a.handleHealth)
	})

	// Metrics bypass the logging and rate-limit chain so scrapes stay cheap.
	if a.OTelProviders != nil && a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"status":  "healthy",
		"service": AppName,
	})
}

// createServer creates the HTTP server with configured timeouts.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start launches the background loops and the HTTP listener. A listener
// error cancels the context so Run can begin shutdown.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.Int("port", a.Config.Server.Port),
		slog.String("store", a.Config.Store.Path),
		slog.String("level", a.Config.Logging.Level))

	a.Sweeper.Start(ctx)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))
	return nil
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Background loops stop before the store closes underneath them.
	a.Registry.StopAll()
	a.Sweeper.Stop()
	a.Cache.Stop()
	a.Notifier.Close()

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing store", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted or a fatal server error occurs.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Shutdown requested")
	}

	return a.Stop(context.Background())
}
