package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buildmesh/controller/cmd/controller/api"
	"github.com/buildmesh/controller/cmd/controller/config"
	"github.com/buildmesh/controller/lib/logger"
	mw "github.com/buildmesh/controller/lib/middleware"
	"github.com/buildmesh/controller/lib/otel"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	var otelHandler slog.Handler
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otelHandler = otelProvider.LogHandler
		otel.SetGlobalLogHandler(otelHandler)
	}

	logCfg := logger.NewConfig()
	appLogger := logger.NewSubsystemLogger(logger.SubsystemController, logCfg, otelHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := initializeApp(ctx, cfg, logCfg, otelHandler)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	if cfg.OtelEnabled {
		appLogger.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	var httpMetricsMw func(http.Handler) http.Handler
	if otelProvider != nil && otelProvider.Meter != nil {
		if httpMetrics, err := mw.NewHTTPMetrics(otelProvider.Meter); err == nil {
			httpMetricsMw = httpMetrics.Middleware
		}
	}
	if httpMetricsMw == nil {
		httpMetricsMw = mw.NoopHTTPMetrics()
	}

	accessLogger := mw.NewAccessLogger(otelHandler)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.OtelEnabled {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}
	r.Use(mw.InjectLogger(appLogger))
	r.Use(mw.AccessLogger(accessLogger))
	// Streaming endpoints (source/certs download, submit and result upload,
	// artifact download) hold
	// their connections open far longer than httpMetrics' request-duration
	// histogram is meant to measure, so skip it there.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if isStreamingPath(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			httpMetricsMw(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.Timeout(60 * time.Second))

	r.Mount("/", api.New(&api.Handler{
		Catalog:        app.Catalog,
		Store:          app.Store,
		Dispatch:       app.Dispatch,
		Auth:           app.Authorizer,
		Log:            appLogger,
		WorkerTokenTTL: cfg.WorkerTokenTTL,
		MaxSourceBytes: cfg.MaxSourceBytes,
		MaxCertsBytes:  cfg.MaxCertsBytes,
		MaxResultBytes: cfg.MaxResultBytes,
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		appLogger.Info("starting buildmesh controller", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		app.Liveness.Run(gctx)
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutdown signal received")

		shutdownCtx := context.WithoutCancel(gctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, cfg.ShutdownGracePeriod)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("failed to shutdown http server", "error", err)
			return err
		}
		appLogger.Info("http server shutdown complete")
		return nil
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}

// isStreamingPath reports whether the request is one of the long-lived
// binary transfer endpoints that should bypass request-duration metrics.
func isStreamingPath(path string) bool {
	switch {
	case strings.HasSuffix(path, "/source"), strings.HasSuffix(path, "/certs"), strings.HasSuffix(path, "/certs-secure"),
		strings.HasSuffix(path, "/download"), strings.HasSuffix(path, "/submit"), strings.HasSuffix(path, "/upload"):
		return true
	default:
		return false
	}
}
