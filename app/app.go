// Package app is the web application the default pipeline builds, starts
// and scans: one static page plus the endpoints monitoring needs.
package app

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tangled.sh/tangled.sh/scanline/log"
	"tangled.sh/tangled.sh/scanline/telemetry"
)

//go:embed templates/*
var templates embed.FS

type App struct {
	cfg *Config
	l   *slog.Logger
	t   *telemetry.Telemetry

	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	index    []byte
}

// New renders the index page and registers the app metrics. Pass a nil
// telemetry to skip otel instrumentation.
func New(ctx context.Context, cfg *Config, reg *prometheus.Registry, t *telemetry.Telemetry) (*App, error) {
	tpl, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, struct{ Title string }{cfg.Title}); err != nil {
		return nil, fmt.Errorf("rendering index: %w", err)
	}

	return &App{
		cfg: cfg,
		l:   log.FromContext(ctx).With("component", "app"),
		t:   t,
		reg: reg,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Number of HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		index: buf.Bytes(),
	}, nil
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(a.countRequests)
	if a.t != nil {
		r.Use(a.t.RequestInFlight())
		r.Use(a.t.RequestDuration())
	}

	r.Get("/", a.Index)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	return r
}

func (a *App) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(a.index)
}

func (a *App) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// Run serves the app until ctx is done, then drains open requests.
func Run(ctx context.Context, cfg *Config) error {
	logger := log.FromContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	t, err := telemetry.NewTelemetry(ctx, "scanline-app", versioninfo.Short(), cfg.Dev, telemetry.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := t.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "error", err)
		}
	}()

	a, err := New(ctx, cfg, reg, t)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting app", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down app")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
