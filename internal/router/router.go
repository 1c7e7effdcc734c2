package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leca/schemhost/internal/api"
	"github.com/leca/schemhost/internal/config"
	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/handler"
	"github.com/leca/schemhost/internal/metrics"
	"github.com/leca/schemhost/internal/pruner"
	"github.com/leca/schemhost/internal/storage"
)

const healthTimeout = 2 * time.Second

// Server holds the application dependencies and HTTP router.
type Server struct {
	DB      database.Database
	Store   storage.Storage
	Config  *config.Config
	Metrics *metrics.Metrics
	Router  chi.Router

	// Pruner is the background sweeper, nil when WithSweeper replaced it.
	Pruner *pruner.Pruner

	logger *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	sweeper  handler.Sweeper
}

// WithLogger sets the logger for request and handler logs.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg and serves it at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSweeper sets the sweeper behind POST /admin/prune.
func WithSweeper(s handler.Sweeper) Option {
	return func(o *options) { o.sweeper = s }
}

// New creates a new Server with a fully configured chi router.
func New(db database.Database, store storage.Storage, cfg *config.Config, opts ...Option) *Server {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	m := metrics.New(o.registry)

	s := &Server{DB: db, Store: store, Config: cfg, Metrics: m, logger: o.logger}
	if o.sweeper == nil {
		s.Pruner = pruner.New(db, store, cfg.PruneInterval(), cfg.PruneInterval(), m, o.logger)
		o.sweeper = s.Pruner
	}

	h := &handler.Handler{
		DB:      db,
		Store:   store,
		Config:  cfg,
		Metrics: m,
		Sweeper: o.sweeper,
		Logger:  o.logger,
	}

	trusted, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		o.logger.Warn("ignoring trusted proxies", slog.String("error", err.Error()))
		trusted = nil
	}

	slowDown := api.NewSlowDown(cfg.LimiterWindow(), cfg.Limiter.DelayAfter, cfg.LimiterDelay(),
		api.WithOnDelay(func(time.Duration) { m.SlowedRequests.Inc() }),
		api.WithSlowDownLogger(o.logger),
		api.WithTrustedProxies(trusted),
	)

	r := chi.NewRouter()

	// CORS runs first so preflight OPTIONS never reach the limiter.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length", "X-SlowDown-Delay"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(o.logger, trusted))
	r.Use(m.Middleware)

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry}))

	// Public routes are slowed per client.
	r.Group(func(r chi.Router) {
		r.Use(slowDown.Middleware)

		r.Post("/upload", h.Upload)
		r.Get("/download/{key}", h.Download)
		r.Head("/download/{key}", h.Download)
		r.Delete("/delete/{key}", h.Delete)
		r.Head("/delete/{key}", h.CheckDelete)
	})

	// Admin routes exist only when a token is configured.
	if cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(api.AuthMiddleware(cfg.AdminToken))

			r.Get("/schematics", h.ListSchematics)
			r.Get("/stats", h.Stats)
			r.Post("/prune", h.Prune)
		})
	}

	s.Router = r
	return s
}

// Health reports whether the record store is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		api.Unavailable(w, "database unreachable")
		return
	}
	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(map[string]string{"status": "ok"}))
}
