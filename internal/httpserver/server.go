package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ctfrange/orchestrator/internal/config"
)

// wsConn is the subset of *websocket.Conn the admin stream needs, narrowed
// so it can be faked in tests without a real socket.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// upgrader is the subset of *websocket.Upgrader the server needs.
type upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (wsConn, error)
}

type gorillaUpgrader struct{ u websocket.Upgrader }

func (g gorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, h http.Header) (wsConn, error) {
	return g.u.Upgrade(w, r, h)
}

// Server holds the HTTP server dependencies and routing for the challenge
// orchestration surface described in SPEC_FULL.md §6.
type Server struct {
	Router *chi.Mux

	cfg          *config.Config
	logger       *slog.Logger
	db           pinger
	rdb          *redis.Client
	orchestrator Orchestrator
	captcha      CaptchaBroker
	store        StatusStore
	resources    ResourceSnapshotter
	logReader    LogReader
	events       EventSubscriber
	upgrader     upgrader

	dbHost string
	dbName string

	startedAt time.Time
}

// pinger is the subset of *pgxpool.Pool the readiness check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles every collaborator NewServer wires into route handlers.
type Deps struct {
	DB           pinger
	Redis        *redis.Client
	Orchestrator Orchestrator
	Captcha      CaptchaBroker
	Store        StatusStore
	Resources    ResourceSnapshotter
	LogReader    LogReader
	Events       EventSubscriber
	DBHost       string
	DBName       string
}

// NewServer assembles the router: ambient middleware, then the public,
// user-facing, and admin-gated route groups.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		cfg:          cfg,
		logger:       logger,
		db:           deps.DB,
		rdb:          deps.Redis,
		orchestrator: deps.Orchestrator,
		captcha:      deps.Captcha,
		store:        deps.Store,
		resources:    deps.Resources,
		logReader:    deps.LogReader,
		events:       deps.Events,
		upgrader:     gorillaUpgrader{websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}},
		dbHost:       deps.DBHost,
		dbName:       deps.DBName,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public, unauthenticated surface.
	s.Router.Get("/", s.handleIndex)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Get("/get_captcha", s.handleGetCaptcha)

	// Pseudonymous, cookie-identified user surface.
	s.Router.Post("/deploy", s.handleDeploy)
	s.Router.Post("/stop", s.handleStop)
	s.Router.Post("/restart", s.handleRestart)
	s.Router.Post("/extend", s.handleExtend)

	// Admin surface.
	s.Router.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/admin", s.handleAdminIndex)
		r.Get("/admin/status", s.handleAdminStatus)
		r.Get("/admin/stream", s.handleAdminStream)
		r.Get("/logs", s.handleLogs)
		if cfg.EnableMetrics {
			r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		}
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
