// Package httpapi exposes the kernel over HTTP: channel, session, order, and
// directive reads, the three session write endpoints (modify, resolve,
// commit), and health. All routes live under /api/v1 and speak JSON; errors
// use the kernel envelope {code, message, context}.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"omniman/internal/config"
	"omniman/internal/core"
	"omniman/internal/engine"
	"omniman/internal/infrastructure/health"
	"omniman/internal/storage"
	"omniman/pkg/telemetry"
)

// Rate-limit scopes. Each scope is one token bucket shared by the endpoints
// it covers and one label on the rejection counter.
const (
	scopeModify = "omniman_modify"
	scopeCommit = "omniman_commit"
)

// Server carries the wired kernel and the HTTP policy knobs from config.
type Server struct {
	engine  *engine.Service
	store   storage.Store
	cfg     *config.Config
	logger  core.ILogger
	authLog core.ILogger
	metrics *telemetry.MetricsHolder
	health  *health.HealthManager
	version string

	apiKeys   map[string]bool
	adminKeys map[string]bool
	limiters  map[string]*rate.Limiter
}

// NewServer builds the API server. InitMetrics must have run before the
// first request is served; hm evaluates its checks on every /health read.
func NewServer(svc *engine.Service, store storage.Store, cfg *config.Config, logger core.ILogger, hm *health.HealthManager, version string) *Server {
	s := &Server{
		engine:    svc,
		store:     store,
		cfg:       cfg,
		logger:    logger.WithField("component", "http_api"),
		authLog:   logger.WithField("component", "auth_failure"),
		metrics:   telemetry.GetGlobalMetrics(),
		health:    hm,
		version:   version,
		apiKeys:   map[string]bool{},
		adminKeys: map[string]bool{},
		limiters:  map[string]*rate.Limiter{},
	}
	for _, k := range cfg.API.APIKeys {
		s.apiKeys[k.Reveal()] = true
	}
	for _, k := range cfg.API.AdminKeys {
		s.adminKeys[k.Reveal()] = true
	}
	if cfg.API.ModifyRatePerSec > 0 {
		s.limiters[scopeModify] = rate.NewLimiter(rate.Limit(cfg.API.ModifyRatePerSec), atLeastOne(cfg.API.ModifyBurst))
	}
	if cfg.API.CommitRatePerSec > 0 {
		s.limiters[scopeCommit] = rate.NewLimiter(rate.Limit(cfg.API.CommitRatePerSec), atLeastOne(cfg.API.CommitBurst))
	}
	return s
}

// Router assembles the route table and middleware chain. Health is
// unauthenticated; directives require the admin permission classes; every
// other endpoint requires the default classes.
func (s *Server) Router() http.Handler {
	std := s.cfg.Defaults.DefaultPermissionClasses
	admin := s.cfg.Defaults.AdminPermissionClasses

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.withRequestID, s.withAccessLog)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.Handle("/channels", s.guard(std, http.HandlerFunc(s.handleListChannels))).Methods(http.MethodGet)
	api.Handle("/channels/{code}", s.guard(std, http.HandlerFunc(s.handleGetChannel))).Methods(http.MethodGet)

	api.Handle("/sessions", s.guard(std, http.HandlerFunc(s.handleListSessions))).Methods(http.MethodGet)
	api.Handle("/sessions", s.guard(std, http.HandlerFunc(s.handleCreateSession))).Methods(http.MethodPost)
	api.Handle("/sessions/{key}", s.guard(std, http.HandlerFunc(s.handleGetSession))).Methods(http.MethodGet)
	api.Handle("/sessions/{key}/modify",
		s.guard(std, s.limit(scopeModify, http.HandlerFunc(s.handleModify)))).Methods(http.MethodPost)
	api.Handle("/sessions/{key}/resolve",
		s.guard(std, s.limit(scopeModify, http.HandlerFunc(s.handleResolve)))).Methods(http.MethodPost)
	api.Handle("/sessions/{key}/commit",
		s.guard(std, s.limit(scopeCommit, http.HandlerFunc(s.handleCommit)))).Methods(http.MethodPost)

	api.Handle("/orders", s.guard(std, http.HandlerFunc(s.handleListOrders))).Methods(http.MethodGet)
	api.Handle("/orders/{ref}", s.guard(std, http.HandlerFunc(s.handleGetOrder))).Methods(http.MethodGet)

	api.Handle("/directives", s.guard(admin, http.HandlerFunc(s.handleListDirectives))).Methods(http.MethodGet)

	var h http.Handler = r
	if len(s.cfg.API.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.cfg.API.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", headerAPIKey, headerRequestID},
			ExposedHeaders: []string{headerRequestID},
			MaxAge:         300,
		}).Handler(r)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	components := s.health.GetStatus()
	for _, st := range components {
		if st != "Healthy" {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}
	if code != http.StatusOK {
		s.logger.Warn("health check failed", "components", components)
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
		"version":    s.version,
		"time":       time.Now().UTC(),
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: "no such endpoint"})
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "method_not_allowed", Message: "method not allowed"})
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
