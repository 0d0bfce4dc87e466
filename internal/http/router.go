package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/service/deploy"
	"github.com/vortex44/deployer/internal/service/lifecycle"
)

const (
	healthCheckTimeout = 2 * time.Second
	tokenHeader        = "X-Deployer-Token"
	defaultListLimit   = 20
	maxListLimit       = 100
)

// Deployments is the orchestration surface served over HTTP. deploy.Service
// satisfies it.
type Deployments interface {
	Create(ctx context.Context, projectID, subdomain string) (*domain.Deployment, error)
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	Build(ctx context.Context, id string) (deploy.Outcome, error)
	Stop(ctx context.Context, id string) (*domain.Deployment, error)
	Rollback(ctx context.Context, id string) (deploy.RollbackResult, error)
	Logs(ctx context.Context, id string) (string, error)
	StreamLogs(ctx context.Context, id string, w io.Writer) error
	Health(ctx context.Context) error
}

var _ Deployments = deploy.Service{}

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck func(ctx context.Context) error

// Router exposes HTTP endpoints for the deployer service.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	deploy             Deployments
	authToken          string
	checks             map[string]HealthCheck
	upgrader           websocket.Upgrader
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	buildResults       *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec

	limiter    RateLimiter
	rateLimit  int
	rateWindow time.Duration
}

// New creates and registers handlers. Mutating routes require authToken in
// the X-Deployer-Token header when it is non-empty. checks are reported by
// /health next to the container engine.
func New(logger *slog.Logger, deployments Deployments, authToken string, checks map[string]HealthCheck) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    deployments,
		authToken: strings.TrimSpace(authToken),
		checks:    checks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/health", r.instrument("/health", r.handleHealth))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deployments/", r.handleDeploymentSubroutes)
	r.mux.HandleFunc("/projects/", r.instrument("/projects/:id/deployments", r.handleProjectDeployments))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := make(map[string]any, len(r.checks)+1)
	probe := func(name string, check HealthCheck) {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	probe("docker", r.deploy.Health)
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if r.checks[name] != nil {
			probe(name, r.checks[name])
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleDeploymentSubroutes dispatches /deployments/{id}[/{action}[/stream]].
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" {
		r.instrument("/deployments/:id", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })(w, req)
		return
	}
	switch {
	case len(parts) == 1:
		r.instrument("/deployments/:id", func(w http.ResponseWriter, req *http.Request) {
			r.handleGetDeployment(w, req, id)
		})(w, req)
	case len(parts) == 2 && parts[1] == "build":
		r.instrument("/deployments/:id/build", r.requireToken(r.withRateLimit("/deployments/:id/build", func(w http.ResponseWriter, req *http.Request) {
			r.handleBuild(w, req, id)
		})))(w, req)
	case len(parts) == 2 && parts[1] == "stop":
		r.instrument("/deployments/:id/stop", r.requireToken(r.withRateLimit("/deployments/:id/stop", func(w http.ResponseWriter, req *http.Request) {
			r.handleStop(w, req, id)
		})))(w, req)
	case len(parts) == 2 && parts[1] == "rollback":
		r.instrument("/deployments/:id/rollback", r.requireToken(r.withRateLimit("/deployments/:id/rollback", func(w http.ResponseWriter, req *http.Request) {
			r.handleRollback(w, req, id)
		})))(w, req)
	case len(parts) == 2 && parts[1] == "logs":
		r.instrument("/deployments/:id/logs", func(w http.ResponseWriter, req *http.Request) {
			r.handleLogs(w, req, id)
		})(w, req)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.instrument("/deployments/:id/logs/stream", func(w http.ResponseWriter, req *http.Request) {
			r.handleLogStream(w, req, id)
		})(w, req)
	default:
		r.instrument("/deployments/:id", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })(w, req)
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	d, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	outcome, err := r.deploy.Build(req.Context(), id)
	if err != nil {
		if !errors.Is(err, deploy.ErrNotFound) && !errors.Is(err, deploy.ErrBuildInProgress) {
			r.recordBuildResult("error")
		}
		r.writeServiceError(w, err)
		return
	}
	if !outcome.Success {
		r.recordBuildResult("failure")
		r.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "build failed",
			"logs":  outcome.Logs,
		})
		return
	}
	if outcome.AutoFixed {
		r.recordBuildResult("autofixed")
	} else {
		r.recordBuildResult("success")
	}
	r.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"url":         outcome.URL,
		"containerId": outcome.ContainerID,
		"port":        outcome.Port,
		"autoFixed":   outcome.AutoFixed,
	})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	d, err := r.deploy.Stop(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deployment": d})
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.deploy.Rollback(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	payload := map[string]any{"success": true, "deployment": result.RolledBack}
	if result.Restored != nil {
		payload["restored"] = result.Restored
	}
	r.writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	logs, err := r.deploy.Logs(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "deployments" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	switch req.Method {
	case http.MethodPost:
		if !r.verifyToken(w, req) || !r.allowRate(w, req, "/projects/:id/deployments") {
			return
		}
		var payload struct {
			Subdomain string `json:"subdomain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			r.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		d, err := r.deploy.Create(req.Context(), projectID, payload.Subdomain)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		r.writeJSON(w, http.StatusCreated, d)
	case http.MethodGet:
		limit := defaultListLimit
		if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				r.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(parsed, maxListLimit)
		}
		list, err := r.deploy.List(req.Context(), projectID, limit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		if list == nil {
			list = []domain.Deployment{}
		}
		r.writeJSON(w, http.StatusOK, map[string]any{"deployments": list})
	default:
		r.methodNotAllowed(w)
	}
}

// writeServiceError maps service sentinel errors to status codes. Anything
// unrecognised is logged and reported as a 500 without internals.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		r.writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deploy.ErrNoActiveDeployment):
		r.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deploy.ErrBuildInProgress):
		r.writeError(w, http.StatusConflict, err.Error())
	case lifecycle.IsInvalidInput(err):
		r.writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "error", err)
		r.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.verifyToken(w, req) {
			return
		}
		next(w, req)
	}
}

// verifyToken checks the shared secret when one is configured.
func (r *Router) verifyToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.authToken
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get(tokenHeader))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("deployer token mismatch", "path", req.URL.Path)
		r.writeError(w, http.StatusUnauthorized, "invalid deployer token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	r.writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
