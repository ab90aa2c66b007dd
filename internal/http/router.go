package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bustinjailey/devfarm/internal/service/lifecycle"
	"github.com/bustinjailey/devfarm/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	defaultLogTail     = 100
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to the lifecycle service and event streams.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	lifecycle    *lifecycle.Service
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	sseHeartbeat time.Duration
	rateLimit    int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Options tunes router behavior.
type Options struct {
	RateLimitPerMinute int
	SSEHeartbeat       time.Duration
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc *lifecycle.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error, opts Options) *Router {
	if opts.SSEHeartbeat <= 0 {
		opts.SSEHeartbeat = 30 * time.Second
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: svc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		sseHeartbeat: opts.SSEHeartbeat,
		rateLimit:    opts.RateLimitPerMinute,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/environments", r.instrument("/api/environments", r.withRateLimit("/api/environments", r.rateLimit, rateWindowDefault, r.handleEnvironments)))
	r.mux.HandleFunc("/api/environments/", r.instrument("/api/environments/{id}", r.withRateLimit("/api/environments/{id}", r.rateLimit, rateWindowDefault, r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/api/system/orphans", r.instrument("/api/system/orphans", r.handleOrphans))
	r.mux.HandleFunc("/api/system/cleanup-orphans", r.instrument("/api/system/cleanup-orphans", r.handleCleanupOrphans))
	r.mux.HandleFunc("/api/system/recover-registry", r.instrument("/api/system/recover-registry", r.handleRecoverRegistry))
	r.mux.HandleFunc("/events", r.handleSSE)
	r.mux.HandleFunc("/ws/events", r.handleWS)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		summaries, err := r.lifecycle.List(req.Context())
		if err != nil {
			r.logger.Error("list environments", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list environments")
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	case http.MethodPost:
		var payload lifecycle.CreateRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		resp, err := r.lifecycle.Create(req.Context(), payload)
		if err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/environments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "environment id required")
		return
	}

	switch action {
	case "":
		r.handleEnvironment(w, req, id)
	case "start":
		r.handleAction(w, req, id, r.lifecycle.Start)
	case "stop":
		r.handleAction(w, req, id, r.lifecycle.Stop)
	case "restart":
		r.handleAction(w, req, id, r.lifecycle.Restart)
	case "status":
		r.handleStatus(w, req, id)
	case "logs":
		r.handleLogs(w, req, id)
	default:
		writeError(w, http.StatusNotFound, "unknown environment operation")
	}
}

func (r *Router) handleEnvironment(w http.ResponseWriter, req *http.Request, id string) {
	switch req.Method {
	case http.MethodGet:
		summary, err := r.lifecycle.Get(req.Context(), id)
		if err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodDelete:
		if err := r.lifecycle.Delete(req.Context(), id); err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAction(w http.ResponseWriter, req *http.Request, id string, op func(context.Context, string) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := op(req.Context(), id); err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.lifecycle.Get(req.Context(), id)
	if err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"env_id":        summary.ID,
		"status":        summary.Status,
		"ready":         summary.Ready,
		"requires_auth": summary.RequiresAuth,
		"device_auth":   summary.DeviceAuth,
	})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail := defaultLogTail
	if raw := req.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = parsed
	}
	result, err := r.lifecycle.Logs(req.Context(), id, tail)
	if err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleOrphans(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	orphans, err := r.lifecycle.Orphans(req.Context())
	if err != nil {
		r.logger.Error("list orphans", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list orphans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": orphans})
}

func (r *Router) handleCleanupOrphans(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	removed := r.lifecycle.CleanupOrphans(req.Context(), payload.IDs)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleRecoverRegistry(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.lifecycle.RecoverRegistry(req.Context())
	if err != nil {
		r.logger.Error("recover registry", "error", err)
		writeError(w, http.StatusInternalServerError, "registry recovery failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(client)
	defer func() {
		r.hub.Unregister(client)
		client.Close()
	}()

	ticker := time.NewTicker(r.sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)
	defer func() {
		r.hub.Unregister(client)
		client.Close()
	}()

	// Drain the connection; we never expect client messages, reads only
	// surface disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "environment not found")
	case errors.Is(err, lifecycle.ErrAlreadyExists):
		writeError(w, http.StatusBadRequest, "environment already exists")
	case errors.Is(err, lifecycle.ErrImageMissing),
		errors.Is(err, lifecycle.ErrNameTooLong),
		errors.Is(err, lifecycle.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("environment operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
