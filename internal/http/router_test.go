package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
	"github.com/bustinjailey/devfarm/internal/repository"
	"github.com/bustinjailey/devfarm/internal/service/copilot"
	"github.com/bustinjailey/devfarm/internal/service/lifecycle"
	"github.com/bustinjailey/devfarm/internal/ws"
	"github.com/bustinjailey/devfarm/pkg/config"
)

type emptyRepo struct{}

func (emptyRepo) CreateEnvironment(context.Context, *domain.Environment) error { return nil }
func (emptyRepo) UpsertEnvironment(context.Context, *domain.Environment) error { return nil }
func (emptyRepo) GetEnvironment(context.Context, string) (*domain.Environment, error) {
	return nil, repository.ErrNotFound
}
func (emptyRepo) DeleteEnvironment(context.Context, string) error { return nil }
func (emptyRepo) ListEnvironments(context.Context) ([]domain.Environment, error) {
	return nil, nil
}

type noopEngine struct{}

func (noopEngine) Inspect(context.Context, string) (engine.ContainerState, error) {
	return engine.ContainerState{}, engine.ErrNotFound
}
func (noopEngine) Create(context.Context, engine.Spec) (string, error) { return "", nil }
func (noopEngine) Start(context.Context, string) error                 { return nil }
func (noopEngine) Stop(context.Context, string) error                  { return nil }
func (noopEngine) Restart(context.Context, string) error               { return nil }
func (noopEngine) Remove(context.Context, string, bool) error          { return nil }
func (noopEngine) CreateVolume(context.Context, string) error          { return nil }
func (noopEngine) RemoveVolume(context.Context, string, bool) error    { return nil }
func (noopEngine) ImageExists(context.Context, string) (bool, error)   { return true, nil }
func (noopEngine) List(context.Context, string) ([]engine.ContainerState, error) {
	return nil, nil
}
func (noopEngine) Logs(context.Context, string, int) (string, error) { return "", nil }
func (noopEngine) HealthProbe(context.Context, string, int) bool     { return false }
func (noopEngine) Stats(context.Context, string) domain.ContainerStats {
	return domain.ContainerStats{}
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

type noopTracker struct{}

func (noopTracker) Track(context.Context, *domain.Environment) copilot.Result {
	return copilot.Result{}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	svc := lifecycle.New(emptyRepo{}, noopEngine{}, noopPublisher{}, noopTracker{}, config.OrchestratorConfig{
		PublicHost:     "farm.local",
		PortPoolSize:   10,
		WorkspaceImage: "dev-farm/code-server:latest",
	}, log)
	router := NewRouter(log, svc, ws.NewHub(), NewMemoryRateLimiter(), nil, Options{RateLimitPerMinute: 2})
	t.Cleanup(router.Close)
	return router
}

func TestHealthzReportsHealthy(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestUnknownEnvironmentReturns404(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/environments/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/environments", strings.NewReader("{nope"))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEnvironmentActionRequiresPost(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/environments/demo/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	router := newTestRouter(t)
	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last)
	}
}
