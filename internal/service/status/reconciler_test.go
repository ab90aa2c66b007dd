package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
	"github.com/bustinjailey/devfarm/internal/service/copilot"
)

type fakeRegistry struct {
	envs []domain.Environment
	err  error
}

func (f *fakeRegistry) ListEnvironments(context.Context) ([]domain.Environment, error) {
	return f.envs, f.err
}

// slowRegistry stalls each list long enough for ticker intervals to fire
// while a tick is still in flight.
type slowRegistry struct {
	mu          sync.Mutex
	delay       time.Duration
	calls       int
	inFlight    int
	maxParallel int
}

func (s *slowRegistry) ListEnvironments(context.Context) ([]domain.Environment, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxParallel {
		s.maxParallel = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(s.delay)
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return nil, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	states  map[string]engine.ContainerState
	errs    map[string]error
	healthy map[string]bool
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[id]; ok {
		return engine.ContainerState{}, err
	}
	state, ok := f.states[id]
	if !ok {
		return engine.ContainerState{}, engine.ErrNotFound
	}
	return state, nil
}

func (f *fakeEngine) HealthProbe(_ context.Context, id string, _ int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[id]
}

type fakeTracker struct {
	mu      sync.Mutex
	results map[string]copilot.Result
}

func (f *fakeTracker) Track(_ context.Context, env *domain.Environment) copilot.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[env.ID]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	name    string
	payload any
}

func (f *fakePublisher) Publish(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{name: event, payload: payload})
}

func (f *fakePublisher) statuses() []domain.EnvStatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EnvStatusEvent
	for _, e := range f.events {
		if e.name == domain.EventEnvStatus {
			out = append(out, e.payload.(domain.EnvStatusEvent))
		}
	}
	return out
}

func (f *fakePublisher) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.name == event {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestReconciler(reg Registry, eng Engine, tr Tracker, pub Publisher) *Reconciler {
	return NewReconciler(reg, eng, tr, pub, Config{PublicHost: "farm.local", Workers: 4}, testLogger())
}

func runningEnv(id string) domain.Environment {
	return domain.Environment{ID: id, ContainerID: "ctr-" + id, Mode: domain.ModeWorkspace, Port: 8100}
}

func TestTickSuppressesUnchangedStatus(t *testing.T) {
	env := runningEnv("a")
	reg := &fakeRegistry{envs: []domain.Environment{env}}
	eng := &fakeEngine{
		states:  map[string]engine.ContainerState{env.ContainerID: {Phase: "running"}},
		healthy: map[string]bool{env.ContainerID: true},
	}
	tracker := &fakeTracker{results: map[string]copilot.Result{}}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	for i := 0; i < 3; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	statuses := pub.statuses()
	if len(statuses) != 1 {
		t.Fatalf("expected one env-status for unchanged state, got %d", len(statuses))
	}
	if statuses[0].Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", statuses[0].Status)
	}
	if statuses[0].URL != "http://farm.local:8100" {
		t.Fatalf("unexpected url %s", statuses[0].URL)
	}
}

func TestTickPublishesOnChange(t *testing.T) {
	env := runningEnv("a")
	reg := &fakeRegistry{envs: []domain.Environment{env}}
	eng := &fakeEngine{
		states:  map[string]engine.ContainerState{env.ContainerID: {Phase: "running"}},
		healthy: map[string]bool{env.ContainerID: false},
	}
	tracker := &fakeTracker{results: map[string]copilot.Result{}}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	eng.mu.Lock()
	eng.healthy[env.ContainerID] = true
	eng.mu.Unlock()
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses := pub.statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected two env-status events, got %d", len(statuses))
	}
	if statuses[0].Status != domain.StatusStarting || statuses[1].Status != domain.StatusRunning {
		t.Fatalf("expected starting then running, got %s then %s", statuses[0].Status, statuses[1].Status)
	}
}

func TestAuthGatesRunningStatus(t *testing.T) {
	env := runningEnv("a")
	reg := &fakeRegistry{envs: []domain.Environment{env}}
	eng := &fakeEngine{
		states:  map[string]engine.ContainerState{env.ContainerID: {Phase: "running"}},
		healthy: map[string]bool{env.ContainerID: true},
	}
	tracker := &fakeTracker{results: map[string]copilot.Result{
		"a": {RequiresAuth: true, DeviceAuth: &domain.DeviceAuthState{Code: "ABCD-1234"}},
	}}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses := pub.statuses()
	if len(statuses) != 1 {
		t.Fatalf("expected one env-status, got %d", len(statuses))
	}
	if statuses[0].Status == domain.StatusRunning {
		t.Fatal("status must not be running while auth is required")
	}
	if !statuses[0].RequiresAuth {
		t.Fatal("expected requiresAuth in published event")
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	broken := runningEnv("broken")
	healthy := runningEnv("healthy")
	reg := &fakeRegistry{envs: []domain.Environment{broken, healthy}}
	eng := &fakeEngine{
		states:  map[string]engine.ContainerState{healthy.ContainerID: {Phase: "running"}},
		errs:    map[string]error{broken.ContainerID: errors.New("engine down")},
		healthy: map[string]bool{healthy.ContainerID: true},
	}
	tracker := &fakeTracker{results: map[string]copilot.Result{}}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses := pub.statuses()
	if len(statuses) != 1 {
		t.Fatalf("expected the healthy environment to still publish, got %d events", len(statuses))
	}
	if statuses[0].EnvID != "healthy" {
		t.Fatalf("expected event for healthy env, got %s", statuses[0].EnvID)
	}
}

func TestMissingContainerReportsExited(t *testing.T) {
	env := runningEnv("gone")
	reg := &fakeRegistry{envs: []domain.Environment{env}}
	eng := &fakeEngine{states: map[string]engine.ContainerState{}}
	tracker := &fakeTracker{results: map[string]copilot.Result{}}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses := pub.statuses()
	if len(statuses) != 1 {
		t.Fatalf("expected one env-status, got %d", len(statuses))
	}
	if statuses[0].Status != domain.StatusExited {
		t.Fatalf("expected exited for missing container, got %s", statuses[0].Status)
	}
}

// scriptedExec drives the real tracker through the terminal-mode auth flow.
type scriptedExec struct {
	mu     sync.Mutex
	status string
	device string
}

func (s *scriptedExec) ExecCapture(_ context.Context, _ string, cmd []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cmd) == 2 && cmd[1] == "/tmp/copilot-device.json" {
		return s.device, nil
	}
	return s.status, nil
}

func (s *scriptedExec) Logs(context.Context, string, int) (string, error) {
	return "", nil
}

func (s *scriptedExec) set(status, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.device = device
}

func TestTerminalAuthFlowAcrossTicks(t *testing.T) {
	env := domain.Environment{ID: "demo", ContainerID: "ctr-demo", Mode: domain.ModeTerminal, Port: 8100}
	reg := &fakeRegistry{envs: []domain.Environment{env}}
	eng := &fakeEngine{
		states:  map[string]engine.ContainerState{env.ContainerID: {Phase: "running"}},
		healthy: map[string]bool{env.ContainerID: true},
	}
	exec := &scriptedExec{status: "configuring"}
	pub := &fakePublisher{}
	tracker := copilot.NewTracker(exec, pub, testLogger())
	r := newTestReconciler(reg, eng, tracker, pub)

	// Tick 1: automation is configuring.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pub.count(domain.EventCopilotStatus); got != 1 {
		t.Fatalf("tick 1: expected one copilot-status, got %d", got)
	}

	// Tick 2: device code pending.
	exec.set("awaiting-auth", `{"code":"ABCD-1234","url":"https://example/device"}`)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pub.count(domain.EventCopilotStatus); got != 2 {
		t.Fatalf("tick 2: expected two copilot-status events, got %d", got)
	}
	if got := pub.count(domain.EventDeviceAuth); got != 1 {
		t.Fatalf("tick 2: expected one device-auth, got %d", got)
	}
	statuses := pub.statuses()
	last := statuses[len(statuses)-1]
	if last.Status != domain.StatusStarting {
		t.Fatalf("tick 2: expected starting while auth pending, got %s", last.Status)
	}

	// Tick 3: authenticated.
	exec.set("authenticated", "")
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pub.count(domain.EventCopilotReady); got != 1 {
		t.Fatalf("tick 3: expected one copilot-ready, got %d", got)
	}
	statuses = pub.statuses()
	last = statuses[len(statuses)-1]
	if last.Status != domain.StatusRunning {
		t.Fatalf("tick 3: expected running after auth, got %s", last.Status)
	}
	if last.RequiresAuth {
		t.Fatal("tick 3: requiresAuth should be false after auth")
	}
}

func TestRunSkipsIntervalWhileTickInFlight(t *testing.T) {
	reg := &slowRegistry{delay: 40 * time.Millisecond}
	eng := &fakeEngine{}
	tracker := &fakeTracker{}
	pub := &fakePublisher{}
	r := newTestReconciler(reg, eng, tracker, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.maxParallel > 1 {
		t.Fatalf("ticks overlapped: %d in flight", reg.maxParallel)
	}
	if reg.calls == 0 {
		t.Fatal("expected at least one tick")
	}
	// Roughly 20 intervals elapse while each tick takes 40ms; most
	// intervals must be skipped, not queued.
	if reg.calls > 6 {
		t.Fatalf("expected slow ticks to skip intervals, got %d ticks", reg.calls)
	}
}
