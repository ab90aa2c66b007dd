package copilot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
)

const (
	statusFilePath = "/tmp/copilot-status"
	deviceFilePath = "/tmp/copilot-device.json"
	logTailLines   = 100
)

// ContainerExec is the slice of the engine the tracker needs.
type ContainerExec interface {
	ExecCapture(ctx context.Context, id string, cmd []string) (string, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Publisher pushes typed events to dashboard subscribers.
type Publisher interface {
	Publish(event string, payload any)
}

// Result is the tracker's verdict for one environment on one pass.
type Result struct {
	RequiresAuth bool
	DeviceAuth   *domain.DeviceAuthState
}

// Tracker follows the in-guest auth automation for each environment and
// announces progress exactly once per distinct sub-status.
type Tracker struct {
	exec ContainerExec
	pub  Publisher
	log  *slog.Logger

	mu         sync.Mutex
	lastToken  map[string]string
	deviceAuth map[string]domain.DeviceAuthState
	prevAuth   map[string]bool
}

// NewTracker constructs a Tracker.
func NewTracker(exec ContainerExec, pub Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		exec:       exec,
		pub:        pub,
		log:        logger,
		lastToken:  make(map[string]string),
		deviceAuth: make(map[string]domain.DeviceAuthState),
		prevAuth:   make(map[string]bool),
	}
}

// Track evaluates auth automation for one environment. Terminal-mode
// environments report through status files inside the guest; every other
// mode is inferred from the trailing container logs.
func (t *Tracker) Track(ctx context.Context, env *domain.Environment) Result {
	if env.Mode == domain.ModeTerminal {
		return t.trackTerminal(ctx, env)
	}
	return t.trackTunnel(ctx, env)
}

func (t *Tracker) trackTerminal(ctx context.Context, env *domain.Environment) Result {
	raw, err := t.exec.ExecCapture(ctx, env.ContainerID, []string{"cat", statusFilePath})
	if err != nil && !errors.Is(err, engine.ErrCommandFailed) {
		t.log.Warn("read auth status", "env_id", env.ID, "error", err)
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	}

	token, outcome := parseStatusToken(raw)
	if outcome != parsedToken {
		// No file yet or garbage content: the automation has not reported,
		// so the environment is not usable.
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	}

	t.announceProgress(env.ID, token)

	switch token {
	case TokenAuthenticated:
		return t.remember(env.ID, t.finishAuth(env.ID))
	case TokenTimeout:
		t.setCache(env.ID, domain.DeviceAuthState{Code: "TIMEOUT"})
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	case TokenAwaitingAuth, TokenPending:
		t.refreshDeviceCode(ctx, env)
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	default:
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	}
}

func (t *Tracker) trackTunnel(ctx context.Context, env *domain.Environment) Result {
	logs, err := t.exec.Logs(ctx, env.ContainerID, logTailLines)
	if err != nil {
		t.log.Warn("read tunnel logs", "env_id", env.ID, "error", err)
		return Result{RequiresAuth: t.previous(env.ID), DeviceAuth: t.cached(env.ID)}
	}

	code, url, ready := scanTunnelLogs(logs)
	switch {
	case ready:
		t.clearCache(env.ID)
		return t.remember(env.ID, Result{RequiresAuth: false})
	case code != "":
		if prev := t.cached(env.ID); prev == nil || prev.Code != code {
			state := domain.DeviceAuthState{Code: code, URL: url}
			t.setCache(env.ID, state)
			t.pub.Publish(domain.EventDeviceAuth, domain.DeviceAuthEvent{
				EnvID: env.ID, URL: url, Code: code,
			})
		}
		return t.remember(env.ID, Result{RequiresAuth: true, DeviceAuth: t.cached(env.ID)})
	default:
		return Result{RequiresAuth: t.previous(env.ID), DeviceAuth: t.cached(env.ID)}
	}
}

// announceProgress publishes a copilot-status event the first time each
// distinct progress token is seen. Non-progress tokens never touch the
// last-seen record, so a progress token re-read after an error or timeout
// interlude is not re-announced.
func (t *Tracker) announceProgress(envID, token string) {
	if !progressTokens[token] {
		return
	}
	t.mu.Lock()
	changed := t.lastToken[envID] != token
	if changed {
		t.lastToken[envID] = token
	}
	t.mu.Unlock()
	if changed {
		t.pub.Publish(domain.EventCopilotStatus, domain.CopilotStatusEvent{
			EnvID: envID, Status: token,
		})
	}
}

// finishAuth clears cached device state, announcing readiness exactly once.
func (t *Tracker) finishAuth(envID string) Result {
	t.mu.Lock()
	_, had := t.deviceAuth[envID]
	delete(t.deviceAuth, envID)
	t.mu.Unlock()
	if had {
		t.pub.Publish(domain.EventCopilotReady, domain.CopilotReadyEvent{
			EnvID: envID, Status: "ready",
		})
	}
	return Result{RequiresAuth: false}
}

// refreshDeviceCode reads the device-code file and publishes a device-auth
// event when a new code appears.
func (t *Tracker) refreshDeviceCode(ctx context.Context, env *domain.Environment) {
	raw, err := t.exec.ExecCapture(ctx, env.ContainerID, []string{"cat", deviceFilePath})
	if err != nil && !errors.Is(err, engine.ErrCommandFailed) {
		t.log.Warn("read device code", "env_id", env.ID, "error", err)
		return
	}
	d, ok := parseDeviceFile(raw)
	if !ok {
		return
	}
	if prev := t.cached(env.ID); prev != nil && prev.Code == d.Code {
		return
	}
	t.setCache(env.ID, domain.DeviceAuthState{Code: d.Code, URL: d.URL})
	t.pub.Publish(domain.EventDeviceAuth, domain.DeviceAuthEvent{
		EnvID: env.ID, URL: d.URL, Code: d.Code,
	})
}

// Forget drops all cached state for an environment after it is deleted.
func (t *Tracker) Forget(envID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastToken, envID)
	delete(t.deviceAuth, envID)
	delete(t.prevAuth, envID)
}

func (t *Tracker) cached(envID string) *domain.DeviceAuthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.deviceAuth[envID]; ok {
		s := state
		return &s
	}
	return nil
}

func (t *Tracker) setCache(envID string, state domain.DeviceAuthState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceAuth[envID] = state
}

func (t *Tracker) clearCache(envID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deviceAuth, envID)
}

func (t *Tracker) previous(envID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevAuth[envID]
}

func (t *Tracker) remember(envID string, r Result) Result {
	t.mu.Lock()
	t.prevAuth[envID] = r.RequiresAuth
	t.mu.Unlock()
	return r
}
