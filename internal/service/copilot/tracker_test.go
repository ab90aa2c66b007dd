package copilot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
)

type fakeExec struct {
	mu       sync.Mutex
	status   string
	device   string
	logs     string
	execErr  error
	logsErr  error
	commands [][]string
}

func (f *fakeExec) ExecCapture(_ context.Context, _ string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.execErr != nil {
		return "", f.execErr
	}
	if len(cmd) == 2 && cmd[1] == deviceFilePath {
		return f.device, nil
	}
	return f.status, nil
}

func (f *fakeExec) Logs(_ context.Context, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
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

func terminalEnv() *domain.Environment {
	return &domain.Environment{ID: "demo", ContainerID: "c1", Mode: domain.ModeTerminal}
}

func TestTerminalProgressAnnouncedOncePerToken(t *testing.T) {
	exec := &fakeExec{status: "configuring"}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	for i := 0; i < 3; i++ {
		result := tracker.Track(context.Background(), terminalEnv())
		if !result.RequiresAuth {
			t.Fatalf("tick %d: expected requiresAuth while configuring", i)
		}
	}
	if got := pub.count(domain.EventCopilotStatus); got != 1 {
		t.Fatalf("expected one copilot-status event, got %d", got)
	}

	exec.status = "login"
	tracker.Track(context.Background(), terminalEnv())
	if got := pub.count(domain.EventCopilotStatus); got != 2 {
		t.Fatalf("expected second copilot-status after token change, got %d", got)
	}
}

func TestTerminalProgressNotReannouncedAfterErrorInterlude(t *testing.T) {
	exec := &fakeExec{status: "configuring"}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	tracker.Track(context.Background(), terminalEnv())

	exec.status = "error"
	tracker.Track(context.Background(), terminalEnv())

	exec.status = "configuring"
	tracker.Track(context.Background(), terminalEnv())

	if got := pub.count(domain.EventCopilotStatus); got != 1 {
		t.Fatalf("expected configuring announced once across error interlude, got %d events", got)
	}
}

func TestTerminalDeviceCodeDeduplicated(t *testing.T) {
	exec := &fakeExec{
		status: "awaiting-auth",
		device: `{"code":"ABCD-1234","url":"https://example/device"}`,
	}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	for i := 0; i < 5; i++ {
		result := tracker.Track(context.Background(), terminalEnv())
		if !result.RequiresAuth {
			t.Fatal("expected requiresAuth while awaiting auth")
		}
		if result.DeviceAuth == nil || result.DeviceAuth.Code != "ABCD-1234" {
			t.Fatalf("expected device auth state, got %+v", result.DeviceAuth)
		}
	}
	if got := pub.count(domain.EventDeviceAuth); got != 1 {
		t.Fatalf("expected one device-auth event for repeated code, got %d", got)
	}

	exec.device = `{"code":"WXYZ-5678","url":"https://example/device"}`
	tracker.Track(context.Background(), terminalEnv())
	if got := pub.count(domain.EventDeviceAuth); got != 2 {
		t.Fatalf("expected second device-auth after code change, got %d", got)
	}
}

func TestTerminalAuthenticatedPublishesReadyOnce(t *testing.T) {
	exec := &fakeExec{
		status: "awaiting-auth",
		device: `{"code":"ABCD-1234","url":"https://example/device"}`,
	}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	tracker.Track(context.Background(), terminalEnv())

	exec.status = "authenticated"
	for i := 0; i < 3; i++ {
		result := tracker.Track(context.Background(), terminalEnv())
		if result.RequiresAuth {
			t.Fatalf("tick %d: requiresAuth should be false once authenticated", i)
		}
		if result.DeviceAuth != nil {
			t.Fatalf("tick %d: device auth should be cleared, got %+v", i, result.DeviceAuth)
		}
	}
	if got := pub.count(domain.EventCopilotReady); got != 1 {
		t.Fatalf("expected exactly one copilot-ready event, got %d", got)
	}
}

func TestTerminalAuthenticatedWithoutPriorStateStaysQuiet(t *testing.T) {
	exec := &fakeExec{status: "authenticated"}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	result := tracker.Track(context.Background(), terminalEnv())
	if result.RequiresAuth {
		t.Fatal("requiresAuth should be false when already authenticated")
	}
	if got := pub.count(domain.EventCopilotReady); got != 0 {
		t.Fatalf("expected no copilot-ready without prior device state, got %d", got)
	}
}

func TestTerminalTimeoutYieldsSentinel(t *testing.T) {
	exec := &fakeExec{status: "timeout"}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	result := tracker.Track(context.Background(), terminalEnv())
	if !result.RequiresAuth {
		t.Fatal("expected requiresAuth on timeout")
	}
	if result.DeviceAuth == nil || result.DeviceAuth.Code != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT sentinel, got %+v", result.DeviceAuth)
	}
}

func TestTerminalMissingStatusFileAssumesAuthRequired(t *testing.T) {
	exec := &fakeExec{execErr: fmt.Errorf("%w: exit code 1", engine.ErrCommandFailed)}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())

	result := tracker.Track(context.Background(), terminalEnv())
	if !result.RequiresAuth {
		t.Fatal("expected requiresAuth when the status file is unreadable")
	}
	if got := pub.count(domain.EventCopilotStatus); got != 0 {
		t.Fatalf("expected no progress event without a token, got %d", got)
	}
}

func TestTunnelDeviceCodeDetectedAndDeduplicated(t *testing.T) {
	exec := &fakeExec{
		logs: "To grant access to the server, please log into https://github.com/login/device and use code ABCD-1234",
	}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())
	env := &domain.Environment{ID: "tun", ContainerID: "c2", Mode: domain.ModeWorkspace}

	for i := 0; i < 4; i++ {
		result := tracker.Track(context.Background(), env)
		if !result.RequiresAuth {
			t.Fatalf("tick %d: expected requiresAuth with pending device code", i)
		}
	}
	if got := pub.count(domain.EventDeviceAuth); got != 1 {
		t.Fatalf("expected one device-auth event, got %d", got)
	}
}

func TestTunnelReadyBannerClearsAuth(t *testing.T) {
	exec := &fakeExec{
		logs: "use code ABCD-1234 at https://github.com/login/device",
	}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())
	env := &domain.Environment{ID: "tun", ContainerID: "c2", Mode: domain.ModeWorkspace}

	tracker.Track(context.Background(), env)

	exec.logs = "Open this link in your browser https://vscode.dev/tunnel/devfarm-tun"
	result := tracker.Track(context.Background(), env)
	if result.RequiresAuth {
		t.Fatal("requiresAuth should clear once the tunnel is ready")
	}
	if result.DeviceAuth != nil {
		t.Fatalf("device auth should be cleared, got %+v", result.DeviceAuth)
	}
}

func TestTunnelNoSignalPreservesPreviousState(t *testing.T) {
	exec := &fakeExec{
		logs: "use code ABCD-1234 at https://github.com/login/device",
	}
	pub := &fakePublisher{}
	tracker := NewTracker(exec, pub, testLogger())
	env := &domain.Environment{ID: "tun", ContainerID: "c2", Mode: domain.ModeWorkspace}

	tracker.Track(context.Background(), env)

	exec.logs = "plain startup chatter with no auth hints"
	result := tracker.Track(context.Background(), env)
	if !result.RequiresAuth {
		t.Fatal("expected previous requiresAuth to be preserved with no new signal")
	}
}
