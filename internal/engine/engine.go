package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/bustinjailey/devfarm/internal/domain"
)

// ContainerState captures minimal runtime details about a container.
type ContainerState struct {
	ID       string
	Name     string
	Phase    string
	Health   string
	HostPort int
	Labels   map[string]string
}

// VolumeMount binds a named volume or host path into the container.
type VolumeMount struct {
	Source   string
	Target   string
	HostPath bool
}

// Spec describes a container to create.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	Mounts      []VolumeMount
	Ports       nat.PortMap
	NetworkMode string
	Labels      map[string]string
}

// Inspect returns the runtime state of a container by id or name.
func (c *Client) Inspect(ctx context.Context, id string) (ContainerState, error) {
	if strings.TrimSpace(id) == "" {
		return ContainerState{}, fmt.Errorf("container id cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}

	state := ContainerState{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		state.Phase = inspect.State.Status
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
	}
	if inspect.NetworkSettings != nil {
		state.HostPort = firstHostPort(inspect.NetworkSettings.Ports)
	}
	return state, nil
}

func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, binding := range bindings {
			if p, err := nat.ParsePort(binding.HostPort); err == nil && p > 0 {
				return p
			}
		}
	}
	return 0
}

// Create creates a container from the spec and returns its id. The
// container is not started.
func (c *Client) Create(ctx context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range spec.Ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: spec.Ports,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	for _, m := range spec.Mounts {
		typ := mount.TypeVolume
		if m.HostPath {
			typ = mount.TypeBind
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   typ,
			Source: m.Source,
			Target: m.Target,
		})
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return r.ID, nil
}

// Start starts an existing container.
func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Stop stops a running container, waiting up to the engine default timeout.
func (c *Client) Stop(ctx context.Context, id string) error {
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, id string) error {
	if err := c.inner.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

// Remove deletes a container, forcing removal of running containers.
// Removing an absent container is not an error.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// CreateVolume creates a named volume if it does not already exist.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("volume name cannot be empty")
	}
	if _, err := c.inner.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	return nil
}

// RemoveVolume deletes a named volume. Removing an absent volume is not an
// error.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("volume name cannot be empty")
	}
	if err := c.inner.VolumeRemove(ctx, name, force); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume: %w", err)
	}
	return nil
}

// ImageExists reports whether the image is present on the host.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	if strings.TrimSpace(ref) == "" {
		return false, fmt.Errorf("image reference cannot be empty")
	}
	_, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("image inspect: %w", err)
	}
	return true, nil
}

// List returns all containers, running or not, whose name starts with the
// prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ContainerState, error) {
	args := filters.NewArgs()
	if prefix != "" {
		args.Add("name", prefix)
	}
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	states := make([]ContainerState, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		// The name filter matches substrings; enforce the prefix here.
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		state := ContainerState{
			ID:     ctr.ID,
			Name:   name,
			Phase:  ctr.State,
			Labels: ctr.Labels,
		}
		for _, p := range ctr.Ports {
			if p.PublicPort > 0 {
				state.HostPort = int(p.PublicPort)
				break
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// ExecCapture runs a command inside the container and returns its stdout.
// A non-zero exit returns ErrCommandFailed with whatever output was
// produced.
func (c *Client) ExecCapture(ctx context.Context, id string, cmd []string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("container id cannot be empty")
	}
	if len(cmd) == 0 {
		return "", fmt.Errorf("command cannot be empty")
	}

	execID, err := c.inner.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.inner.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("%w: exit code %d", ErrCommandFailed, inspect.ExitCode)
	}
	return stdout.String(), nil
}

// Logs returns the last tail lines of a container's combined output.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("container id cannot be empty")
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	reader, err := c.inner.ContainerLogs(ctx, id, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	stdout.Write(stderr.Bytes())
	return stdout.String(), nil
}

// Stats samples CPU and memory usage for a container. Failures degrade to
// zero values; stats decorate summaries and are never load-bearing.
func (c *Client) Stats(ctx context.Context, id string) domain.ContainerStats {
	resp, err := c.inner.ContainerStats(ctx, id, false)
	if err != nil {
		return domain.ContainerStats{}
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.ContainerStats{}
	}

	var cpu float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		cpu = cpuDelta / systemDelta * 100.0
	}
	var mem float64
	if raw.MemoryStats.Limit > 0 {
		mem = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}
	return domain.ContainerStats{
		CPUPercent:    round1(cpu),
		MemoryPercent: round1(mem),
		MemoryMB:      round1(float64(raw.MemoryStats.Usage) / 1024 / 1024),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// HealthProbe reports whether the environment's editor is serving. The
// container's own healthcheck wins when present; otherwise the in-guest
// service port is probed over HTTP, then the published host port.
func (c *Client) HealthProbe(ctx context.Context, id string, hostPort int) bool {
	state, err := c.Inspect(ctx, id)
	if err != nil {
		return false
	}
	if state.Health != "" {
		return state.Health == "healthy"
	}
	if state.Phase != "running" {
		return false
	}

	out, err := c.ExecCapture(ctx, id, []string{
		"curl", "-sf", "-o", "/dev/null", "-w", "%{http_code}", "http://localhost:8080/healthz",
	})
	if err == nil && httpCodeOK(out) {
		return true
	}
	if hostPort <= 0 {
		return false
	}
	return probeHostPort(ctx, hostPort)
}

func httpCodeOK(code string) bool {
	code = strings.TrimSpace(code)
	return len(code) == 3 && (code[0] == '2' || code[0] == '3')
}

func probeHostPort(ctx context.Context, port int) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fmt.Sprintf("http://localhost:%d/healthz", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusBadRequest
}
