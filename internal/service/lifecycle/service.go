package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
	"github.com/bustinjailey/devfarm/internal/repository"
	"github.com/bustinjailey/devfarm/internal/service/alloc"
	"github.com/bustinjailey/devfarm/internal/service/copilot"
	"github.com/bustinjailey/devfarm/pkg/config"
)

// ErrNotFound indicates an operation targeted an unknown environment id.
var ErrNotFound = errors.New("lifecycle: environment not found")

// ErrAlreadyExists indicates a create collided with an existing id.
var ErrAlreadyExists = errors.New("lifecycle: environment already exists")

// ErrImageMissing indicates the mode's container image is absent from the
// host.
var ErrImageMissing = errors.New("lifecycle: container image missing")

// ErrNameTooLong indicates a display name exceeds the naming limit.
var ErrNameTooLong = errors.New("lifecycle: display name too long")

// ErrInvalidRequest flags rejected create input.
var ErrInvalidRequest = errors.New("lifecycle: invalid request")

// Engine is the slice of the container engine lifecycle operations need.
type Engine interface {
	Inspect(ctx context.Context, id string) (engine.ContainerState, error)
	Create(ctx context.Context, spec engine.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	List(ctx context.Context, prefix string) ([]engine.ContainerState, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	HealthProbe(ctx context.Context, id string, hostPort int) bool
	Stats(ctx context.Context, id string) domain.ContainerStats
}

// Publisher pushes typed events to dashboard subscribers.
type Publisher interface {
	Publish(event string, payload any)
}

// Tracker evaluates in-guest auth automation for summaries.
type Tracker interface {
	Track(ctx context.Context, env *domain.Environment) copilot.Result
}

// Forgetter drops per-environment cached state after deletion.
type Forgetter interface {
	Forget(envID string)
}

// Service owns environment lifecycle: create, start, stop, restart, delete,
// recovery and log access.
type Service struct {
	repo    repository.EnvironmentRepository
	engine  Engine
	pub     Publisher
	tracker Tracker
	forget  []Forgetter
	cfg     config.OrchestratorConfig
	log     *slog.Logger
	rng     *rand.Rand
	now     func() time.Time

	// serializes create so two concurrent creates cannot allocate the
	// same port or name
	createMu sync.Mutex
}

// New constructs a lifecycle Service.
func New(repo repository.EnvironmentRepository, eng Engine, pub Publisher, tracker Tracker, cfg config.OrchestratorConfig, logger *slog.Logger, forget ...Forgetter) *Service {
	return &Service{
		repo:    repo,
		engine:  eng,
		pub:     pub,
		tracker: tracker,
		forget:  forget,
		cfg:     cfg,
		log:     logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// CreateRequest describes a new environment.
type CreateRequest struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Project     string `json:"project"`
	GitURL      string `json:"git_url"`
	SSHHost     string `json:"ssh_host"`
	SSHUser     string `json:"ssh_user"`
	SSHPath     string `json:"ssh_path"`
	SSHPassword string `json:"ssh_password"`

	ParentEnvID    string `json:"parent_env_id"`
	CreatorType    string `json:"creator_type"`
	CreatorName    string `json:"creator_name"`
	CreatorEnvID   string `json:"creator_env_id"`
	CreationSource string `json:"creation_source"`
}

// CreateResponse carries connection metadata for a new environment.
type CreateResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Port int    `json:"port"`
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// Create provisions a new environment: derive identity, allocate a port,
// verify the image, create and start the container, persist the record and
// announce the registry change.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = domain.ModeWorkspace
	}
	switch mode {
	case domain.ModeWorkspace, domain.ModeGit, domain.ModeSSH, domain.ModeTerminal:
	default:
		return CreateResponse{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	if mode == domain.ModeGit && strings.TrimSpace(req.GitURL) == "" {
		return CreateResponse{}, fmt.Errorf("%w: git mode requires git_url", ErrInvalidRequest)
	}
	if mode == domain.ModeSSH && strings.TrimSpace(req.SSHHost) == "" {
		return CreateResponse{}, fmt.Errorf("%w: ssh mode requires ssh_host", ErrInvalidRequest)
	}

	existing, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("list environments: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	usedPorts := make(map[int]bool, len(existing))
	for _, env := range existing {
		taken[env.ID] = true
		usedPorts[env.Port] = true
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = alloc.GenerateName(taken, s.rng)
	}
	if len(name) > alloc.MaxDisplayName {
		return CreateResponse{}, fmt.Errorf("%w: %q is %d characters, limit %d", ErrNameTooLong, name, len(name), alloc.MaxDisplayName)
	}
	id := alloc.Slugify(name)
	if id == "" {
		return CreateResponse{}, fmt.Errorf("%w: name %q yields an empty id", ErrInvalidRequest, name)
	}
	if taken[id] {
		return CreateResponse{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	port, err := alloc.NextPort(usedPorts, s.cfg.PortPoolSize)
	if err != nil {
		return CreateResponse{}, err
	}

	image := s.imageForMode(mode)
	ok, err := s.engine.ImageExists(ctx, image)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("check image: %w", err)
	}
	if !ok {
		return CreateResponse{}, fmt.Errorf("%w: %s", ErrImageMissing, image)
	}

	containerName := domain.ContainerName(id)
	// A stale container with our derived name blocks creation; drop it
	// best-effort.
	if err := s.engine.Remove(ctx, containerName, true); err != nil {
		s.log.Warn("remove stale container", "name", containerName, "error", err)
	}

	env := &domain.Environment{
		ID:             id,
		DisplayName:    name,
		Mode:           mode,
		Port:           port,
		Project:        strings.TrimSpace(req.Project),
		Created:        s.now().UTC(),
		SSHHost:        strings.TrimSpace(req.SSHHost),
		SSHUser:        strings.TrimSpace(req.SSHUser),
		SSHPath:        strings.TrimSpace(req.SSHPath),
		SSHPassword:    req.SSHPassword,
		GitURL:         strings.TrimSpace(req.GitURL),
		ParentEnvID:    strings.TrimSpace(req.ParentEnvID),
		Children:       []string{},
		CreatorType:    creatorType(req.CreatorType),
		CreatorName:    strings.TrimSpace(req.CreatorName),
		CreatorEnvID:   strings.TrimSpace(req.CreatorEnvID),
		CreationSource: strings.TrimSpace(req.CreationSource),
	}
	if env.Project == "" {
		env.Project = "general"
	}

	if usesVolume(mode) {
		if err := s.engine.CreateVolume(ctx, containerName); err != nil {
			return CreateResponse{}, fmt.Errorf("create volume: %w", err)
		}
	}

	containerID, err := s.engine.Create(ctx, s.containerSpec(env, image))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("create container: %w", err)
	}
	env.ContainerID = containerID

	if err := s.engine.Start(ctx, containerID); err != nil {
		return CreateResponse{}, fmt.Errorf("start container: %w", err)
	}
	env.LastStarted = s.now().UTC()

	if err := s.repo.CreateEnvironment(ctx, env); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return CreateResponse{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		return CreateResponse{}, fmt.Errorf("persist environment: %w", err)
	}

	if env.ParentEnvID != "" {
		s.linkChild(ctx, env.ParentEnvID, env.ID)
	}

	s.pub.Publish(domain.EventRegistryUpdate, domain.NewRegistryUpdate(s.now()))

	return CreateResponse{
		ID:   env.ID,
		Name: env.DisplayName,
		Port: env.Port,
		URL:  s.environmentURL(env),
		Mode: env.Mode,
	}, nil
}

// Start starts a stopped environment and announces the transition.
func (s *Service) Start(ctx context.Context, id string) error {
	env, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Start(ctx, env.ContainerID); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	env.LastStarted = s.now().UTC()
	if err := s.repo.UpsertEnvironment(ctx, env); err != nil {
		s.log.Warn("persist last started", "env_id", id, "error", err)
	}
	s.publishTransition(env, domain.StatusStarting)
	return nil
}

// Restart restarts an environment and announces the transition.
func (s *Service) Restart(ctx context.Context, id string) error {
	env, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Restart(ctx, env.ContainerID); err != nil {
		return fmt.Errorf("restart container: %w", err)
	}
	env.LastStarted = s.now().UTC()
	if err := s.repo.UpsertEnvironment(ctx, env); err != nil {
		s.log.Warn("persist last started", "env_id", id, "error", err)
	}
	s.publishTransition(env, domain.StatusRestarting)
	return nil
}

// Stop stops a running environment and announces the transition.
func (s *Service) Stop(ctx context.Context, id string) error {
	env, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Stop(ctx, env.ContainerID); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	s.publishTransition(env, domain.StatusExited)
	return nil
}

// Delete tears an environment down. Container and volume removal are
// best-effort; the registry record always goes.
func (s *Service) Delete(ctx context.Context, id string) error {
	env, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if env.ContainerID != "" {
		if err := s.engine.Remove(ctx, env.ContainerID, true); err != nil {
			s.log.Warn("remove container", "env_id", id, "error", err)
		}
	}
	if usesVolume(env.Mode) {
		if err := s.engine.RemoveVolume(ctx, domain.ContainerName(id), true); err != nil {
			s.log.Warn("remove volume", "env_id", id, "error", err)
		}
	}

	if err := s.repo.DeleteEnvironment(ctx, id); err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	for _, f := range s.forget {
		f.Forget(id)
	}
	s.pub.Publish(domain.EventRegistryUpdate, domain.NewRegistryUpdate(s.now()))
	return nil
}

// Get returns the live summary for one environment.
func (s *Service) Get(ctx context.Context, id string) (domain.EnvironmentSummary, error) {
	env, err := s.get(ctx, id)
	if err != nil {
		return domain.EnvironmentSummary{}, err
	}
	return s.summarize(ctx, env), nil
}

// List returns live summaries for every registered environment.
func (s *Service) List(ctx context.Context) ([]domain.EnvironmentSummary, error) {
	envs, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	summaries := make([]domain.EnvironmentSummary, 0, len(envs))
	for i := range envs {
		summaries = append(summaries, s.summarize(ctx, &envs[i]))
	}
	return summaries, nil
}

// LogsResult couples trailing container output with the display status at
// read time.
type LogsResult struct {
	EnvID  string `json:"env_id"`
	Status string `json:"status"`
	Logs   string `json:"logs"`
}

// Logs returns the trailing container output for an environment.
func (s *Service) Logs(ctx context.Context, id string, tail int) (LogsResult, error) {
	env, err := s.get(ctx, id)
	if err != nil {
		return LogsResult{}, err
	}
	logs, err := s.engine.Logs(ctx, env.ContainerID, tail)
	if err != nil {
		return LogsResult{}, fmt.Errorf("read logs: %w", err)
	}
	return LogsResult{EnvID: id, Status: s.displayStatus(ctx, env), Logs: logs}, nil
}

func (s *Service) get(ctx context.Context, id string) (*domain.Environment, error) {
	env, err := s.repo.GetEnvironment(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// linkChild appends the child id to the parent's children as a
// read-modify-write; a missing parent is logged, not fatal, and recovery
// heals the linkage later.
func (s *Service) linkChild(ctx context.Context, parentID, childID string) {
	parent, err := s.repo.GetEnvironment(ctx, parentID)
	if err != nil {
		s.log.Warn("link child: parent lookup", "parent", parentID, "child", childID, "error", err)
		return
	}
	if parent.HasChild(childID) {
		return
	}
	parent.Children = append(parent.Children, childID)
	if err := s.repo.UpsertEnvironment(ctx, parent); err != nil {
		s.log.Warn("link child: persist parent", "parent", parentID, "child", childID, "error", err)
	}
}

func (s *Service) publishTransition(env *domain.Environment, status string) {
	s.pub.Publish(domain.EventEnvStatus, domain.EnvStatusEvent{
		EnvID:          env.ID,
		Status:         status,
		URL:            s.environmentURL(env),
		Mode:           env.Mode,
		WorkspacePath:  domain.WorkspacePath(env.Mode),
		DesktopCommand: domain.DesktopCommand(env),
		RequiresAuth:   status != domain.StatusExited,
	})
}

func (s *Service) summarize(ctx context.Context, env *domain.Environment) domain.EnvironmentSummary {
	summary := domain.EnvironmentSummary{
		Environment:   *env,
		Status:        domain.StatusExited,
		URL:           s.environmentURL(env),
		WorkspacePath: domain.WorkspacePath(env.Mode),
	}
	state, err := s.engine.Inspect(ctx, env.ContainerID)
	if err != nil {
		return summary
	}
	summary.Status = state.Phase
	if state.Phase == domain.StatusRunning {
		summary.Ready = s.engine.HealthProbe(ctx, env.ContainerID, env.Port)
		if !summary.Ready {
			summary.Status = domain.StatusStarting
		}
		stats := s.engine.Stats(ctx, env.ContainerID)
		summary.Stats = &stats
	}
	result := s.tracker.Track(ctx, env)
	summary.RequiresAuth = result.RequiresAuth
	summary.DeviceAuth = result.DeviceAuth
	if summary.RequiresAuth && summary.Status == domain.StatusRunning {
		summary.Status = domain.StatusStarting
	}
	summary.DesktopCommand = domain.DesktopCommand(env)
	return summary
}

func (s *Service) displayStatus(ctx context.Context, env *domain.Environment) string {
	state, err := s.engine.Inspect(ctx, env.ContainerID)
	if err != nil {
		return domain.StatusExited
	}
	if state.Phase == domain.StatusRunning && !s.engine.HealthProbe(ctx, env.ContainerID, env.Port) {
		return domain.StatusStarting
	}
	return state.Phase
}

func (s *Service) imageForMode(mode string) string {
	if mode == domain.ModeTerminal {
		return s.cfg.TerminalImage
	}
	return s.cfg.WorkspaceImage
}

func (s *Service) environmentURL(env *domain.Environment) string {
	if env.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", s.cfg.PublicHost, env.Port)
}

func (s *Service) containerSpec(env *domain.Environment, image string) engine.Spec {
	port := nat.Port("8080/tcp")
	spec := engine.Spec{
		Name:  domain.ContainerName(env.ID),
		Image: image,
		Env: []string{
			"DEVFARM_ENV_ID=" + env.ID,
			"GITHUB_TOKEN=" + s.cfg.GitHubToken,
			"GITHUB_USERNAME=" + s.cfg.GitHubUsername,
			"GITHUB_EMAIL=" + s.cfg.GitHubEmail,
		},
		Ports: nat.PortMap{
			port: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", env.Port)}},
		},
		Labels: map[string]string{
			"devfarm.env_id": env.ID,
			"devfarm.mode":   env.Mode,
		},
	}
	if s.cfg.BraveAPIKey != "" {
		spec.Env = append(spec.Env, "BRAVE_API_KEY="+s.cfg.BraveAPIKey)
	}
	switch env.Mode {
	case domain.ModeGit:
		spec.Env = append(spec.Env, "GIT_URL="+env.GitURL)
	case domain.ModeSSH:
		spec.Env = append(spec.Env,
			"SSH_HOST="+env.SSHHost,
			"SSH_USER="+env.SSHUser,
			"SSH_PATH="+env.SSHPath,
			"SSH_PASSWORD="+env.SSHPassword,
		)
	}
	if usesVolume(env.Mode) {
		spec.Mounts = append(spec.Mounts, engine.VolumeMount{
			Source: domain.ContainerName(env.ID),
			Target: "/home/coder/workspace",
		})
	}
	return spec
}

func usesVolume(mode string) bool {
	return mode == domain.ModeWorkspace || mode == domain.ModeTerminal || mode == domain.ModeGit
}

func creatorType(raw string) string {
	if strings.TrimSpace(raw) == domain.CreatorAI {
		return domain.CreatorAI
	}
	return domain.CreatorUser
}
