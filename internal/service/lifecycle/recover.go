package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/bustinjailey/devfarm/internal/domain"
)

// Orphan is a dev-farm container the registry does not know about.
type Orphan struct {
	EnvID       string `json:"env_id"`
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Phase       string `json:"phase"`
}

// RecoveryReport summarizes a registry recovery pass.
type RecoveryReport struct {
	Recovered []string `json:"recovered"`
	Missing   []string `json:"missing"`
}

// Orphans lists dev-farm containers that have no registry record. The
// dashboard's own container is never an orphan.
func (s *Service) Orphans(ctx context.Context) ([]Orphan, error) {
	containers, err := s.engine.List(ctx, s.cfg.ContainerPrefix)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	envs, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	known := make(map[string]bool, len(envs))
	for _, env := range envs {
		known[env.ID] = true
	}

	orphans := make([]Orphan, 0)
	for _, ctr := range containers {
		if ctr.Name == s.cfg.DashboardContainer {
			continue
		}
		id := strings.TrimPrefix(ctr.Name, s.cfg.ContainerPrefix)
		if id == "" || known[id] {
			continue
		}
		orphans = append(orphans, Orphan{
			EnvID:       id,
			ContainerID: ctr.ID,
			Name:        ctr.Name,
			Phase:       ctr.Phase,
		})
	}
	return orphans, nil
}

// CleanupOrphans force-removes the named orphan containers and their
// volumes. Each removal is best-effort; the ids actually removed are
// returned.
func (s *Service) CleanupOrphans(ctx context.Context, ids []string) []string {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		name := s.cfg.ContainerPrefix + id
		if name == s.cfg.DashboardContainer {
			continue
		}
		if err := s.engine.Remove(ctx, name, true); err != nil {
			s.log.Warn("cleanup orphan container", "env_id", id, "error", err)
			continue
		}
		if err := s.engine.RemoveVolume(ctx, name, true); err != nil {
			s.log.Warn("cleanup orphan volume", "env_id", id, "error", err)
		}
		removed = append(removed, id)
	}
	return removed
}

// RecoverRegistry rebuilds registry records from labeled dev-farm
// containers and flags records whose container is gone. This heals the
// registry after a lost or corrupted store.
func (s *Service) RecoverRegistry(ctx context.Context) (RecoveryReport, error) {
	containers, err := s.engine.List(ctx, s.cfg.ContainerPrefix)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list containers: %w", err)
	}
	envs, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list environments: %w", err)
	}
	known := make(map[string]domain.Environment, len(envs))
	for _, env := range envs {
		known[env.ID] = env
	}
	present := make(map[string]bool, len(containers))

	report := RecoveryReport{Recovered: []string{}, Missing: []string{}}
	for _, ctr := range containers {
		if ctr.Name == s.cfg.DashboardContainer {
			continue
		}
		id := strings.TrimPrefix(ctr.Name, s.cfg.ContainerPrefix)
		if id == "" {
			continue
		}
		present[id] = true
		if _, ok := known[id]; ok {
			continue
		}

		mode := ctr.Labels["devfarm.mode"]
		if mode == "" {
			mode = domain.ModeWorkspace
		}
		env := &domain.Environment{
			ID:          id,
			DisplayName: id,
			ContainerID: ctr.ID,
			Mode:        mode,
			Port:        ctr.HostPort,
			Project:     "general",
			Created:     s.now().UTC(),
			Children:    []string{},
			CreatorType: domain.CreatorUser,
		}
		if err := s.repo.UpsertEnvironment(ctx, env); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.log.Warn("recover environment", "env_id", id, "error", err)
			continue
		}
		s.log.Info("recovered environment from container", "env_id", id, "container_id", ctr.ID)
		report.Recovered = append(report.Recovered, id)
	}

	for _, env := range envs {
		if !present[env.ID] {
			s.log.Warn("registry record has no container", "env_id", env.ID)
			report.Missing = append(report.Missing, env.ID)
		}
	}

	if len(report.Recovered) > 0 {
		s.pub.Publish(domain.EventRegistryUpdate, domain.NewRegistryUpdate(s.now()))
	}
	return report, nil
}
