package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/engine"
	"github.com/bustinjailey/devfarm/internal/service/copilot"
)

// Registry is the read-only slice of the environment store the reconciler
// needs.
type Registry interface {
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// Engine is the slice of the container engine the reconciler needs.
type Engine interface {
	Inspect(ctx context.Context, id string) (engine.ContainerState, error)
	HealthProbe(ctx context.Context, id string, hostPort int) bool
}

// Tracker evaluates in-guest auth automation for one environment.
type Tracker interface {
	Track(ctx context.Context, env *domain.Environment) copilot.Result
}

// Publisher pushes typed events to dashboard subscribers.
type Publisher interface {
	Publish(event string, payload any)
}

// cacheEntry is the last externally visible state for one environment.
type cacheEntry struct {
	displayStatus string
	requiresAuth  bool
}

// Reconciler drives periodic convergence between registry records and live
// container state, publishing env-status events only on change.
type Reconciler struct {
	registry   Registry
	engine     Engine
	tracker    Tracker
	pub        Publisher
	log        *slog.Logger
	publicHost string
	workers    int
	envTimeout time.Duration

	tickMu  sync.Mutex
	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// Config carries reconciler tuning knobs.
type Config struct {
	PublicHost string
	Workers    int
	EnvTimeout time.Duration
}

// NewReconciler constructs a Reconciler.
func NewReconciler(registry Registry, eng Engine, tracker Tracker, pub Publisher, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.EnvTimeout <= 0 {
		cfg.EnvTimeout = 10 * time.Second
	}
	return &Reconciler{
		registry:   registry,
		engine:     eng,
		tracker:    tracker,
		pub:        pub,
		log:        logger,
		publicHost: cfg.PublicHost,
		workers:    cfg.Workers,
		envTimeout: cfg.EnvTimeout,
		cache:      make(map[string]cacheEntry),
	}
}

// Run invokes Tick on the interval until the context ends. A tick still in
// flight when the next interval fires causes that interval to be skipped;
// ticks never overlap.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tickMu.TryLock() {
				tickSkipped.Inc()
				continue
			}
			go func() {
				defer r.tickMu.Unlock()
				if err := r.Tick(ctx); err != nil {
					r.log.Error("reconcile tick", "error", err)
				}
			}()
		}
	}
}

// Tick reconciles every registered environment once. Per-environment
// failures are logged and isolated; one broken environment never blocks the
// rest. Tick reads the registry and emits events but never writes records.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	envs, err := r.registry.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, env := range envs {
		env := env
		g.Go(func() error {
			envCtx, cancel := context.WithTimeout(gctx, r.envTimeout)
			defer cancel()
			if err := r.reconcileOne(envCtx, &env); err != nil {
				envFailures.Inc()
				r.log.Warn("reconcile environment", "env_id", env.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	ticksTotal.Inc()
	tickDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, env *domain.Environment) error {
	state, err := r.engine.Inspect(ctx, env.ContainerID)
	rawPhase := domain.StatusExited
	if err == nil {
		rawPhase = state.Phase
	} else if !errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("inspect: %w", err)
	}

	display := rawPhase
	if rawPhase == domain.StatusRunning {
		if r.engine.HealthProbe(ctx, env.ContainerID, env.Port) {
			display = domain.StatusRunning
		} else {
			display = domain.StatusStarting
		}
	}

	result := r.tracker.Track(ctx, env)
	if result.RequiresAuth && display == domain.StatusRunning {
		// An unauthenticated environment is not usable no matter how
		// healthy the container looks.
		display = domain.StatusStarting
	}
	if ctx.Err() != nil {
		// Abandoned probe: leave the cache untouched so a stale partial
		// read never suppresses the next complete one.
		return ctx.Err()
	}

	if !r.changed(env.ID, display, result.RequiresAuth) {
		return nil
	}

	r.pub.Publish(domain.EventEnvStatus, domain.EnvStatusEvent{
		EnvID:          env.ID,
		Status:         display,
		URL:            r.environmentURL(env),
		Mode:           env.Mode,
		WorkspacePath:  domain.WorkspacePath(env.Mode),
		DesktopCommand: domain.DesktopCommand(env),
		RequiresAuth:   result.RequiresAuth,
		DeviceAuth:     result.DeviceAuth,
	})
	return nil
}

// changed diffs against the cache and records the new state when different.
func (r *Reconciler) changed(envID, display string, requiresAuth bool) bool {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	entry := cacheEntry{displayStatus: display, requiresAuth: requiresAuth}
	if prev, ok := r.cache[envID]; ok && prev == entry {
		return false
	}
	r.cache[envID] = entry
	return true
}

// Forget drops the cached state for a deleted environment.
func (r *Reconciler) Forget(envID string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	delete(r.cache, envID)
}

func (r *Reconciler) environmentURL(env *domain.Environment) string {
	if env.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", r.publicHost, env.Port)
}
