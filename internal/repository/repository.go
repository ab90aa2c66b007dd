package repository

import (
	"context"

	"github.com/bustinjailey/devfarm/internal/domain"
)

// EnvironmentRepository persists the environment registry.
//
// CreateEnvironment enforces id uniqueness and returns ErrAlreadyExists on
// collision. UpsertEnvironment inserts or fully replaces the record keyed by
// id. DeleteEnvironment is idempotent. Parent/child linkage is performed by
// callers as read-modify-write on the parent record; no cross-record
// transactionality is guaranteed beyond single-record writes.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	UpsertEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}
