package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bustinjailey/devfarm/internal/domain"
	"github.com/bustinjailey/devfarm/internal/repository"
)

// Repository implements the environment registry on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.EnvironmentRepository = (*Repository)(nil)

const uniqueViolation = "23505"

const envColumns = `id, display_name, container_id, mode, port, project,
	created, last_started, ssh_host, ssh_user, ssh_path, ssh_password,
	git_url, parent_env_id, children, creator_type, creator_name,
	creator_env_id, creation_source`

// CreateEnvironment inserts a new registry record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (` + envColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := r.pool.Exec(ctx, query, insertArgs(env)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// UpsertEnvironment inserts or fully replaces a registry record.
func (r *Repository) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (` + envColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			container_id = EXCLUDED.container_id,
			mode = EXCLUDED.mode,
			port = EXCLUDED.port,
			project = EXCLUDED.project,
			created = EXCLUDED.created,
			last_started = EXCLUDED.last_started,
			ssh_host = EXCLUDED.ssh_host,
			ssh_user = EXCLUDED.ssh_user,
			ssh_path = EXCLUDED.ssh_path,
			ssh_password = EXCLUDED.ssh_password,
			git_url = EXCLUDED.git_url,
			parent_env_id = EXCLUDED.parent_env_id,
			children = EXCLUDED.children,
			creator_type = EXCLUDED.creator_type,
			creator_name = EXCLUDED.creator_name,
			creator_env_id = EXCLUDED.creator_env_id,
			creation_source = EXCLUDED.creation_source`
	_, err := r.pool.Exec(ctx, query, insertArgs(env)...)
	return err
}

// GetEnvironment fetches a record by id.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	const query = `SELECT ` + envColumns + ` FROM environments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	env, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// DeleteEnvironment removes a record; deleting an absent id is not an error.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	const query = `DELETE FROM environments WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// ListEnvironments returns every registry record ordered by creation time.
func (r *Repository) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	const query = `SELECT ` + envColumns + ` FROM environments ORDER BY created ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

func insertArgs(env *domain.Environment) []any {
	children := env.Children
	if children == nil {
		children = []string{}
	}
	var lastStarted *time.Time
	if !env.LastStarted.IsZero() {
		t := env.LastStarted
		lastStarted = &t
	}
	return []any{
		env.ID, env.DisplayName, env.ContainerID, env.Mode, env.Port,
		env.Project, env.Created, lastStarted, env.SSHHost, env.SSHUser,
		env.SSHPath, env.SSHPassword, env.GitURL, env.ParentEnvID,
		children, env.CreatorType, env.CreatorName, env.CreatorEnvID,
		env.CreationSource,
	}
}

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var env domain.Environment
	var lastStarted *time.Time
	if err := row.Scan(
		&env.ID, &env.DisplayName, &env.ContainerID, &env.Mode, &env.Port,
		&env.Project, &env.Created, &lastStarted, &env.SSHHost, &env.SSHUser,
		&env.SSHPath, &env.SSHPassword, &env.GitURL, &env.ParentEnvID,
		&env.Children, &env.CreatorType, &env.CreatorName, &env.CreatorEnvID,
		&env.CreationSource,
	); err != nil {
		return nil, err
	}
	if lastStarted != nil {
		env.LastStarted = *lastStarted
	}
	if env.Children == nil {
		env.Children = []string{}
	}
	return &env, nil
}
