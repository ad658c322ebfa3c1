package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the registry table. Applied by Migrate.
const Schema = `
create table if not exists workspaces (
	id           text primary key,
	owner        text not null,
	name         text not null,
	description  text not null default '',
	template     text not null,
	repo_url     text not null default '',
	branch       text not null default '',
	container_id text not null default '',
	saved_at     timestamptz,
	created_at   timestamptz not null default now(),
	updated_at   timestamptz not null default now()
);
create index if not exists workspaces_owner_idx on workspaces (owner, updated_at desc);
`

const workspaceColumns = `id, owner, name, description, template, repo_url, branch, container_id, saved_at, created_at, updated_at`

// PostgresStore is a Store backed by a Postgres table.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrating workspaces table: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

func scanWorkspace(row pgx.Row) (*Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Owner, &ws.Name, &ws.Description, &ws.Template,
		&ws.RepoURL, &ws.Branch, &ws.ContainerID, &ws.SavedAt, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Workspace, error) {
	q := `select ` + workspaceColumns + ` from workspaces where id = $1`
	ws, err := scanWorkspace(s.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", id, err)
	}
	return ws, nil
}

func (s *PostgresStore) Save(ctx context.Context, ws *Workspace) error {
	const q = `
insert into workspaces (id, owner, name, description, template, repo_url, branch, container_id, saved_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
on conflict (id) do update set
	owner = excluded.owner,
	name = excluded.name,
	description = excluded.description,
	template = excluded.template,
	repo_url = excluded.repo_url,
	branch = excluded.branch,
	container_id = excluded.container_id,
	saved_at = excluded.saved_at,
	updated_at = now()
returning created_at, updated_at;
`
	err := s.db.QueryRow(ctx, q, ws.ID, ws.Owner, ws.Name, ws.Description, ws.Template,
		ws.RepoURL, ws.Branch, ws.ContainerID, ws.SavedAt).Scan(&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `delete from workspaces where id = $1`, id); err != nil {
		return fmt.Errorf("deleting workspace %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, owner string) ([]*Workspace, error) {
	q := `select ` + workspaceColumns + ` from workspaces
where $1 = '' or owner = $1
order by updated_at desc`
	rows, err := s.db.Query(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	out := make([]*Workspace, 0, 16)
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("listing workspaces: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetContainer(ctx context.Context, id, containerID string) error {
	const q = `update workspaces set container_id = $2, updated_at = now() where id = $1`
	ct, err := s.db.Exec(ctx, q, id, containerID)
	if err != nil {
		return fmt.Errorf("updating container of workspace %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}
