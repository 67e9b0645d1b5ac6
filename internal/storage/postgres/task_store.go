// Package postgres persists tasks and scraped products in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// Schema creates the task and product tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	channel      TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_channel_created
	ON tasks (user_id, channel, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_single_pending
	ON tasks (user_id, channel)
	WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_tasks_user_completed
	ON tasks (user_id, completed_at DESC)
	WHERE status = 'completed';

CREATE TABLE IF NOT EXISTS products (
	id      BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	name    TEXT NOT NULL,
	price   TEXT NOT NULL,
	seller  TEXT NOT NULL,
	image   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_task ON products (task_id);
`

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore implements recsys.TaskStore on PostgreSQL.
type TaskStore struct {
	db     DB
	logger *zap.Logger
}

// NewTaskStore wraps an open pool.
func NewTaskStore(db DB, logger *zap.Logger) *TaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStore{db: db, logger: logger}
}

// EnsureSchema applies the schema.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const taskColumns = "id, user_id, channel, status, created_at, completed_at"

// uniqueViolation is the Postgres error code for a unique index conflict.
const uniqueViolation = "23505"

// CreateTask inserts a new task row. The idx_tasks_single_pending index
// rejects a second pending row per (user, channel); that conflict surfaces
// as ErrPendingExists so callers can supersede and retry.
func (s *TaskStore) CreateTask(ctx context.Context, task recsys.Task) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tasks (id, user_id, channel, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.UserID, task.Channel, string(task.Status), task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
			pgErr.ConstraintName == "idx_tasks_single_pending" {
			return recsys.ErrPendingExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task by id, or ErrNotFound.
func (s *TaskStore) GetTask(ctx context.Context, id string) (recsys.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// FindPendingTask returns the pending task for (user, channel), or
// ErrNotFound.
func (s *TaskStore) FindPendingTask(ctx context.Context, userID, channel string) (recsys.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE user_id = $1 AND channel = $2 AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`,
		userID, channel)
	return scanTask(row)
}

// MarkStatus transitions a pending task to a terminal status. The WHERE
// clause carries the guard: terminal rows never match, so stale writers
// get ErrNotFound instead of overwriting a settled task.
func (s *TaskStore) MarkStatus(ctx context.Context, id string, status recsys.TaskStatus, completedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET status = $2, completed_at = $3 WHERE id = $1 AND status = 'pending'`,
		id, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recsys.ErrNotFound
	}
	return nil
}

// CompleteTask writes the products and flips the task to completed in one
// transaction. If the task is no longer pending the transaction rolls back
// and nothing is persisted.
func (s *TaskStore) CompleteTask(ctx context.Context, id string, completedAt time.Time, products []recsys.Product) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, completedAt,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recsys.ErrNotFound
	}

	for _, p := range products {
		if _, err := tx.Exec(ctx,
			`INSERT INTO products (task_id, name, price, seller, image) VALUES ($1, $2, $3, $4, $5)`,
			id, p.Name, p.Price, p.Seller, p.Image,
		); err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestTask returns the most recently created task for (user, channel).
func (s *TaskStore) LatestTask(ctx context.Context, userID, channel string) (recsys.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE user_id = $1 AND channel = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, channel)
	return scanTask(row)
}

// LatestCompletedTask returns the user's most recently completed task across
// all channels.
func (s *TaskStore) LatestCompletedTask(ctx context.Context, userID string) (recsys.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE user_id = $1 AND status = 'completed'
		 ORDER BY completed_at DESC LIMIT 1`,
		userID)
	return scanTask(row)
}

// ProductsByTask returns the products persisted under a task.
func (s *TaskStore) ProductsByTask(ctx context.Context, taskID string) ([]recsys.StoredProduct, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, task_id, name, price, seller, image FROM products WHERE task_id = $1 ORDER BY id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows)
}

// RandomProducts returns a uniform sample of persisted products.
func (s *TaskStore) RandomProducts(ctx context.Context, limit int) ([]recsys.StoredProduct, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, task_id, name, price, seller, image FROM products ORDER BY random() LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query random products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows)
}

func scanTask(row pgx.Row) (recsys.Task, error) {
	var (
		t           recsys.Task
		status      string
		completedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Channel, &status, &t.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return recsys.Task{}, recsys.ErrNotFound
	}
	if err != nil {
		return recsys.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = recsys.TaskStatus(status)
	t.CompletedAt = completedAt
	return t, nil
}

func scanProducts(rows pgx.Rows) ([]recsys.StoredProduct, error) {
	var out []recsys.StoredProduct
	for rows.Next() {
		var p recsys.StoredProduct
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Name, &p.Price, &p.Seller, &p.Image); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

var _ recsys.TaskStore = (*TaskStore)(nil)
