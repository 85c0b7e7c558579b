package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

const taskColumns = `id, name, user_id, arguments, state, result, error, progress, retries, max_retries, created_at, completed_at`

// TaskStore implements store.TaskStore using PostgreSQL.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore on an open database whose schema is migrated.
func NewTaskStore(db *sql.DB, logger *slog.Logger) *TaskStore {
	return &TaskStore{db: db, logger: logger.With("component", "postgres_task_store")}
}

// Open connects to cfg.DatabaseURL, checks the connection and applies the migrations.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*TaskStore, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("database connection established")
	return NewTaskStore(db, logger), nil
}

// Put inserts t or replaces the record with the same id.
func (s *TaskStore) Put(ctx context.Context, t *task.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			user_id = EXCLUDED.user_id,
			arguments = EXCLUDED.arguments,
			state = EXCLUDED.state,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			progress = EXCLUDED.progress,
			retries = EXCLUDED.retries,
			max_retries = EXCLUDED.max_retries,
			created_at = EXCLUDED.created_at,
			completed_at = EXCLUDED.completed_at
	`, row.args()...)
	if err != nil {
		s.logger.Error("failed to save task", "task_id", t.ID, "error", err)
		return fmt.Errorf("failed to save task %s: %w", t.ID, MapError(err))
	}
	return nil
}

// Get returns the record of id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return get(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

// Update locks the row of id with SELECT FOR UPDATE, applies fn and writes
// the result in the same transaction.
func (s *TaskStore) Update(ctx context.Context, id string, fn store.UpdateFn) (*task.Task, error) {
	var updated *task.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		t, err := get(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		row, err := toRow(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = $2, result = $3, error = $4, progress = $5, retries = $6,
				max_retries = $7, completed_at = $8
			WHERE id = $1
		`, row.id, row.state, row.result, row.err, row.progress, row.retries, row.maxRetries, row.completedAt)
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", id, MapError(err))
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns the records selected by filter, oldest first.
func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Name != "" {
		args = append(args, filter.Name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.User != "" {
		args = append(args, filter.User)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, string(state))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// Delete removes the record of id.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, MapError(err))
	}
	return CheckRowsAffected(result, id)
}

// Close closes the database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func get(ctx context.Context, db store.DBTX, query, id string) (*task.Task, error) {
	t, err := scan(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, MapError(err)
	}
	return t, nil
}

func scan(s scanner) (*task.Task, error) {
	var (
		t           task.Task
		state       string
		arguments   []byte
		result      []byte
		taskErr     []byte
		completedAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.Name, &t.User, &arguments, &state, &result, &taskErr,
		&t.Progress, &t.Retries, &t.MaxRetries, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.State = task.State(state)
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &t.Arguments); err != nil {
			return nil, store.NewStoreError("task", "scan", "cannot decode arguments of "+t.ID, err)
		}
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	if len(taskErr) > 0 {
		t.Error = &task.TaskError{}
		if err := json.Unmarshal(taskErr, t.Error); err != nil {
			return nil, store.NewStoreError("task", "scan", "cannot decode error of "+t.ID, err)
		}
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

// taskRow holds a task in its column representation.
type taskRow struct {
	id          string
	name        string
	user        string
	arguments   []byte
	state       string
	result      []byte
	err         []byte
	progress    float64
	retries     int
	maxRetries  int
	createdAt   time.Time
	completedAt sql.NullTime
}

func toRow(t *task.Task) (taskRow, error) {
	row := taskRow{
		id:         t.ID,
		name:       t.Name,
		user:       t.User,
		state:      string(t.State),
		progress:   t.Progress,
		retries:    t.Retries,
		maxRetries: t.MaxRetries,
		createdAt:  t.CreatedAt,
	}

	args := t.Arguments
	if args == nil {
		args = map[string]any{}
	}
	var err error
	if row.arguments, err = json.Marshal(args); err != nil {
		return taskRow{}, fmt.Errorf("%w: arguments: %v", store.ErrInvalidEntity, err)
	}
	if len(t.Result) > 0 {
		row.result = []byte(t.Result)
	}
	if t.Error != nil {
		if row.err, err = json.Marshal(t.Error); err != nil {
			return taskRow{}, fmt.Errorf("%w: error: %v", store.ErrInvalidEntity, err)
		}
	}
	if t.CompletedAt != nil {
		row.completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r taskRow) args() []any {
	return []any{
		r.id, r.name, r.user, r.arguments, r.state, r.result, r.err,
		r.progress, r.retries, r.maxRetries, r.createdAt, r.completedAt,
	}
}
