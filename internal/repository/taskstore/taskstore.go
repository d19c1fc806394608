package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

// Sentinel errors returned by every Repository implementation.
var (
	ErrNotFound        = errors.New("task not found")
	ErrDuplicateActive = errors.New("an active task already exists for this owner and kind")
	ErrStatusConflict  = errors.New("task status changed since it was read")
)

const uniqueViolationCode = "23505"

// Repository defines the interface for task storage operations.
// @gtg mp-metrics
type Repository interface {
	Create(ctx context.Context, task *models.Task) (err error)
	Get(ctx context.Context, id string) (task *models.Task, err error)
	FindActive(ctx context.Context, ownerID, kind string) (task *models.Task, err error)
	Update(ctx context.Context, id string, patch TaskPatch) (err error)
	UpdateStatus(ctx context.Context, id string, expected, next models.TaskStatus, patch TaskPatch) (err error)
	Delete(ctx context.Context, id string) (err error)
	FindStaleRunning(ctx context.Context, threshold time.Duration) (tasks []models.Task, err error)
	PurgeTerminalOlderThan(ctx context.Context, retention time.Duration) (count int64, err error)
}

// TaskPatch carries the fields of a partial update; nil fields are left
// untouched by Update.
type TaskPatch struct {
	Progress        *int
	CurrentStep     *string
	CompletedSteps  []string
	Checkpoint      []byte
	Result          []byte
	Error           *string
	StartedAt       *time.Time
	PausedAt        *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	LastHeartbeatAt *time.Time
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a postgres-backed task repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// EnsureSchema creates the tasks table and its indexes if missing. The
// partial unique index is what enforces the single-active-task invariant
// under concurrent creation.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS tasks`,
		`CREATE TABLE IF NOT EXISTS tasks.coach_tasks (
            id                TEXT PRIMARY KEY,
            owner_id          TEXT NOT NULL,
            kind              TEXT NOT NULL,
            status            TEXT NOT NULL DEFAULT 'pending',
            progress          INTEGER NOT NULL DEFAULT 0,
            current_step      TEXT NOT NULL DEFAULT '',
            completed_steps   JSONB NOT NULL DEFAULT '[]',
            checkpoint        JSONB,
            result            JSONB,
            error             TEXT NOT NULL DEFAULT '',
            parameters        JSONB NOT NULL,
            created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
            started_at        TIMESTAMPTZ,
            paused_at         TIMESTAMPTZ,
            completed_at      TIMESTAMPTZ,
            cancelled_at      TIMESTAMPTZ,
            last_heartbeat_at TIMESTAMPTZ
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_coach_tasks_single_active
            ON tasks.coach_tasks (owner_id, kind)
            WHERE status IN ('pending', 'running', 'paused')`,
		`CREATE INDEX IF NOT EXISTS idx_coach_tasks_status ON tasks.coach_tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_coach_tasks_updated ON tasks.coach_tasks (updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure task schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, owner_id, kind, status, progress, current_step, completed_steps,
        checkpoint, result, error, parameters, created_at, updated_at,
        started_at, paused_at, completed_at, cancelled_at, last_heartbeat_at`

// Create ...
func (r *repository) Create(ctx context.Context, task *models.Task) error {
	query := `
        INSERT INTO tasks.coach_tasks
        (id, owner_id, kind, status, progress, current_step, completed_steps, checkpoint, parameters)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at
    `
	completed := task.CompletedSteps
	if completed == nil {
		completed = []string{}
	}
	err := r.db.QueryRow(ctx, query,
		task.ID, task.OwnerID, task.Kind, task.Status, task.Progress,
		task.CurrentStep, completed, nullableJSON(task.Checkpoint), []byte(task.Parameters),
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateActive
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get ...
func (r *repository) Get(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks.coach_tasks WHERE id = $1`
	return r.scanTask(r.db.QueryRow(ctx, query, id))
}

// FindActive ...
func (r *repository) FindActive(ctx context.Context, ownerID, kind string) (*models.Task, error) {
	query := `
        SELECT ` + taskColumns + `
        FROM tasks.coach_tasks
        WHERE owner_id = $1 AND kind = $2 AND status IN ('pending', 'running', 'paused')
    `
	return r.scanTask(r.db.QueryRow(ctx, query, ownerID, kind))
}

// Update applies only the supplied patch fields.
func (r *repository) Update(ctx context.Context, id string, patch TaskPatch) error {
	query, args := buildUpdate(id, nil, patch)
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions the task from the expected status to the next
// one, compare-and-set style, applying the patch in the same statement.
func (r *repository) UpdateStatus(ctx context.Context, id string, expected, next models.TaskStatus, patch TaskPatch) error {
	query, args := buildUpdate(id, &statusChange{expected: expected, next: next}, patch)
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost CAS race.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

// Delete ...
func (r *repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tasks.coach_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStaleRunning returns running tasks whose heartbeat is older than the
// threshold.
func (r *repository) FindStaleRunning(ctx context.Context, threshold time.Duration) ([]models.Task, error) {
	query := `
        SELECT ` + taskColumns + `
        FROM tasks.coach_tasks
        WHERE status = 'running'
        AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
    `
	rows, err := r.db.Query(ctx, query, time.Now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, scanErr := r.scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// PurgeTerminalOlderThan deletes terminal tasks last touched before the
// retention cutoff.
func (r *repository) PurgeTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	query := `
        DELETE FROM tasks.coach_tasks
        WHERE status IN ('completed', 'failed', 'cancelled')
        AND updated_at < $1
    `
	tag, err := r.db.Exec(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

type statusChange struct {
	expected models.TaskStatus
	next     models.TaskStatus
}

func buildUpdate(id string, change *statusChange, patch TaskPatch) (string, []interface{}) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if change != nil {
		add("status", change.next)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if patch.CompletedSteps != nil {
		add("completed_steps", patch.CompletedSteps)
	}
	if patch.Checkpoint != nil {
		add("checkpoint", patch.Checkpoint)
	}
	if patch.Result != nil {
		add("result", patch.Result)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.PausedAt != nil {
		add("paused_at", *patch.PausedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}
	if patch.LastHeartbeatAt != nil {
		add("last_heartbeat_at", *patch.LastHeartbeatAt)
	}

	query := "UPDATE tasks.coach_tasks SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = $1"
	if change != nil {
		args = append(args, change.expected)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return query, args
}

func (r *repository) scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var startedAt, pausedAt, completedAt, cancelledAt, heartbeatAt sql.NullTime
	var checkpoint, result []byte

	err := row.Scan(
		&task.ID, &task.OwnerID, &task.Kind, &task.Status, &task.Progress,
		&task.CurrentStep, &task.CompletedSteps, &checkpoint, &result,
		&task.Error, &task.Parameters, &task.CreatedAt, &task.UpdatedAt,
		&startedAt, &pausedAt, &completedAt, &cancelledAt, &heartbeatAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Checkpoint = checkpoint
	task.Result = result
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if pausedAt.Valid {
		task.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		task.CancelledAt = &cancelledAt.Time
	}
	if heartbeatAt.Valid {
		task.LastHeartbeatAt = &heartbeatAt.Time
	}
	return &task, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
