// Package sqlite provides a SQLite-backed experiment storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/silentbard/storylab/internal/platform/storage/sqlitemigrate"
	"github.com/silentbard/storylab/internal/services/experiment/domain"
	"github.com/silentbard/storylab/internal/services/experiment/storage"
	"github.com/silentbard/storylab/internal/services/experiment/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists experiment state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toMillisPtr(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func fromMillisPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func marshalJSON(value any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Open opens a SQLite experiment store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// PutDesign upserts one design.
func (s *Store) PutDesign(ctx context.Context, design domain.Design) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(design.ID) == "" {
		return fmt.Errorf("design id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO designs (id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   updated_at = excluded.updated_at`,
		design.ID,
		design.Name,
		toMillis(design.CreatedAt),
		toMillis(design.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put design: %w", err)
	}
	return nil
}

// GetDesign returns one design.
func (s *Store) GetDesign(ctx context.Context, id string) (domain.Design, error) {
	if err := ctx.Err(); err != nil {
		return domain.Design{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Design{}, err
	}

	var (
		design    domain.Design
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM designs WHERE id = ?`, id).
		Scan(&design.ID, &design.Name, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Design{}, storage.ErrNotFound
		}
		return domain.Design{}, fmt.Errorf("get design: %w", err)
	}
	design.CreatedAt = fromMillis(createdAt)
	design.UpdatedAt = fromMillis(updatedAt)
	return design, nil
}

// PutCondition upserts one design condition.
func (s *Store) PutCondition(ctx context.Context, condition domain.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(condition.ID) == "" {
		return fmt.Errorf("condition id is required")
	}
	config, err := marshalJSON(condition.Config)
	if err != nil {
		return fmt.Errorf("encode condition config: %w", err)
	}

	var perInput, perOutput any
	if condition.CostRate != nil {
		perInput = condition.CostRate.PerInputToken
		perOutput = condition.CostRate.PerOutputToken
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO design_conditions (id, design_id, name, config, per_input_token, per_output_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   config = excluded.config,
		   per_input_token = excluded.per_input_token,
		   per_output_token = excluded.per_output_token,
		   updated_at = excluded.updated_at`,
		condition.ID,
		condition.DesignID,
		condition.Name,
		config,
		perInput,
		perOutput,
		toMillis(condition.CreatedAt),
		toMillis(condition.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put condition: %w", err)
	}
	return nil
}

// GetCondition returns one design condition.
func (s *Store) GetCondition(ctx context.Context, id string) (domain.Condition, error) {
	if err := ctx.Err(); err != nil {
		return domain.Condition{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Condition{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, design_id, name, config, per_input_token, per_output_token, created_at, updated_at
		 FROM design_conditions WHERE id = ?`, id)
	return scanCondition(row)
}

// ListConditionsByDesign returns every condition of a design ordered by name.
func (s *Store) ListConditionsByDesign(ctx context.Context, designID string) ([]domain.Condition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, design_id, name, config, per_input_token, per_output_token, created_at, updated_at
		 FROM design_conditions WHERE design_id = ? ORDER BY name ASC, id ASC`, designID)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	var conditions []domain.Condition
	for rows.Next() {
		condition, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	return conditions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCondition(row rowScanner) (domain.Condition, error) {
	var (
		condition domain.Condition
		config    string
		perInput  sql.NullFloat64
		perOutput sql.NullFloat64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&condition.ID, &condition.DesignID, &condition.Name, &config, &perInput, &perOutput, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Condition{}, storage.ErrNotFound
		}
		return domain.Condition{}, fmt.Errorf("scan condition: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &condition.Config); err != nil {
		return domain.Condition{}, fmt.Errorf("decode condition config: %w", err)
	}
	if perInput.Valid || perOutput.Valid {
		condition.CostRate = &domain.CostRate{
			PerInputToken:  perInput.Float64,
			PerOutputToken: perOutput.Float64,
		}
	}
	condition.CreatedAt = fromMillis(createdAt)
	condition.UpdatedAt = fromMillis(updatedAt)
	return condition, nil
}

const experimentColumns = `id, design_id, name, runs_per_condition, status,
	queued_at, started_at, completed_at, error, created_at, updated_at`

func experimentArgs(experiment domain.Experiment) []any {
	return []any{
		experiment.ID,
		experiment.DesignID,
		experiment.Name,
		experiment.RunsPerCondition,
		string(experiment.Status),
		toMillisPtr(experiment.QueuedAt),
		toMillisPtr(experiment.StartedAt),
		toMillisPtr(experiment.CompletedAt),
		experiment.Error,
		toMillis(experiment.CreatedAt),
		toMillis(experiment.UpdatedAt),
	}
}

// PutExperiment upserts one experiment.
func (s *Store) PutExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(experiment.ID) == "" {
		return fmt.Errorf("experiment id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO experiments (`+experimentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   runs_per_condition = excluded.runs_per_condition,
		   status = excluded.status,
		   queued_at = excluded.queued_at,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   error = excluded.error,
		   updated_at = excluded.updated_at`,
		experimentArgs(experiment)...,
	)
	if err != nil {
		return fmt.Errorf("put experiment: %w", err)
	}
	return nil
}

// GetExperiment returns one experiment.
func (s *Store) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Experiment{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Experiment{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	return scanExperiment(row)
}

// DeleteExperiment removes one experiment and its runs.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete experiment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE experiment_id = ?`, id); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete experiment: %w", err)
	}
	return nil
}

func statusPlaceholders(from []domain.ExperimentStatus) (string, []any) {
	placeholders := make([]string, len(from))
	args := make([]any, len(from))
	for i, status := range from {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	return strings.Join(placeholders, ", "), args
}

const updateExperimentGuardedSQL = `UPDATE experiments SET
	   name = ?,
	   runs_per_condition = ?,
	   status = ?,
	   queued_at = ?,
	   started_at = ?,
	   completed_at = ?,
	   error = ?,
	   updated_at = ?
	 WHERE id = ? AND status IN (%s)`

func guardedExperimentArgs(experiment domain.Experiment, guardArgs []any) []any {
	args := []any{
		experiment.Name,
		experiment.RunsPerCondition,
		string(experiment.Status),
		toMillisPtr(experiment.QueuedAt),
		toMillisPtr(experiment.StartedAt),
		toMillisPtr(experiment.CompletedAt),
		experiment.Error,
		toMillis(experiment.UpdatedAt),
		experiment.ID,
	}
	return append(args, guardArgs...)
}

// QueueExperiment inserts the full run set and writes the queued experiment
// row in one transaction, guarded on the experiment still holding one of the
// from statuses.
func (s *Store) QueueExperiment(ctx context.Context, experiment domain.Experiment, runs []domain.ExperimentRun, from []domain.ExperimentStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin queue experiment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders, guardArgs := statusPlaceholders(from)
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(updateExperimentGuardedSQL, placeholders),
		guardedExperimentArgs(experiment, guardArgs)...,
	)
	if err != nil {
		return false, fmt.Errorf("write experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check experiment status: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, run := range runs {
		if err := insertRun(ctx, tx, run); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit queue experiment: %w", err)
	}
	return true, nil
}

// CancelExperiment fails every PENDING/RUNNING run with the given error and
// writes the cancelled experiment row in one transaction, guarded on the
// experiment still holding one of the from statuses.
func (s *Store) CancelExperiment(ctx context.Context, experiment domain.Experiment, runError string, from []domain.ExperimentStatus) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if err := s.ready(); err != nil {
		return 0, false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin cancel experiment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders, guardArgs := statusPlaceholders(from)
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(updateExperimentGuardedSQL, placeholders),
		guardedExperimentArgs(experiment, guardArgs)...,
	)
	if err != nil {
		return 0, false, fmt.Errorf("write experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("check experiment status: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}

	runResult, err := tx.ExecContext(ctx,
		`UPDATE runs SET
		   status = ?,
		   error = ?,
		   completed_at = ?,
		   updated_at = ?
		 WHERE experiment_id = ? AND status IN (?, ?)`,
		string(domain.RunStatusFailed),
		runError,
		toMillis(experiment.UpdatedAt),
		toMillis(experiment.UpdatedAt),
		experiment.ID,
		string(domain.RunStatusPending),
		string(domain.RunStatusRunning),
	)
	if err != nil {
		return 0, false, fmt.Errorf("fail runs: %w", err)
	}
	failed, err := runResult.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("count failed runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit cancel experiment: %w", err)
	}
	return int(failed), true, nil
}

// UpdateExperimentStatus writes the experiment row guarded on the previous
// status.
func (s *Store) UpdateExperimentStatus(ctx context.Context, experiment domain.Experiment, from domain.ExperimentStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	placeholders, guardArgs := statusPlaceholders([]domain.ExperimentStatus{from})
	result, err := s.sqlDB.ExecContext(ctx,
		fmt.Sprintf(updateExperimentGuardedSQL, placeholders),
		guardedExperimentArgs(experiment, guardArgs)...,
	)
	if err != nil {
		return false, fmt.Errorf("update experiment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check experiment status: %w", err)
	}
	return affected > 0, nil
}

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var (
		experiment  domain.Experiment
		status      string
		queuedAt    sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&experiment.ID,
		&experiment.DesignID,
		&experiment.Name,
		&experiment.RunsPerCondition,
		&status,
		&queuedAt,
		&startedAt,
		&completedAt,
		&experiment.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Experiment{}, storage.ErrNotFound
		}
		return domain.Experiment{}, fmt.Errorf("scan experiment: %w", err)
	}
	experiment.Status = domain.ExperimentStatus(status)
	experiment.QueuedAt = fromMillisPtr(queuedAt)
	experiment.StartedAt = fromMillisPtr(startedAt)
	experiment.CompletedAt = fromMillisPtr(completedAt)
	experiment.CreatedAt = fromMillis(createdAt)
	experiment.UpdatedAt = fromMillis(updatedAt)
	return experiment, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, run domain.ExperimentRun) error {
	outputs, err := marshalJSON(run.Outputs)
	if err != nil {
		return fmt.Errorf("encode run outputs: %w", err)
	}
	metrics, err := marshalJSON(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode run metrics: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment_id, condition_id, repetition, status, outputs, metrics, error, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.ExperimentID,
		run.ConditionID,
		run.Repetition,
		string(run.Status),
		outputs,
		metrics,
		run.Error,
		toMillisPtr(run.StartedAt),
		toMillisPtr(run.CompletedAt),
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (domain.ExperimentRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExperimentRun{}, err
	}
	if err := s.ready(); err != nil {
		return domain.ExperimentRun{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, experiment_id, condition_id, repetition, status, outputs, metrics, error, started_at, completed_at, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// PutRun upserts one run.
func (s *Store) PutRun(ctx context.Context, run domain.ExperimentRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	outputs, err := marshalJSON(run.Outputs)
	if err != nil {
		return fmt.Errorf("encode run outputs: %w", err)
	}
	metrics, err := marshalJSON(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode run metrics: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO runs (id, experiment_id, condition_id, repetition, status, outputs, metrics, error, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   outputs = excluded.outputs,
		   metrics = excluded.metrics,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   updated_at = excluded.updated_at`,
		run.ID,
		run.ExperimentID,
		run.ConditionID,
		run.Repetition,
		string(run.Status),
		outputs,
		metrics,
		run.Error,
		toMillisPtr(run.StartedAt),
		toMillisPtr(run.CompletedAt),
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put run: %w", err)
	}
	return nil
}

// ListRunsByExperiment returns every run of an experiment in creation order.
func (s *Store) ListRunsByExperiment(ctx context.Context, experimentID string) ([]domain.ExperimentRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, experiment_id, condition_id, repetition, status, outputs, metrics, error, started_at, completed_at, created_at, updated_at
		 FROM runs WHERE experiment_id = ? ORDER BY condition_id ASC, repetition ASC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ExperimentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (domain.ExperimentRun, error) {
	var (
		run         domain.ExperimentRun
		status      string
		outputs     string
		metrics     string
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&run.ID,
		&run.ExperimentID,
		&run.ConditionID,
		&run.Repetition,
		&status,
		&outputs,
		&metrics,
		&run.Error,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExperimentRun{}, storage.ErrNotFound
		}
		return domain.ExperimentRun{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &run.Outputs); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("decode run outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("decode run metrics: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.StartedAt = fromMillisPtr(startedAt)
	run.CompletedAt = fromMillisPtr(completedAt)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return run, nil
}

var _ storage.DesignStore = (*Store)(nil)
var _ storage.ExperimentStore = (*Store)(nil)
var _ storage.RunStore = (*Store)(nil)
