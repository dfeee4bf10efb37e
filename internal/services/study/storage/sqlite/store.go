// Package sqlite provides a SQLite-backed study storage implementation.
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
	"github.com/silentbard/storylab/internal/services/study/domain"
	"github.com/silentbard/storylab/internal/services/study/storage"
	"github.com/silentbard/storylab/internal/services/study/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists study state in SQLite.
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

// Open opens a SQLite study store and applies embedded migrations.
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

// PutCondition upserts one study condition.
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

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conditions (id, study_id, name, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   config = excluded.config,
		   updated_at = excluded.updated_at`,
		condition.ID,
		condition.StudyID,
		condition.Name,
		config,
		toMillis(condition.CreatedAt),
		toMillis(condition.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put condition: %w", err)
	}
	return nil
}

// GetCondition returns one study condition.
func (s *Store) GetCondition(ctx context.Context, id string) (domain.Condition, error) {
	if err := ctx.Err(); err != nil {
		return domain.Condition{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Condition{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, study_id, name, config, created_at, updated_at
		 FROM conditions WHERE id = ?`,
		id,
	)
	return scanCondition(row)
}

// ListConditionsByStudy returns every condition of a study ordered by name.
func (s *Store) ListConditionsByStudy(ctx context.Context, studyID string) ([]domain.Condition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, study_id, name, config, created_at, updated_at
		 FROM conditions WHERE study_id = ? ORDER BY name ASC`,
		studyID,
	)
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
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&condition.ID, &condition.StudyID, &condition.Name, &config, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Condition{}, storage.ErrNotFound
		}
		return domain.Condition{}, fmt.Errorf("scan condition: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &condition.Config); err != nil {
		return domain.Condition{}, fmt.Errorf("decode condition config: %w", err)
	}
	condition.CreatedAt = fromMillis(createdAt)
	condition.UpdatedAt = fromMillis(updatedAt)
	return condition, nil
}

const trialColumns = `id, study_id, condition_id, name, sequence, parameters,
	parameter_key, parameter_value, session_count, success_count, failure_count,
	status, metrics, created_at, updated_at`

func trialArgs(trial domain.Trial) ([]any, error) {
	parameters, err := marshalJSON(trial.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode trial parameters: %w", err)
	}
	metrics, err := marshalJSON(trial.Metrics)
	if err != nil {
		return nil, fmt.Errorf("encode trial metrics: %w", err)
	}
	return []any{
		trial.ID,
		trial.StudyID,
		trial.ConditionID,
		trial.Name,
		trial.Sequence,
		parameters,
		trial.ParameterKey,
		trial.ParameterValue,
		trial.SessionCount,
		trial.SuccessCount,
		trial.FailureCount,
		string(trial.Status),
		metrics,
		toMillis(trial.CreatedAt),
		toMillis(trial.UpdatedAt),
	}, nil
}

const upsertTrialSQL = `INSERT INTO trials (` + trialColumns + `)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT(id) DO UPDATE SET
   condition_id = excluded.condition_id,
   name = excluded.name,
   sequence = excluded.sequence,
   parameters = excluded.parameters,
   parameter_key = excluded.parameter_key,
   parameter_value = excluded.parameter_value,
   session_count = excluded.session_count,
   success_count = excluded.success_count,
   failure_count = excluded.failure_count,
   status = excluded.status,
   metrics = excluded.metrics,
   updated_at = excluded.updated_at`

// PutTrial upserts one trial.
func (s *Store) PutTrial(ctx context.Context, trial domain.Trial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(trial.ID) == "" {
		return fmt.Errorf("trial id is required")
	}
	args, err := trialArgs(trial)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, upsertTrialSQL, args...); err != nil {
		return fmt.Errorf("put trial: %w", err)
	}
	return nil
}

// GetTrial returns one trial.
func (s *Store) GetTrial(ctx context.Context, id string) (domain.Trial, error) {
	if err := ctx.Err(); err != nil {
		return domain.Trial{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Trial{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)
	return scanTrial(row)
}

// ListTrialsByStudy returns every trial of a study in sequence order.
func (s *Store) ListTrialsByStudy(ctx context.Context, studyID string) ([]domain.Trial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE study_id = ? ORDER BY sequence ASC`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var trials []domain.Trial
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, trial)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	return trials, nil
}

// NextTrialSequence returns max(sequence)+1 for the study, starting at 1.
func (s *Store) NextTrialSequence(ctx context.Context, studyID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	var max sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM trials WHERE study_id = ?`, studyID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next trial sequence: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// CreateTrials inserts a batch of trials in one transaction. Any failure
// rolls back the whole batch.
func (s *Store) CreateTrials(ctx context.Context, trials []domain.Trial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if len(trials) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create trials: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, trial := range trials {
		args, err := trialArgs(trial)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trials (`+trialColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return fmt.Errorf("insert trial %s: %w", trial.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create trials: %w", err)
	}
	return nil
}

// DeleteTrial removes one trial.
func (s *Store) DeleteTrial(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM trials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trial: %w", err)
	}
	return nil
}

func scanTrial(row rowScanner) (domain.Trial, error) {
	var (
		trial      domain.Trial
		parameters string
		status     string
		metrics    string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&trial.ID,
		&trial.StudyID,
		&trial.ConditionID,
		&trial.Name,
		&trial.Sequence,
		&parameters,
		&trial.ParameterKey,
		&trial.ParameterValue,
		&trial.SessionCount,
		&trial.SuccessCount,
		&trial.FailureCount,
		&status,
		&metrics,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Trial{}, storage.ErrNotFound
		}
		return domain.Trial{}, fmt.Errorf("scan trial: %w", err)
	}
	if err := json.Unmarshal([]byte(parameters), &trial.Parameters); err != nil {
		return domain.Trial{}, fmt.Errorf("decode trial parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &trial.Metrics); err != nil {
		return domain.Trial{}, fmt.Errorf("decode trial metrics: %w", err)
	}
	trial.Status = domain.TrialStatus(status)
	trial.CreatedAt = fromMillis(createdAt)
	trial.UpdatedAt = fromMillis(updatedAt)
	return trial, nil
}

// QueueSessions inserts the new session rows and writes the updated trial
// row in one transaction, guarded on the previously-read session count. It
// reports false, writing nothing, when another run got there first.
func (s *Store) QueueSessions(ctx context.Context, trial domain.Trial, sessions []domain.Session, prevSessionCount int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin queue sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE trials SET session_count = ?, status = ?, updated_at = ?
		 WHERE id = ? AND session_count = ?`,
		trial.SessionCount,
		string(trial.Status),
		toMillis(trial.UpdatedAt),
		trial.ID,
		prevSessionCount,
	)
	if err != nil {
		return false, fmt.Errorf("write trial: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check trial session count: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, session := range sessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, study_id, trial_id, scheduled_start, actual_start, actual_end, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.StudyID,
			session.TrialID,
			toMillis(session.ScheduledStart),
			toMillisPtr(session.ActualStart),
			toMillisPtr(session.ActualEnd),
			toMillis(session.CreatedAt),
			toMillis(session.UpdatedAt),
		); err != nil {
			return false, fmt.Errorf("insert session %s: %w", session.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit queue sessions: %w", err)
	}
	return true, nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, study_id, trial_id, scheduled_start, actual_start, actual_end, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// PutSession upserts one session.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, study_id, trial_id, scheduled_start, actual_start, actual_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   scheduled_start = excluded.scheduled_start,
		   actual_start = excluded.actual_start,
		   actual_end = excluded.actual_end,
		   updated_at = excluded.updated_at`,
		session.ID,
		session.StudyID,
		session.TrialID,
		toMillis(session.ScheduledStart),
		toMillisPtr(session.ActualStart),
		toMillisPtr(session.ActualEnd),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// ListSessionsByTrial returns every session of a trial in creation order.
func (s *Store) ListSessionsByTrial(ctx context.Context, trialID string) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, study_id, trial_id, scheduled_start, actual_start, actual_end, created_at, updated_at
		 FROM sessions WHERE trial_id = ? ORDER BY created_at ASC, id ASC`, trialID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ApplyOutcome writes the finished session and the trial counters in one
// transaction, guarded on the previous counter values. It reports false
// when another writer already advanced the counters.
func (s *Store) ApplyOutcome(ctx context.Context, trial domain.Trial, session domain.Session, prevSuccess, prevFailure int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply outcome: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metrics, err := marshalJSON(trial.Metrics)
	if err != nil {
		return false, fmt.Errorf("encode trial metrics: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE trials SET
		   success_count = ?,
		   failure_count = ?,
		   status = ?,
		   metrics = ?,
		   updated_at = ?
		 WHERE id = ? AND success_count = ? AND failure_count = ?`,
		trial.SuccessCount,
		trial.FailureCount,
		string(trial.Status),
		metrics,
		toMillis(trial.UpdatedAt),
		trial.ID,
		prevSuccess,
		prevFailure,
	)
	if err != nil {
		return false, fmt.Errorf("write trial counters: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check trial counters: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET actual_start = ?, actual_end = ?, updated_at = ? WHERE id = ?`,
		toMillisPtr(session.ActualStart),
		toMillisPtr(session.ActualEnd),
		toMillis(session.UpdatedAt),
		session.ID,
	); err != nil {
		return false, fmt.Errorf("write session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply outcome: %w", err)
	}
	return true, nil
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session        domain.Session
		scheduledStart int64
		actualStart    sql.NullInt64
		actualEnd      sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(
		&session.ID,
		&session.StudyID,
		&session.TrialID,
		&scheduledStart,
		&actualStart,
		&actualEnd,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.ScheduledStart = fromMillis(scheduledStart)
	session.ActualStart = fromMillisPtr(actualStart)
	session.ActualEnd = fromMillisPtr(actualEnd)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// PutParticipant upserts one participant.
func (s *Store) PutParticipant(ctx context.Context, participant domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(participant.ID) == "" {
		return fmt.Errorf("participant id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO participants (id, study_id, state, current_stage, checked_in, partner_id, session_start, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   current_stage = excluded.current_stage,
		   checked_in = excluded.checked_in,
		   partner_id = excluded.partner_id,
		   session_start = excluded.session_start,
		   completed_at = excluded.completed_at,
		   updated_at = excluded.updated_at`,
		participant.ID,
		participant.StudyID,
		string(participant.State),
		participant.CurrentStage,
		boolToInt(participant.CheckedIn),
		participant.PartnerID,
		toMillisPtr(participant.SessionStart),
		toMillisPtr(participant.CompletedAt),
		toMillis(participant.CreatedAt),
		toMillis(participant.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

// GetParticipant returns one participant.
func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Participant{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Participant{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, study_id, state, current_stage, checked_in, partner_id, session_start, completed_at, created_at, updated_at
		 FROM participants WHERE id = ?`, id)

	var (
		participant  domain.Participant
		state        string
		checkedIn    int
		sessionStart sql.NullInt64
		completedAt  sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&participant.ID,
		&participant.StudyID,
		&state,
		&participant.CurrentStage,
		&checkedIn,
		&participant.PartnerID,
		&sessionStart,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Participant{}, storage.ErrNotFound
		}
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	participant.State = domain.ParticipantState(state)
	participant.CheckedIn = checkedIn != 0
	participant.SessionStart = fromMillisPtr(sessionStart)
	participant.CompletedAt = fromMillisPtr(completedAt)
	participant.CreatedAt = fromMillis(createdAt)
	participant.UpdatedAt = fromMillis(updatedAt)
	return participant, nil
}

// UpdateParticipantStage writes the participant row guarded on the current
// stage, so concurrent advances for the same participant serialize.
func (s *Store) UpdateParticipantStage(ctx context.Context, participant domain.Participant, fromStage int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE participants SET
		   state = ?,
		   current_stage = ?,
		   session_start = ?,
		   completed_at = ?,
		   updated_at = ?
		 WHERE id = ? AND current_stage = ?`,
		string(participant.State),
		participant.CurrentStage,
		toMillisPtr(participant.SessionStart),
		toMillisPtr(participant.CompletedAt),
		toMillis(participant.UpdatedAt),
		participant.ID,
		fromStage,
	)
	if err != nil {
		return false, fmt.Errorf("update participant stage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check participant stage: %w", err)
	}
	return affected > 0, nil
}

// AppendAuditEvent inserts one audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event storage.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("audit event id is required")
	}
	data, err := marshalJSON(event.Data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO audit_events (id, participant_id, event_type, data, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		event.ParticipantID,
		event.Type,
		data,
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a participant's audit trail in timestamp order.
func (s *Store) ListAuditEvents(ctx context.Context, participantID string) ([]storage.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, participant_id, event_type, data, timestamp
		 FROM audit_events WHERE participant_id = ? ORDER BY timestamp ASC, id ASC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var (
			event     storage.AuditEvent
			data      string
			timestamp int64
		)
		if err := rows.Scan(&event.ID, &event.ParticipantID, &event.Type, &data, &timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return nil, fmt.Errorf("decode audit data: %w", err)
		}
		event.Timestamp = fromMillis(timestamp)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

var _ storage.ConditionStore = (*Store)(nil)
var _ storage.TrialStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.ParticipantStore = (*Store)(nil)
var _ storage.AuditEventStore = (*Store)(nil)
