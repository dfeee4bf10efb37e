// Package service implements the study-side orchestration operations:
// trial management and participant stage progression.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/silentbard/storylab/internal/aggregate"
	apperrors "github.com/silentbard/storylab/internal/platform/errors"
	"github.com/silentbard/storylab/internal/platform/id"
	"github.com/silentbard/storylab/internal/services/study/domain"
	"github.com/silentbard/storylab/internal/services/study/storage"
)

const (
	minSessionsPerRun = 1
	maxSessionsPerRun = 100
)

// TrialService owns the trial lifecycle: creation, parameter sweeps,
// session fan-out, and result computation.
type TrialService struct {
	trials      storage.TrialStore
	sessions    storage.SessionStore
	conditions  storage.ConditionStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewTrialService creates a TrialService with default dependencies.
func NewTrialService(trials storage.TrialStore, sessions storage.SessionStore, conditions storage.ConditionStore) *TrialService {
	return &TrialService{
		trials:      trials,
		sessions:    sessions,
		conditions:  conditions,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// CreateTrialInput describes a single trial to create.
type CreateTrialInput struct {
	StudyID     string
	ConditionID string
	Name        string
	Parameters  map[string]any
}

// CreateTrial creates a pending trial with the next sequence number in its
// study.
func (s *TrialService) CreateTrial(ctx context.Context, in CreateTrialInput) (domain.Trial, error) {
	if err := s.checkCondition(ctx, in.StudyID, in.ConditionID); err != nil {
		return domain.Trial{}, err
	}

	sequence, err := s.trials.NextTrialSequence(ctx, in.StudyID)
	if err != nil {
		return domain.Trial{}, fmt.Errorf("next trial sequence: %w", err)
	}
	trialID, err := s.idGenerator()
	if err != nil {
		return domain.Trial{}, fmt.Errorf("generate trial id: %w", err)
	}

	trial := domain.NewTrial(in.StudyID, in.ConditionID, strings.TrimSpace(in.Name), sequence, in.Parameters, s.clock().UTC(), trialID)
	if err := s.trials.PutTrial(ctx, trial); err != nil {
		return domain.Trial{}, fmt.Errorf("persist trial: %w", err)
	}
	return trial, nil
}

// CreateSweepInput describes a parameter sweep: one trial per value.
type CreateSweepInput struct {
	StudyID        string
	ConditionID    string
	ParameterKey   string
	Values         []any
	BaseParameters map[string]any
}

// CreateSweep expands a parameter sweep into one trial per value, in value
// order, with sequential sequence numbers. The insert is all-or-nothing.
func (s *TrialService) CreateSweep(ctx context.Context, in CreateSweepInput) ([]domain.Trial, error) {
	if len(in.Values) == 0 {
		return nil, apperrors.New(apperrors.CodeTrialSweepValuesEmpty, "sweep values must be a non-empty array")
	}
	key := strings.TrimSpace(in.ParameterKey)
	if key == "" {
		return nil, apperrors.New(apperrors.CodeTrialSweepKeyEmpty, "sweep parameter key is required")
	}
	if err := s.checkCondition(ctx, in.StudyID, in.ConditionID); err != nil {
		return nil, err
	}

	startSequence, err := s.trials.NextTrialSequence(ctx, in.StudyID)
	if err != nil {
		return nil, fmt.Errorf("next trial sequence: %w", err)
	}

	now := s.clock().UTC()
	trials := make([]domain.Trial, 0, len(in.Values))
	for i, value := range in.Values {
		trialID, err := s.idGenerator()
		if err != nil {
			return nil, fmt.Errorf("generate trial id: %w", err)
		}
		trials = append(trials, domain.SweepTrial(in.StudyID, in.ConditionID, startSequence+i, key, value, in.BaseParameters, now, trialID))
	}

	if err := s.trials.CreateTrials(ctx, trials); err != nil {
		return nil, fmt.Errorf("persist sweep trials: %w", err)
	}
	return trials, nil
}

// RunTrial queues sessionCount new sessions for the trial, scheduled for
// now, and moves the trial to RUNNING. SessionCount on the trial
// accumulates across repeated calls: re-running adds sessions on top of the
// ones already queued.
func (s *TrialService) RunTrial(ctx context.Context, trialID string, sessionCount int) (domain.Trial, []domain.Session, error) {
	if sessionCount < minSessionsPerRun || sessionCount > maxSessionsPerRun {
		return domain.Trial{}, nil, apperrors.WithMetadata(apperrors.CodeTrialSessionCountOutOfRange,
			fmt.Sprintf("session count must be between %d and %d, got %d", minSessionsPerRun, maxSessionsPerRun, sessionCount),
			map[string]string{"sessionCount": fmt.Sprintf("%d", sessionCount)})
	}

	trial, err := s.trials.GetTrial(ctx, trialID)
	if err != nil {
		return domain.Trial{}, nil, trialStorageError("get trial", trialID, err)
	}
	if trial.Status != domain.TrialStatusRunning {
		if err := domain.TrialStatusRules.Transition(trial.Status, domain.TrialStatusRunning); err != nil {
			return domain.Trial{}, nil, apperrors.Wrap(apperrors.CodeTrialInvalidStatusTransition,
				fmt.Sprintf("trial %s cannot start from status %s", trialID, trial.Status), err)
		}
	}

	now := s.clock().UTC()
	sessions := make([]domain.Session, 0, sessionCount)
	for i := 0; i < sessionCount; i++ {
		sessionID, err := s.idGenerator()
		if err != nil {
			return domain.Trial{}, nil, fmt.Errorf("generate session id: %w", err)
		}
		sessions = append(sessions, domain.Session{
			ID:             sessionID,
			StudyID:        trial.StudyID,
			TrialID:        trial.ID,
			ScheduledStart: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	prevCount := trial.SessionCount
	trial.Status = domain.TrialStatusRunning
	trial.SessionCount = prevCount + sessionCount
	trial.UpdatedAt = now

	queued, err := s.sessions.QueueSessions(ctx, trial, sessions, prevCount)
	if err != nil {
		return domain.Trial{}, nil, fmt.Errorf("queue sessions: %w", err)
	}
	if !queued {
		return domain.Trial{}, nil, apperrors.New(apperrors.CodeTrialRunConflict,
			fmt.Sprintf("trial %s was run concurrently; retry", trialID))
	}
	return trial, sessions, nil
}

// DeleteTrial removes a trial that owns no sessions.
func (s *TrialService) DeleteTrial(ctx context.Context, trialID string) error {
	trial, err := s.trials.GetTrial(ctx, trialID)
	if err != nil {
		return trialStorageError("get trial", trialID, err)
	}
	if trial.SessionCount > 0 {
		return apperrors.WithMetadata(apperrors.CodeTrialHasSessions,
			fmt.Sprintf("trial %s owns %d sessions; clear them before deleting", trialID, trial.SessionCount),
			map[string]string{"sessionCount": fmt.Sprintf("%d", trial.SessionCount)})
	}
	if err := s.trials.DeleteTrial(ctx, trialID); err != nil {
		return fmt.Errorf("delete trial: %w", err)
	}
	return nil
}

// SessionOutcome is a completion notification from the session executor.
type SessionOutcome struct {
	SessionID string
	Success   bool
	// StartedAt and EndedAt are the executor's observed timestamps. A nil
	// EndedAt stamps the notification time; a nil StartedAt leaves any
	// previously recorded start untouched.
	StartedAt *time.Time
	EndedAt   *time.Time
}

// RecordSessionOutcome reacts to a completion notification from the session
// executor. It stamps the session's timestamps, bumps the trial counters,
// and finalizes the trial once every queued session has reported. Repeated
// notifications for an already-completed session are no-ops.
func (s *TrialService) RecordSessionOutcome(ctx context.Context, in SessionOutcome) (domain.Trial, error) {
	session, err := s.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return domain.Trial{}, trialStorageError("get session", in.SessionID, err)
	}
	trial, err := s.trials.GetTrial(ctx, session.TrialID)
	if err != nil {
		return domain.Trial{}, trialStorageError("get trial", session.TrialID, err)
	}
	if session.Completed() {
		return trial, nil
	}

	prevSuccess, prevFailure := trial.SuccessCount, trial.FailureCount
	if err := trial.RecordOutcome(in.Success); err != nil {
		return domain.Trial{}, apperrors.Wrap(apperrors.CodeTrialSessionBudgetExceeded,
			fmt.Sprintf("trial %s has no unreported sessions left", trial.ID), err)
	}

	now := s.clock().UTC()
	end := now
	if in.EndedAt != nil {
		end = in.EndedAt.UTC()
	}
	session.ActualEnd = &end
	if in.StartedAt != nil {
		start := in.StartedAt.UTC()
		session.ActualStart = &start
	}
	session.UpdatedAt = now
	trial.UpdatedAt = now

	if trial.OutcomesComplete() {
		next := domain.TrialStatusCompleted
		if trial.SuccessCount == 0 {
			next = domain.TrialStatusFailed
		}
		if domain.TrialStatusRules.Allowed(trial.Status, next) {
			trial.Status = next
		}
	}

	applied, err := s.sessions.ApplyOutcome(ctx, trial, session, prevSuccess, prevFailure)
	if err != nil {
		return domain.Trial{}, fmt.Errorf("apply outcome: %w", err)
	}
	if !applied {
		return domain.Trial{}, apperrors.New(apperrors.CodeTrialOutcomeConflict,
			fmt.Sprintf("trial %s counters changed concurrently; retry the notification", trial.ID))
	}
	return trial, nil
}

// TrialResults bundles the statistics ComputeResults reports for one trial.
type TrialResults struct {
	TrialID   string                   `json:"trialId"`
	Sessions  aggregate.SessionStats   `json:"sessionStats"`
	Durations *aggregate.DurationStats `json:"durationStats"`
	Metrics   map[string]float64       `json:"metrics"`
}

// ComputeResults reduces the trial's sessions into session and duration
// statistics. The trial's own metrics blob is passed through verbatim.
func (s *TrialService) ComputeResults(ctx context.Context, trialID string) (TrialResults, error) {
	trial, err := s.trials.GetTrial(ctx, trialID)
	if err != nil {
		return TrialResults{}, trialStorageError("get trial", trialID, err)
	}
	sessions, err := s.sessions.ListSessionsByTrial(ctx, trialID)
	if err != nil {
		return TrialResults{}, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]aggregate.SessionRecord, 0, len(sessions))
	for _, session := range sessions {
		records = append(records, aggregate.SessionRecord{
			ActualStart: session.ActualStart,
			ActualEnd:   session.ActualEnd,
		})
	}

	sessionStats, durations := aggregate.SummarizeSessions(trial.SuccessCount, trial.FailureCount, records)
	return TrialResults{
		TrialID:   trial.ID,
		Sessions:  sessionStats,
		Durations: durations,
		Metrics:   trial.Metrics,
	}, nil
}

// checkCondition verifies an optional condition reference belongs to the
// study. Referenced ids are otherwise assumed validated by the caller.
func (s *TrialService) checkCondition(ctx context.Context, studyID, conditionID string) error {
	if conditionID == "" {
		return nil
	}
	condition, err := s.conditions.GetCondition(ctx, conditionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeConditionNotInStudy,
				fmt.Sprintf("condition %s not found", conditionID))
		}
		return fmt.Errorf("get condition: %w", err)
	}
	if condition.StudyID != studyID {
		return apperrors.New(apperrors.CodeConditionNotInStudy,
			fmt.Sprintf("condition %s does not belong to study %s", conditionID, studyID))
	}
	return nil
}

// trialStorageError maps storage lookups to domain errors.
func trialStorageError(op, entityID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("%s: %s not found", op, entityID), err)
	}
	return fmt.Errorf("%s %s: %w", op, entityID, err)
}
