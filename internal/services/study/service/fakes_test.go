package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	apperrors "github.com/silentbard/storylab/internal/platform/errors"
	"github.com/silentbard/storylab/internal/services/study/domain"
	"github.com/silentbard/storylab/internal/services/study/storage"
)

type fakeTrialStore struct {
	trials map[string]domain.Trial
	// createTrialsErr forces CreateTrials to fail atomically.
	createTrialsErr error
}

func newFakeTrialStore() *fakeTrialStore {
	return &fakeTrialStore{trials: map[string]domain.Trial{}}
}

func (s *fakeTrialStore) PutTrial(_ context.Context, trial domain.Trial) error {
	s.trials[trial.ID] = trial
	return nil
}

func (s *fakeTrialStore) GetTrial(_ context.Context, id string) (domain.Trial, error) {
	trial, ok := s.trials[id]
	if !ok {
		return domain.Trial{}, storage.ErrNotFound
	}
	return trial, nil
}

func (s *fakeTrialStore) ListTrialsByStudy(_ context.Context, studyID string) ([]domain.Trial, error) {
	var trials []domain.Trial
	for _, trial := range s.trials {
		if trial.StudyID == studyID {
			trials = append(trials, trial)
		}
	}
	sort.Slice(trials, func(i, j int) bool { return trials[i].Sequence < trials[j].Sequence })
	return trials, nil
}

func (s *fakeTrialStore) NextTrialSequence(_ context.Context, studyID string) (int, error) {
	max := 0
	for _, trial := range s.trials {
		if trial.StudyID == studyID && trial.Sequence > max {
			max = trial.Sequence
		}
	}
	return max + 1, nil
}

func (s *fakeTrialStore) CreateTrials(_ context.Context, trials []domain.Trial) error {
	if s.createTrialsErr != nil {
		return s.createTrialsErr
	}
	for _, trial := range trials {
		s.trials[trial.ID] = trial
	}
	return nil
}

func (s *fakeTrialStore) DeleteTrial(_ context.Context, id string) error {
	delete(s.trials, id)
	return nil
}

type fakeSessionStore struct {
	sessions map[string]domain.Session
	trials   *fakeTrialStore
	// applyOutcomeConflict simulates a concurrent counter write.
	applyOutcomeConflict bool
	// queueConflict simulates a concurrent run queuing sessions first.
	queueConflict bool
}

func newFakeSessionStore(trials *fakeTrialStore) *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]domain.Session{}, trials: trials}
}

func (s *fakeSessionStore) QueueSessions(_ context.Context, trial domain.Trial, sessions []domain.Session, prevSessionCount int) (bool, error) {
	if s.queueConflict {
		return false, nil
	}
	current, ok := s.trials.trials[trial.ID]
	if !ok || current.SessionCount != prevSessionCount {
		return false, nil
	}
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
	s.trials.trials[trial.ID] = trial
	return true, nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *fakeSessionStore) PutSession(_ context.Context, session domain.Session) error {
	s.sessions[session.ID] = session
	return nil
}

func (s *fakeSessionStore) ListSessionsByTrial(_ context.Context, trialID string) ([]domain.Session, error) {
	var sessions []domain.Session
	for _, session := range s.sessions {
		if session.TrialID == trialID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (s *fakeSessionStore) ApplyOutcome(_ context.Context, trial domain.Trial, session domain.Session, prevSuccess, prevFailure int) (bool, error) {
	if s.applyOutcomeConflict {
		return false, nil
	}
	current, ok := s.trials.trials[trial.ID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if current.SuccessCount != prevSuccess || current.FailureCount != prevFailure {
		return false, nil
	}
	s.trials.trials[trial.ID] = trial
	s.sessions[session.ID] = session
	return true, nil
}

type fakeConditionStore struct {
	conditions map[string]domain.Condition
}

func newFakeConditionStore() *fakeConditionStore {
	return &fakeConditionStore{conditions: map[string]domain.Condition{}}
}

func (s *fakeConditionStore) PutCondition(_ context.Context, condition domain.Condition) error {
	s.conditions[condition.ID] = condition
	return nil
}

func (s *fakeConditionStore) GetCondition(_ context.Context, id string) (domain.Condition, error) {
	condition, ok := s.conditions[id]
	if !ok {
		return domain.Condition{}, storage.ErrNotFound
	}
	return condition, nil
}

func (s *fakeConditionStore) ListConditionsByStudy(_ context.Context, studyID string) ([]domain.Condition, error) {
	var conditions []domain.Condition
	for _, condition := range s.conditions {
		if condition.StudyID == studyID {
			conditions = append(conditions, condition)
		}
	}
	return conditions, nil
}

type fakeParticipantStore struct {
	participants map[string]domain.Participant
	// stageConflict simulates losing the stage compare-and-swap.
	stageConflict bool
}

func newFakeParticipantStore() *fakeParticipantStore {
	return &fakeParticipantStore{participants: map[string]domain.Participant{}}
}

func (s *fakeParticipantStore) PutParticipant(_ context.Context, participant domain.Participant) error {
	s.participants[participant.ID] = participant
	return nil
}

func (s *fakeParticipantStore) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	participant, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, storage.ErrNotFound
	}
	return participant, nil
}

func (s *fakeParticipantStore) UpdateParticipantStage(_ context.Context, participant domain.Participant, fromStage int) (bool, error) {
	if s.stageConflict {
		return false, nil
	}
	current, ok := s.participants[participant.ID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if current.CurrentStage != fromStage {
		return false, nil
	}
	s.participants[participant.ID] = participant
	return true, nil
}

type fakeAuditStore struct {
	events    []storage.AuditEvent
	appendErr error
}

func (s *fakeAuditStore) AppendAuditEvent(_ context.Context, event storage.AuditEvent) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditStore) ListAuditEvents(_ context.Context, participantID string) ([]storage.AuditEvent, error) {
	var events []storage.AuditEvent
	for _, event := range s.events {
		if event.ParticipantID == participantID {
			events = append(events, event)
		}
	}
	return events, nil
}

func sequentialIDs(prefix string) func() (string, error) {
	var counter int
	return func() (string, error) {
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter), nil
	}
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error %v is not an app error", err)
	}
	if appErr.Code != code {
		t.Fatalf("code = %s, want %s", appErr.Code, code)
	}
}
