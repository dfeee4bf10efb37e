package service

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/silentbard/storylab/internal/platform/errors"
	"github.com/silentbard/storylab/internal/services/study/domain"
)

func newTrialFixture() (*TrialService, *fakeTrialStore, *fakeSessionStore, *fakeConditionStore, time.Time) {
	trials := newFakeTrialStore()
	sessions := newFakeSessionStore(trials)
	conditions := newFakeConditionStore()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	svc := NewTrialService(trials, sessions, conditions)
	svc.clock = fixedClock(now)
	svc.idGenerator = sequentialIDs("trial")
	return svc, trials, sessions, conditions, now
}

func TestCreateTrialAssignsSequence(t *testing.T) {
	svc, trials, _, _, _ := newTrialFixture()
	ctx := context.Background()

	first, err := svc.CreateTrial(ctx, CreateTrialInput{StudyID: "study-1", Name: "baseline"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.CreateTrial(ctx, CreateTrialInput{StudyID: "study-1", Name: "variant"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", first.Sequence, second.Sequence)
	}
	if first.Status != domain.TrialStatusPending {
		t.Fatalf("status = %s, want PENDING", first.Status)
	}
	if len(trials.trials) != 2 {
		t.Fatalf("persisted trials = %d, want 2", len(trials.trials))
	}
}

func TestCreateTrialRejectsForeignCondition(t *testing.T) {
	svc, _, _, conditions, _ := newTrialFixture()
	conditions.conditions["cond-1"] = domain.Condition{ID: "cond-1", StudyID: "other-study"}

	_, err := svc.CreateTrial(context.Background(), CreateTrialInput{StudyID: "study-1", ConditionID: "cond-1"})
	wantCode(t, err, apperrors.CodeConditionNotInStudy)

	_, err = svc.CreateTrial(context.Background(), CreateTrialInput{StudyID: "study-1", ConditionID: "missing"})
	wantCode(t, err, apperrors.CodeConditionNotInStudy)
}

func TestCreateSweepExpandsOneTrialPerValue(t *testing.T) {
	svc, _, _, _, _ := newTrialFixture()

	trials, err := svc.CreateSweep(context.Background(), CreateSweepInput{
		StudyID:        "study-1",
		ParameterKey:   "temperature",
		Values:         []any{0.2, 0.5, 1.0},
		BaseParameters: map[string]any{"model": "bard-v2", "temperature": 0.7},
	})
	if err != nil {
		t.Fatalf("create sweep: %v", err)
	}

	if len(trials) != 3 {
		t.Fatalf("trials = %d, want 3", len(trials))
	}
	for i, trial := range trials {
		if trial.Sequence != i+1 {
			t.Fatalf("trial %d sequence = %d, want %d", i, trial.Sequence, i+1)
		}
		if trial.ParameterKey != "temperature" {
			t.Fatalf("parameter key = %q", trial.ParameterKey)
		}
		if trial.Parameters["model"] != "bard-v2" {
			t.Fatalf("base parameter lost: %v", trial.Parameters)
		}
	}
	// The swept key overrides the base value.
	if got := trials[0].Parameters["temperature"]; got != 0.2 {
		t.Fatalf("swept value = %v, want 0.2", got)
	}
	if trials[1].Name != "temperature=0.5" {
		t.Fatalf("name = %q, want temperature=0.5", trials[1].Name)
	}
}

func TestCreateSweepRejectsEmptyValues(t *testing.T) {
	svc, trials, _, _, _ := newTrialFixture()

	_, err := svc.CreateSweep(context.Background(), CreateSweepInput{StudyID: "study-1", ParameterKey: "temperature"})
	wantCode(t, err, apperrors.CodeTrialSweepValuesEmpty)

	_, err = svc.CreateSweep(context.Background(), CreateSweepInput{StudyID: "study-1", ParameterKey: "  ", Values: []any{1}})
	wantCode(t, err, apperrors.CodeTrialSweepKeyEmpty)

	if len(trials.trials) != 0 {
		t.Fatalf("rejected sweeps persisted %d trials", len(trials.trials))
	}
}

func TestCreateSweepIsAllOrNothing(t *testing.T) {
	svc, trials, _, _, _ := newTrialFixture()
	trials.createTrialsErr = context.DeadlineExceeded

	_, err := svc.CreateSweep(context.Background(), CreateSweepInput{
		StudyID:      "study-1",
		ParameterKey: "temperature",
		Values:       []any{0.2, 0.5},
	})
	if err == nil {
		t.Fatal("expected insert failure")
	}
	if len(trials.trials) != 0 {
		t.Fatalf("partial sweep persisted %d trials", len(trials.trials))
	}
}

func TestRunTrialQueuesSessionsAndAccumulates(t *testing.T) {
	svc, trialStore, sessionStore, _, now := newTrialFixture()
	ctx := context.Background()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", StudyID: "study-1", Status: domain.TrialStatusPending}

	trial, sessions, err := svc.RunTrial(ctx, "t-1", 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if trial.Status != domain.TrialStatusRunning {
		t.Fatalf("status = %s, want RUNNING", trial.Status)
	}
	if trial.SessionCount != 3 {
		t.Fatalf("sessionCount = %d, want 3", trial.SessionCount)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	for _, session := range sessions {
		if !session.ScheduledStart.Equal(now) {
			t.Fatalf("scheduledStart = %v, want %v", session.ScheduledStart, now)
		}
		if session.TrialID != "t-1" {
			t.Fatalf("session trial = %q", session.TrialID)
		}
	}
	if len(sessionStore.sessions) != 3 {
		t.Fatalf("persisted sessions = %d, want 3", len(sessionStore.sessions))
	}

	// Re-running adds on top of the existing sessions.
	trial, _, err = svc.RunTrial(ctx, "t-1", 2)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if trial.SessionCount != 5 {
		t.Fatalf("sessionCount after re-run = %d, want 5", trial.SessionCount)
	}
}

func TestRunTrialValidatesSessionCount(t *testing.T) {
	svc, trialStore, _, _, _ := newTrialFixture()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", StudyID: "study-1", Status: domain.TrialStatusPending}

	for _, count := range []int{0, -1, 101} {
		_, _, err := svc.RunTrial(context.Background(), "t-1", count)
		wantCode(t, err, apperrors.CodeTrialSessionCountOutOfRange)
	}

	// Boundary values pass.
	if _, _, err := svc.RunTrial(context.Background(), "t-1", 1); err != nil {
		t.Fatalf("run with count 1: %v", err)
	}
	if _, _, err := svc.RunTrial(context.Background(), "t-1", 100); err != nil {
		t.Fatalf("run with count 100: %v", err)
	}
}

func TestRunTrialAllowedFromTerminalStatuses(t *testing.T) {
	svc, trialStore, _, _, _ := newTrialFixture()
	for _, status := range []domain.TrialStatus{domain.TrialStatusCompleted, domain.TrialStatusFailed} {
		trialStore.trials["t-1"] = domain.Trial{ID: "t-1", StudyID: "study-1", Status: status, SessionCount: 2, SuccessCount: 1, FailureCount: 1}
		trial, _, err := svc.RunTrial(context.Background(), "t-1", 1)
		if err != nil {
			t.Fatalf("re-run from %s: %v", status, err)
		}
		if trial.Status != domain.TrialStatusRunning {
			t.Fatalf("status = %s, want RUNNING", trial.Status)
		}
		if trial.SessionCount != 3 {
			t.Fatalf("sessionCount = %d, want 3", trial.SessionCount)
		}
	}
}

func TestRunTrialRejectsConcurrentRun(t *testing.T) {
	svc, trialStore, sessionStore, _, _ := newTrialFixture()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", StudyID: "study-1", Status: domain.TrialStatusPending}
	sessionStore.queueConflict = true

	_, _, err := svc.RunTrial(context.Background(), "t-1", 3)
	wantCode(t, err, apperrors.CodeTrialRunConflict)

	// The lost race must not leave session rows behind.
	if len(sessionStore.sessions) != 0 {
		t.Fatalf("persisted sessions = %d, want 0", len(sessionStore.sessions))
	}
	if got := trialStore.trials["t-1"]; got.SessionCount != 0 {
		t.Fatalf("sessionCount = %d, want 0", got.SessionCount)
	}
}

func TestDeleteTrialRequiresNoSessions(t *testing.T) {
	svc, trialStore, _, _, _ := newTrialFixture()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", SessionCount: 2}
	trialStore.trials["t-2"] = domain.Trial{ID: "t-2"}

	err := svc.DeleteTrial(context.Background(), "t-1")
	wantCode(t, err, apperrors.CodeTrialHasSessions)

	if err := svc.DeleteTrial(context.Background(), "t-2"); err != nil {
		t.Fatalf("delete empty trial: %v", err)
	}
	if _, ok := trialStore.trials["t-2"]; ok {
		t.Fatal("trial not deleted")
	}
}

func TestRecordSessionOutcomeFinalizesTrial(t *testing.T) {
	svc, trialStore, sessionStore, _, now := newTrialFixture()
	ctx := context.Background()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", StudyID: "study-1", Status: domain.TrialStatusRunning, SessionCount: 2}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1"}
	sessionStore.sessions["s-2"] = domain.Session{ID: "s-2", TrialID: "t-1"}

	trial, err := svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "s-1", Success: true})
	if err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	if trial.SuccessCount != 1 || trial.Status != domain.TrialStatusRunning {
		t.Fatalf("after first outcome: %+v", trial)
	}
	if got := sessionStore.sessions["s-1"]; got.ActualEnd == nil || !got.ActualEnd.Equal(now) {
		t.Fatalf("session end not stamped: %+v", got)
	}

	trial, err = svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "s-2", Success: false})
	if err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	if trial.Status != domain.TrialStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", trial.Status)
	}
	if trial.SuccessCount != 1 || trial.FailureCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", trial.SuccessCount, trial.FailureCount)
	}
}

func TestRecordSessionOutcomeAllFailuresMarksTrialFailed(t *testing.T) {
	svc, trialStore, sessionStore, _, _ := newTrialFixture()
	ctx := context.Background()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", Status: domain.TrialStatusRunning, SessionCount: 2}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1"}
	sessionStore.sessions["s-2"] = domain.Session{ID: "s-2", TrialID: "t-1"}

	if _, err := svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "s-1", Success: false}); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	trial, err := svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "s-2", Success: false})
	if err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	if trial.Status != domain.TrialStatusFailed {
		t.Fatalf("status = %s, want FAILED", trial.Status)
	}
}

func TestRecordSessionOutcomeIsIdempotent(t *testing.T) {
	svc, trialStore, sessionStore, _, now := newTrialFixture()
	ctx := context.Background()
	end := now.Add(-time.Minute)
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", Status: domain.TrialStatusRunning, SessionCount: 2, SuccessCount: 1}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1", ActualEnd: &end}

	trial, err := svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "s-1", Success: true})
	if err != nil {
		t.Fatalf("repeat notification: %v", err)
	}
	if trial.SuccessCount != 1 {
		t.Fatalf("successCount = %d, want unchanged 1", trial.SuccessCount)
	}
}

func TestRecordSessionOutcomeStampsExecutorTimestamps(t *testing.T) {
	svc, trialStore, sessionStore, _, now := newTrialFixture()
	ctx := context.Background()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", Status: domain.TrialStatusRunning, SessionCount: 1}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1"}

	start := now.Add(-10 * time.Minute)
	end := now.Add(-time.Minute)
	if _, err := svc.RecordSessionOutcome(ctx, SessionOutcome{
		SessionID: "s-1",
		Success:   true,
		StartedAt: &start,
		EndedAt:   &end,
	}); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	got := sessionStore.sessions["s-1"]
	if got.ActualStart == nil || !got.ActualStart.Equal(start) {
		t.Fatalf("actualStart = %v, want %v", got.ActualStart, start)
	}
	if got.ActualEnd == nil || !got.ActualEnd.Equal(end) {
		t.Fatalf("actualEnd = %v, want %v", got.ActualEnd, end)
	}

	// Duration statistics are reachable from notifications alone.
	results, err := svc.ComputeResults(ctx, "t-1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if results.Durations == nil || results.Durations.Count != 1 {
		t.Fatalf("duration stats = %+v, want one observation", results.Durations)
	}
	if want := float64(9 * time.Minute / time.Millisecond); results.Durations.MeanMillis != want {
		t.Fatalf("mean duration = %v, want %v", results.Durations.MeanMillis, want)
	}
}

func TestRecordSessionOutcomeBudgetExceeded(t *testing.T) {
	svc, trialStore, sessionStore, _, _ := newTrialFixture()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", Status: domain.TrialStatusRunning, SessionCount: 1, SuccessCount: 1}
	sessionStore.sessions["s-2"] = domain.Session{ID: "s-2", TrialID: "t-1"}

	_, err := svc.RecordSessionOutcome(context.Background(), SessionOutcome{SessionID: "s-2", Success: true})
	wantCode(t, err, apperrors.CodeTrialSessionBudgetExceeded)
}

func TestRecordSessionOutcomeConflict(t *testing.T) {
	svc, trialStore, sessionStore, _, _ := newTrialFixture()
	trialStore.trials["t-1"] = domain.Trial{ID: "t-1", Status: domain.TrialStatusRunning, SessionCount: 2}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1"}
	sessionStore.applyOutcomeConflict = true

	_, err := svc.RecordSessionOutcome(context.Background(), SessionOutcome{SessionID: "s-1", Success: true})
	wantCode(t, err, apperrors.CodeTrialOutcomeConflict)
}

func TestComputeResults(t *testing.T) {
	svc, trialStore, sessionStore, _, now := newTrialFixture()
	start := now.Add(-10 * time.Minute)
	end := now
	trialStore.trials["t-1"] = domain.Trial{
		ID:           "t-1",
		Status:       domain.TrialStatusCompleted,
		SessionCount: 3,
		SuccessCount: 2,
		FailureCount: 1,
		Metrics:      map[string]float64{"words_per_story": 412},
	}
	sessionStore.sessions["s-1"] = domain.Session{ID: "s-1", TrialID: "t-1", ActualStart: &start, ActualEnd: &end}
	sessionStore.sessions["s-2"] = domain.Session{ID: "s-2", TrialID: "t-1", ActualStart: &start, ActualEnd: &end}
	sessionStore.sessions["s-3"] = domain.Session{ID: "s-3", TrialID: "t-1"}

	results, err := svc.ComputeResults(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if results.Sessions.Total != 3 || results.Sessions.SuccessCount != 2 {
		t.Fatalf("session stats: %+v", results.Sessions)
	}
	if results.Sessions.SuccessRate == nil || *results.Sessions.SuccessRate != 2.0/3.0 {
		t.Fatalf("success rate: %v", results.Sessions.SuccessRate)
	}
	if results.Durations == nil {
		t.Fatal("expected duration stats")
	}
	if results.Durations.Count != 2 {
		t.Fatalf("duration count = %d, want 2 (incomplete session excluded)", results.Durations.Count)
	}
	if want := float64(10 * time.Minute / time.Millisecond); results.Durations.MeanMillis != want {
		t.Fatalf("mean duration = %v, want %v", results.Durations.MeanMillis, want)
	}
	if results.Metrics["words_per_story"] != 412 {
		t.Fatalf("metrics not passed through: %v", results.Metrics)
	}
}

func TestTrialLookupsMapNotFound(t *testing.T) {
	svc, _, _, _, _ := newTrialFixture()
	ctx := context.Background()

	if _, _, err := svc.RunTrial(ctx, "missing", 1); err == nil {
		t.Fatal("expected error")
	} else {
		wantCode(t, err, apperrors.CodeNotFound)
	}
	if _, err := svc.RecordSessionOutcome(ctx, SessionOutcome{SessionID: "missing", Success: true}); err == nil {
		t.Fatal("expected error")
	} else {
		wantCode(t, err, apperrors.CodeNotFound)
	}
	if _, err := svc.ComputeResults(ctx, "missing"); err == nil {
		t.Fatal("expected error")
	} else {
		wantCode(t, err, apperrors.CodeNotFound)
	}
}
