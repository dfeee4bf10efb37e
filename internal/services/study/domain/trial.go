package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/silentbard/storylab/internal/platform/lifecycle"
)

// TrialStatus describes the trial lifecycle label.
type TrialStatus string

const (
	TrialStatusPending   TrialStatus = "PENDING"
	TrialStatusRunning   TrialStatus = "RUNNING"
	TrialStatusCompleted TrialStatus = "COMPLETED"
	TrialStatusFailed    TrialStatus = "FAILED"
)

// TrialStatusRules enumerates legal trial status transitions. Completed and
// failed trials may be re-run, which queues additional sessions on top of
// the existing counters.
var TrialStatusRules = lifecycle.Rules[TrialStatus]{
	TrialStatusPending:   {TrialStatusRunning},
	TrialStatusRunning:   {TrialStatusCompleted, TrialStatusFailed},
	TrialStatusCompleted: {TrialStatusRunning},
	TrialStatusFailed:    {TrialStatusRunning},
}

// Trial is a single configured unit of repeated sessions under one
// parameter/condition combination.
//
// SessionCount is an accumulator, not a fixed target: every Run call adds
// the sessions it created. SuccessCount+FailureCount never exceeds it.
type Trial struct {
	ID             string
	StudyID        string
	ConditionID    string
	Name           string
	Sequence       int
	Parameters     map[string]any
	ParameterKey   string
	ParameterValue string
	SessionCount   int
	SuccessCount   int
	FailureCount   int
	Status         TrialStatus
	Metrics        map[string]float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewTrial builds a pending trial with the next sequence number in its study.
func NewTrial(studyID, conditionID, name string, sequence int, parameters map[string]any, now time.Time, id string) Trial {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return Trial{
		ID:          id,
		StudyID:     studyID,
		ConditionID: conditionID,
		Name:        name,
		Sequence:    sequence,
		Parameters:  parameters,
		Status:      TrialStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SweepTrial builds one trial of a parameter sweep. The swept key overrides
// any matching key in the base parameters.
func SweepTrial(studyID, conditionID string, sequence int, parameterKey string, value any, baseParameters map[string]any, now time.Time, id string) Trial {
	parameters := make(map[string]any, len(baseParameters)+1)
	for k, v := range baseParameters {
		parameters[k] = v
	}
	parameters[parameterKey] = value

	trial := NewTrial(studyID, conditionID, "", sequence, parameters, now, id)
	trial.Name = fmt.Sprintf("%s=%s", parameterKey, StringifyParameterValue(value))
	trial.ParameterKey = parameterKey
	trial.ParameterValue = StringifyParameterValue(value)
	return trial
}

// StringifyParameterValue renders a swept parameter value for bookkeeping.
// Numeric values keep their shortest decimal form so sweep labels stay
// stable across reloads.
func StringifyParameterValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RecordOutcome applies one session outcome to the trial counters. It
// reports whether the counters changed and enforces the
// success+failure <= sessionCount invariant.
func (t *Trial) RecordOutcome(success bool) error {
	if t.SuccessCount+t.FailureCount >= t.SessionCount {
		return fmt.Errorf("trial %s already has %d recorded outcomes for %d sessions", t.ID, t.SuccessCount+t.FailureCount, t.SessionCount)
	}
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	return nil
}

// OutcomesComplete reports whether every queued session has reported back.
func (t *Trial) OutcomesComplete() bool {
	return t.SessionCount > 0 && t.SuccessCount+t.FailureCount == t.SessionCount
}
