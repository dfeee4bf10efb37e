package domain

import (
	"time"

	"github.com/silentbard/storylab/internal/platform/lifecycle"
)

// CancelledRunError is the error recorded on every run failed by an
// experiment cancellation.
const CancelledRunError = "Experiment cancelled"

// RunStatus describes the run lifecycle label.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// RunStatusRules enumerates legal run status transitions. COMPLETED and
// FAILED runs never change again.
var RunStatusRules = lifecycle.Rules[RunStatus]{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed},
}

// ExperimentRun is one repetition of one condition within an experiment.
// Metrics holds the named numeric observations the aggregation engine
// consumes.
type ExperimentRun struct {
	ID           string
	ExperimentID string
	ConditionID  string
	Repetition   int
	Status       RunStatus
	Outputs      map[string]any
	Metrics      map[string]float64
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the run has finished, successfully or not.
func (r ExperimentRun) Terminal() bool {
	return RunStatusRules.Terminal(r.Status)
}

// FanOut builds the full PENDING run set for an experiment: one run per
// (condition, repetition) pair, in condition order.
func FanOut(experiment Experiment, conditions []Condition, now time.Time, nextID func() (string, error)) ([]ExperimentRun, error) {
	runs := make([]ExperimentRun, 0, len(conditions)*experiment.RunsPerCondition)
	for _, condition := range conditions {
		for repetition := 1; repetition <= experiment.RunsPerCondition; repetition++ {
			runID, err := nextID()
			if err != nil {
				return nil, err
			}
			runs = append(runs, ExperimentRun{
				ID:           runID,
				ExperimentID: experiment.ID,
				ConditionID:  condition.ID,
				Repetition:   repetition,
				Status:       RunStatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}
	return runs, nil
}
