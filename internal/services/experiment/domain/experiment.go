package domain

import (
	"time"

	"github.com/silentbard/storylab/internal/platform/lifecycle"
)

// ExperimentStatus describes the experiment lifecycle label.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "DRAFT"
	ExperimentStatusQueued    ExperimentStatus = "QUEUED"
	ExperimentStatusRunning   ExperimentStatus = "RUNNING"
	ExperimentStatusCompleted ExperimentStatus = "COMPLETED"
	ExperimentStatusFailed    ExperimentStatus = "FAILED"
	ExperimentStatusCancelled ExperimentStatus = "CANCELLED"
)

// ExperimentStatusRules enumerates legal experiment status transitions.
// COMPLETED and CANCELLED are terminal; FAILED experiments may be requeued.
// QUEUED may fail directly: every run can fail before the experiment is
// ever picked up.
var ExperimentStatusRules = lifecycle.Rules[ExperimentStatus]{
	ExperimentStatusDraft:   {ExperimentStatusQueued},
	ExperimentStatusQueued:  {ExperimentStatusRunning, ExperimentStatusCancelled, ExperimentStatusFailed},
	ExperimentStatusRunning: {ExperimentStatusCompleted, ExperimentStatusFailed, ExperimentStatusCancelled},
	ExperimentStatusFailed:  {ExperimentStatusQueued},
}

// startableStatuses are the statuses Start accepts.
var startableStatuses = map[ExperimentStatus]struct{}{
	ExperimentStatusDraft:  {},
	ExperimentStatusFailed: {},
}

// cancellableStatuses are the statuses Cancel accepts.
var cancellableStatuses = map[ExperimentStatus]struct{}{
	ExperimentStatusQueued:  {},
	ExperimentStatusRunning: {},
}

// Experiment groups runs across every condition of a design, each condition
// repeated RunsPerCondition times.
type Experiment struct {
	ID               string
	DesignID         string
	Name             string
	RunsPerCondition int
	Status           ExperimentStatus
	QueuedAt         *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Startable reports whether Start may queue the experiment.
func (e Experiment) Startable() bool {
	_, ok := startableStatuses[e.Status]
	return ok
}

// Cancellable reports whether Cancel may stop the experiment.
func (e Experiment) Cancellable() bool {
	_, ok := cancellableStatuses[e.Status]
	return ok
}

// Editable reports whether field mutations and deletion are allowed. Edits
// must not race with execution.
func (e Experiment) Editable() bool {
	return e.Status != ExperimentStatusRunning
}
