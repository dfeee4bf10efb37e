// Package storage defines persistence contracts for experiment service state.
package storage

import (
	"context"
	"errors"

	"github.com/silentbard/storylab/internal/services/experiment/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// DesignStore persists experiment designs and their conditions.
type DesignStore interface {
	PutDesign(ctx context.Context, design domain.Design) error
	GetDesign(ctx context.Context, id string) (domain.Design, error)
	PutCondition(ctx context.Context, condition domain.Condition) error
	GetCondition(ctx context.Context, id string) (domain.Condition, error)
	ListConditionsByDesign(ctx context.Context, designID string) ([]domain.Condition, error)
}

// ExperimentStore persists experiments. The fan-out and cancellation writes
// are transactional and status-guarded: they report false, without writing
// anything, when the experiment left the expected status concurrently.
type ExperimentStore interface {
	PutExperiment(ctx context.Context, experiment domain.Experiment) error
	GetExperiment(ctx context.Context, id string) (domain.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error
	// QueueExperiment inserts the full run set and writes the queued
	// experiment row in one transaction, guarded on the experiment still
	// holding one of the from statuses.
	QueueExperiment(ctx context.Context, experiment domain.Experiment, runs []domain.ExperimentRun, from []domain.ExperimentStatus) (bool, error)
	// CancelExperiment fails every PENDING/RUNNING run with the given error
	// and writes the cancelled experiment row in one transaction, guarded on
	// the experiment still holding one of the from statuses. It returns the
	// number of runs it failed.
	CancelExperiment(ctx context.Context, experiment domain.Experiment, runError string, from []domain.ExperimentStatus) (int, bool, error)
	// UpdateExperimentStatus writes the experiment row, guarded on the
	// previous status.
	UpdateExperimentStatus(ctx context.Context, experiment domain.Experiment, from domain.ExperimentStatus) (bool, error)
}

// RunStore persists experiment runs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (domain.ExperimentRun, error)
	PutRun(ctx context.Context, run domain.ExperimentRun) error
	ListRunsByExperiment(ctx context.Context, experimentID string) ([]domain.ExperimentRun, error)
}
