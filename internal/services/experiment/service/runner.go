// Package service implements the experiment runner: fan-out, cancellation,
// completion tracking, and cost estimation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/silentbard/storylab/internal/aggregate"
	apperrors "github.com/silentbard/storylab/internal/platform/errors"
	"github.com/silentbard/storylab/internal/platform/id"
	"github.com/silentbard/storylab/internal/services/experiment/domain"
	"github.com/silentbard/storylab/internal/services/experiment/storage"
)

// Runner owns the experiment lifecycle across its conditions and runs.
type Runner struct {
	experiments storage.ExperimentStore
	runs        storage.RunStore
	designs     storage.DesignStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewRunner creates a Runner with default dependencies.
func NewRunner(experiments storage.ExperimentStore, runs storage.RunStore, designs storage.DesignStore) *Runner {
	return &Runner{
		experiments: experiments,
		runs:        runs,
		designs:     designs,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Start queues an experiment: it creates one PENDING run per (condition,
// repetition) pair and moves the experiment to QUEUED in the same
// transaction. Only DRAFT and FAILED experiments may start.
func (r *Runner) Start(ctx context.Context, experimentID string) (domain.Experiment, []domain.ExperimentRun, error) {
	experiment, err := r.getExperiment(ctx, experimentID)
	if err != nil {
		return domain.Experiment{}, nil, err
	}
	if !experiment.Startable() {
		return domain.Experiment{}, nil, apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s cannot start from status %s", experimentID, experiment.Status))
	}
	if experiment.RunsPerCondition < 1 {
		return domain.Experiment{}, nil, apperrors.New(apperrors.CodeExperimentRunsPerConditionInvalid,
			fmt.Sprintf("experiment %s has runsPerCondition %d, need at least 1", experimentID, experiment.RunsPerCondition))
	}

	conditions, err := r.designs.ListConditionsByDesign(ctx, experiment.DesignID)
	if err != nil {
		return domain.Experiment{}, nil, fmt.Errorf("list design conditions: %w", err)
	}
	if len(conditions) == 0 {
		return domain.Experiment{}, nil, apperrors.New(apperrors.CodeExperimentDesignEmpty,
			fmt.Sprintf("design %s has no conditions", experiment.DesignID))
	}

	now := r.clock().UTC()
	runs, err := domain.FanOut(experiment, conditions, now, r.idGenerator)
	if err != nil {
		return domain.Experiment{}, nil, fmt.Errorf("generate run ids: %w", err)
	}

	from := experiment.Status
	experiment.Status = domain.ExperimentStatusQueued
	experiment.QueuedAt = &now
	experiment.StartedAt = nil
	experiment.CompletedAt = nil
	experiment.Error = ""
	experiment.UpdatedAt = now

	applied, err := r.experiments.QueueExperiment(ctx, experiment, runs,
		[]domain.ExperimentStatus{domain.ExperimentStatusDraft, domain.ExperimentStatusFailed})
	if err != nil {
		return domain.Experiment{}, nil, fmt.Errorf("queue experiment: %w", err)
	}
	if !applied {
		return domain.Experiment{}, nil, apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s left status %s concurrently", experimentID, from))
	}
	return experiment, runs, nil
}

// Cancel stops a QUEUED or RUNNING experiment. Every run still PENDING or
// RUNNING fails with a fixed error, atomically with the experiment's own
// transition to CANCELLED; already-finished runs are untouched.
func (r *Runner) Cancel(ctx context.Context, experimentID string) (domain.Experiment, error) {
	experiment, err := r.getExperiment(ctx, experimentID)
	if err != nil {
		return domain.Experiment{}, err
	}
	if !experiment.Cancellable() {
		return domain.Experiment{}, apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s cannot be cancelled from status %s", experimentID, experiment.Status))
	}

	now := r.clock().UTC()
	from := experiment.Status
	experiment.Status = domain.ExperimentStatusCancelled
	experiment.CompletedAt = &now
	experiment.UpdatedAt = now

	failed, applied, err := r.experiments.CancelExperiment(ctx, experiment, domain.CancelledRunError,
		[]domain.ExperimentStatus{domain.ExperimentStatusQueued, domain.ExperimentStatusRunning})
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("cancel experiment: %w", err)
	}
	if !applied {
		return domain.Experiment{}, apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s left status %s concurrently", experimentID, from))
	}
	log.Printf("experiment cancelled experiment_id=%s runs_failed=%d", experimentID, failed)
	return experiment, nil
}

// UpdateInput carries the mutable experiment fields.
type UpdateInput struct {
	Name             *string
	RunsPerCondition *int
}

// Update edits experiment fields. Edits are rejected while the experiment
// is RUNNING so they cannot race with execution.
func (r *Runner) Update(ctx context.Context, experimentID string, in UpdateInput) (domain.Experiment, error) {
	experiment, err := r.getExperiment(ctx, experimentID)
	if err != nil {
		return domain.Experiment{}, err
	}
	if !experiment.Editable() {
		return domain.Experiment{}, apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s cannot be edited while %s", experimentID, experiment.Status))
	}

	if in.Name != nil {
		experiment.Name = *in.Name
	}
	if in.RunsPerCondition != nil {
		if *in.RunsPerCondition < 1 {
			return domain.Experiment{}, apperrors.New(apperrors.CodeExperimentRunsPerConditionInvalid,
				fmt.Sprintf("runsPerCondition must be at least 1, got %d", *in.RunsPerCondition))
		}
		experiment.RunsPerCondition = *in.RunsPerCondition
	}
	experiment.UpdatedAt = r.clock().UTC()

	if err := r.experiments.PutExperiment(ctx, experiment); err != nil {
		return domain.Experiment{}, fmt.Errorf("persist experiment: %w", err)
	}
	return experiment, nil
}

// Delete removes an experiment. Running experiments cannot be deleted.
func (r *Runner) Delete(ctx context.Context, experimentID string) error {
	experiment, err := r.getExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if !experiment.Editable() {
		return apperrors.New(apperrors.CodeExperimentStatusDisallowsOp,
			fmt.Sprintf("experiment %s cannot be deleted while %s", experimentID, experiment.Status))
	}
	if err := r.experiments.DeleteExperiment(ctx, experimentID); err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	return nil
}

// EstimateCost prices the experiment from its conditions' cost rates.
func (r *Runner) EstimateCost(ctx context.Context, experimentID string, inputTokens, outputTokens int64) (domain.CostReport, error) {
	experiment, err := r.getExperiment(ctx, experimentID)
	if err != nil {
		return domain.CostReport{}, err
	}
	conditions, err := r.designs.ListConditionsByDesign(ctx, experiment.DesignID)
	if err != nil {
		return domain.CostReport{}, fmt.Errorf("list design conditions: %w", err)
	}
	return domain.EstimateCost(conditions, experiment.RunsPerCondition, inputTokens, outputTokens), nil
}

// StartRun marks a run picked up by the executor. The first run start also
// moves a QUEUED experiment to RUNNING.
func (r *Runner) StartRun(ctx context.Context, runID string) (domain.ExperimentRun, error) {
	run, err := r.getRun(ctx, runID)
	if err != nil {
		return domain.ExperimentRun{}, err
	}
	if err := domain.RunStatusRules.Transition(run.Status, domain.RunStatusRunning); err != nil {
		return domain.ExperimentRun{}, apperrors.Wrap(apperrors.CodeExperimentInvalidStatusTransition,
			fmt.Sprintf("run %s cannot start from status %s", runID, run.Status), err)
	}

	now := r.clock().UTC()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	if err := r.runs.PutRun(ctx, run); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("persist run: %w", err)
	}

	r.markExperimentRunning(ctx, run.ExperimentID, now)
	return run, nil
}

// CompleteRun records a successful run with its outputs and metric
// observations, then finalizes the experiment if no unfinished run remains.
func (r *Runner) CompleteRun(ctx context.Context, runID string, outputs map[string]any, metrics map[string]float64) (domain.ExperimentRun, error) {
	run, err := r.getRun(ctx, runID)
	if err != nil {
		return domain.ExperimentRun{}, err
	}
	if err := domain.RunStatusRules.Transition(run.Status, domain.RunStatusCompleted); err != nil {
		return domain.ExperimentRun{}, apperrors.Wrap(apperrors.CodeExperimentInvalidStatusTransition,
			fmt.Sprintf("run %s cannot complete from status %s", runID, run.Status), err)
	}

	now := r.clock().UTC()
	run.Status = domain.RunStatusCompleted
	run.Outputs = outputs
	run.Metrics = metrics
	run.Error = ""
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := r.runs.PutRun(ctx, run); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("persist run: %w", err)
	}

	if err := r.finalizeIfDone(ctx, run.ExperimentID, now); err != nil {
		return domain.ExperimentRun{}, err
	}
	return run, nil
}

// FailRun records a failed run, then finalizes the experiment if no
// unfinished run remains.
func (r *Runner) FailRun(ctx context.Context, runID string, runError string) (domain.ExperimentRun, error) {
	run, err := r.getRun(ctx, runID)
	if err != nil {
		return domain.ExperimentRun{}, err
	}
	if err := domain.RunStatusRules.Transition(run.Status, domain.RunStatusFailed); err != nil {
		return domain.ExperimentRun{}, apperrors.Wrap(apperrors.CodeExperimentInvalidStatusTransition,
			fmt.Sprintf("run %s cannot fail from status %s", runID, run.Status), err)
	}

	now := r.clock().UTC()
	run.Status = domain.RunStatusFailed
	run.Error = runError
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := r.runs.PutRun(ctx, run); err != nil {
		return domain.ExperimentRun{}, fmt.Errorf("persist run: %w", err)
	}

	if err := r.finalizeIfDone(ctx, run.ExperimentID, now); err != nil {
		return domain.ExperimentRun{}, err
	}
	return run, nil
}

// Summarize reduces the experiment's runs into per-condition statistics.
func (r *Runner) Summarize(ctx context.Context, experimentID string) (aggregate.ExperimentSummary, error) {
	if _, err := r.getExperiment(ctx, experimentID); err != nil {
		return aggregate.ExperimentSummary{}, err
	}
	runs, err := r.runs.ListRunsByExperiment(ctx, experimentID)
	if err != nil {
		return aggregate.ExperimentSummary{}, fmt.Errorf("list runs: %w", err)
	}

	records := make([]aggregate.RunRecord, 0, len(runs))
	for _, run := range runs {
		records = append(records, aggregate.RunRecord{
			ConditionID: run.ConditionID,
			Completed:   run.Status == domain.RunStatusCompleted,
			Metrics:     run.Metrics,
		})
	}
	return aggregate.SummarizeRuns(records), nil
}

// markExperimentRunning promotes a QUEUED experiment to RUNNING. Losing the
// race means another run start already did it.
func (r *Runner) markExperimentRunning(ctx context.Context, experimentID string, now time.Time) {
	experiment, err := r.experiments.GetExperiment(ctx, experimentID)
	if err != nil || experiment.Status != domain.ExperimentStatusQueued {
		return
	}
	experiment.Status = domain.ExperimentStatusRunning
	experiment.StartedAt = &now
	experiment.UpdatedAt = now
	if _, err := r.experiments.UpdateExperimentStatus(ctx, experiment, domain.ExperimentStatusQueued); err != nil {
		log.Printf("mark experiment running failed experiment_id=%s error=%v", experimentID, err)
	}
}

// finalizeIfDone completes or fails the experiment once every run reached a
// terminal status.
func (r *Runner) finalizeIfDone(ctx context.Context, experimentID string, now time.Time) error {
	runs, err := r.runs.ListRunsByExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	completed := 0
	for _, run := range runs {
		if !run.Terminal() {
			return nil
		}
		if run.Status == domain.RunStatusCompleted {
			completed++
		}
	}

	experiment, err := r.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("get experiment: %w", err)
	}
	switch experiment.Status {
	case domain.ExperimentStatusRunning:
	case domain.ExperimentStatusQueued:
		// Every run can fail before the experiment is ever picked up; a
		// completed run implies a StartRun promoted the experiment first.
		if completed > 0 {
			return nil
		}
	default:
		return nil
	}

	from := experiment.Status
	if completed == 0 {
		experiment.Status = domain.ExperimentStatusFailed
		experiment.Error = fmt.Sprintf("all %d runs failed", len(runs))
	} else {
		experiment.Status = domain.ExperimentStatusCompleted
		experiment.Error = ""
	}
	experiment.CompletedAt = &now
	experiment.UpdatedAt = now

	if _, err := r.experiments.UpdateExperimentStatus(ctx, experiment, from); err != nil {
		return fmt.Errorf("finalize experiment: %w", err)
	}
	return nil
}

func (r *Runner) getExperiment(ctx context.Context, experimentID string) (domain.Experiment, error) {
	experiment, err := r.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Experiment{}, apperrors.Wrap(apperrors.CodeNotFound,
				fmt.Sprintf("experiment %s not found", experimentID), err)
		}
		return domain.Experiment{}, fmt.Errorf("get experiment %s: %w", experimentID, err)
	}
	return experiment, nil
}

func (r *Runner) getRun(ctx context.Context, runID string) (domain.ExperimentRun, error) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ExperimentRun{}, apperrors.Wrap(apperrors.CodeNotFound,
				fmt.Sprintf("run %s not found", runID), err)
		}
		return domain.ExperimentRun{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}
