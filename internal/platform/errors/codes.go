// Package errors provides structured error handling for the orchestration core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Trial errors
	CodeTrialSweepValuesEmpty        Code = "TRIAL_SWEEP_VALUES_EMPTY"
	CodeTrialSweepKeyEmpty           Code = "TRIAL_SWEEP_KEY_EMPTY"
	CodeTrialOutcomeConflict         Code = "TRIAL_OUTCOME_CONFLICT"
	CodeTrialRunConflict             Code = "TRIAL_RUN_CONFLICT"
	CodeTrialSessionCountOutOfRange  Code = "TRIAL_SESSION_COUNT_OUT_OF_RANGE"
	CodeTrialHasSessions             Code = "TRIAL_HAS_SESSIONS"
	CodeTrialInvalidStatusTransition Code = "TRIAL_INVALID_STATUS_TRANSITION"
	CodeTrialSessionBudgetExceeded   Code = "TRIAL_SESSION_BUDGET_EXCEEDED"

	// Condition errors
	CodeConditionNotInStudy  Code = "CONDITION_NOT_IN_STUDY"
	CodeConditionNotInDesign Code = "CONDITION_NOT_IN_DESIGN"

	// Experiment errors
	CodeExperimentInvalidStatusTransition Code = "EXPERIMENT_INVALID_STATUS_TRANSITION"
	CodeExperimentStatusDisallowsOp       Code = "EXPERIMENT_STATUS_DISALLOWS_OPERATION"
	CodeExperimentDesignEmpty             Code = "EXPERIMENT_DESIGN_HAS_NO_CONDITIONS"
	CodeExperimentRunsPerConditionInvalid Code = "EXPERIMENT_RUNS_PER_CONDITION_INVALID"

	// Participant and stage errors
	CodeStageUnknown                      Code = "STAGE_UNKNOWN"
	CodeStageNotForward                   Code = "STAGE_NOT_FORWARD"
	CodeStageDwellNotElapsed              Code = "STAGE_DWELL_NOT_ELAPSED"
	CodeParticipantStateDisallowsOp       Code = "PARTICIPANT_STATE_DISALLOWS_OPERATION"
	CodeParticipantAdvanceConflict        Code = "PARTICIPANT_ADVANCE_CONFLICT"
	CodeParticipantPairSelf               Code = "PARTICIPANT_PAIR_SELF"
	CodeParticipantAlreadyPaired          Code = "PARTICIPANT_ALREADY_PAIRED"
	CodeParticipantInvalidStateTransition Code = "PARTICIPANT_INVALID_STATE_TRANSITION"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeTrialSweepValuesEmpty,
		CodeTrialSweepKeyEmpty,
		CodeTrialSessionCountOutOfRange,
		CodeExperimentRunsPerConditionInvalid,
		CodeStageUnknown,
		CodeParticipantPairSelf:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeTrialHasSessions,
		CodeTrialInvalidStatusTransition,
		CodeTrialSessionBudgetExceeded,
		CodeExperimentInvalidStatusTransition,
		CodeExperimentStatusDisallowsOp,
		CodeExperimentDesignEmpty,
		CodeStageNotForward,
		CodeStageDwellNotElapsed,
		CodeParticipantStateDisallowsOp,
		CodeParticipantAlreadyPaired,
		CodeParticipantInvalidStateTransition:
		return codes.FailedPrecondition

	// Aborted - lost a serialized read-modify-write race
	case CodeParticipantAdvanceConflict,
		CodeTrialOutcomeConflict,
		CodeTrialRunConflict:
		return codes.Aborted

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeConditionNotInStudy,
		CodeConditionNotInDesign:
		return codes.NotFound

	default:
		return codes.Internal
	}
}
