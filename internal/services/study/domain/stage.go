package domain

import (
	"fmt"
	"time"

	apperrors "github.com/silentbard/storylab/internal/platform/errors"
)

// Stage names a position in the participant progression.
type Stage string

const (
	StageWaiting  Stage = "WAITING"
	StageTutorial Stage = "TUTORIAL"
	StageAuthor1  Stage = "AUTHOR_1"
	StagePlay1    Stage = "PLAY_1"
	StageAuthor2  Stage = "AUTHOR_2"
	StagePlay2    Stage = "PLAY_2"
	StageSurvey   Stage = "SURVEY"
	StageComplete Stage = "COMPLETE"
)

// StageStep is one entry of a stage plan: a stage name and the minimum time
// a participant must dwell in it before moving past it.
type StageStep struct {
	Name     Stage
	MinDwell time.Duration
}

// StagePlan is an ordered, fixed sequence of stages. The first stage is the
// waiting room (the session timer has not started), the last is terminal.
type StagePlan struct {
	steps []StageStep
}

// DefaultStagePlan returns the standard two-round authoring/play progression.
func DefaultStagePlan() StagePlan {
	return StagePlan{steps: []StageStep{
		{Name: StageWaiting},
		{Name: StageTutorial, MinDwell: 2 * time.Minute},
		{Name: StageAuthor1, MinDwell: 5 * time.Minute},
		{Name: StagePlay1, MinDwell: 10 * time.Minute},
		{Name: StageAuthor2, MinDwell: 5 * time.Minute},
		{Name: StagePlay2, MinDwell: 10 * time.Minute},
		{Name: StageSurvey, MinDwell: 3 * time.Minute},
		{Name: StageComplete},
	}}
}

// NewStagePlan validates and builds a stage plan from ordered steps.
func NewStagePlan(steps []StageStep) (StagePlan, error) {
	if len(steps) < 2 {
		return StagePlan{}, fmt.Errorf("stage plan needs at least a waiting and a terminal stage, got %d", len(steps))
	}
	seen := make(map[Stage]struct{}, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return StagePlan{}, fmt.Errorf("stage plan contains an unnamed stage")
		}
		if step.MinDwell < 0 {
			return StagePlan{}, fmt.Errorf("stage %s has a negative minimum dwell", step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return StagePlan{}, fmt.Errorf("stage %s appears twice in plan", step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	plan := StagePlan{steps: make([]StageStep, len(steps))}
	copy(plan.steps, steps)
	return plan, nil
}

// Steps returns a copy of the ordered plan steps.
func (p StagePlan) Steps() []StageStep {
	out := make([]StageStep, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of stages in the plan.
func (p StagePlan) Len() int {
	return len(p.steps)
}

// Index returns the ordinal position of a stage within the plan.
func (p StagePlan) Index(stage Stage) (int, bool) {
	for i, step := range p.steps {
		if step.Name == stage {
			return i, true
		}
	}
	return 0, false
}

// StageAt returns the stage name at an ordinal position.
func (p StagePlan) StageAt(index int) (Stage, bool) {
	if index < 0 || index >= len(p.steps) {
		return "", false
	}
	return p.steps[index].Name, true
}

// Terminal returns the final stage of the plan.
func (p StagePlan) Terminal() Stage {
	return p.steps[len(p.steps)-1].Name
}

// RequiredDwell returns the cumulative minimum dwell a participant must have
// accrued since sessionStart before entering the stage at targetIndex.
func (p StagePlan) RequiredDwell(targetIndex int) time.Duration {
	var total time.Duration
	for i := 0; i < targetIndex && i < len(p.steps); i++ {
		total += p.steps[i].MinDwell
	}
	return total
}

// AdvanceDecision captures the writes an accepted advance implies. The
// service applies it to storage with a compare-and-swap on FromIndex so
// concurrent advances for the same participant serialize.
type AdvanceDecision struct {
	From         Stage
	To           Stage
	FromIndex    int
	ToIndex      int
	SessionStart *time.Time
	State        ParticipantState
	CompletedAt  *time.Time
}

// Advance decides whether a participant may move to the target stage.
//
// Force bypasses only the dwell-time gate. Stage validity and forward-only
// ordering hold even for forced moves; administrative backward moves go
// through Reset instead.
func (p StagePlan) Advance(participant Participant, target Stage, force bool, now time.Time) (AdvanceDecision, error) {
	targetIndex, ok := p.Index(target)
	if !ok {
		return AdvanceDecision{}, apperrors.New(apperrors.CodeStageUnknown,
			fmt.Sprintf("stage %q is not part of the stage plan", target))
	}
	if participant.Terminal() {
		return AdvanceDecision{}, apperrors.New(apperrors.CodeParticipantStateDisallowsOp,
			fmt.Sprintf("participant %s is %s and cannot advance", participant.ID, participant.State))
	}

	fromIndex := participant.CurrentStage
	from, ok := p.StageAt(fromIndex)
	if !ok {
		return AdvanceDecision{}, apperrors.New(apperrors.CodeStageUnknown,
			fmt.Sprintf("participant %s is at stage index %d outside the plan", participant.ID, fromIndex))
	}
	if targetIndex <= fromIndex {
		return AdvanceDecision{}, apperrors.New(apperrors.CodeStageNotForward,
			fmt.Sprintf("stage %s is not forward of %s", target, from))
	}

	decision := AdvanceDecision{
		From:      from,
		To:        target,
		FromIndex: fromIndex,
		ToIndex:   targetIndex,
		State:     participant.State,
	}

	// Leaving the waiting room starts the session timer exactly once.
	sessionStart := participant.SessionStart
	if fromIndex == 0 && sessionStart == nil {
		started := now
		decision.SessionStart = &started
		sessionStart = &started
	}

	if !force {
		required := p.RequiredDwell(targetIndex)
		elapsed := time.Duration(0)
		if sessionStart != nil {
			elapsed = now.Sub(*sessionStart)
		}
		if elapsed < required {
			return AdvanceDecision{}, apperrors.WithMetadata(apperrors.CodeStageDwellNotElapsed,
				fmt.Sprintf("Cannot advance to %s: %s elapsed of %s required", target, elapsed, required),
				map[string]string{
					"target":   string(target),
					"elapsed":  elapsed.String(),
					"required": required.String(),
				})
		}
	}

	if fromIndex == 0 {
		if participant.State == ParticipantEnrolled || participant.State == ParticipantCheckedIn {
			decision.State = ParticipantActive
		}
	}
	if target == p.Terminal() {
		completed := now
		decision.State = ParticipantComplete
		decision.CompletedAt = &completed
	}

	return decision, nil
}

// Reset builds an administrative stage reset, the only path that may move a
// participant backward. It never touches the session timer.
func (p StagePlan) Reset(participant Participant, target Stage) (AdvanceDecision, error) {
	targetIndex, ok := p.Index(target)
	if !ok {
		return AdvanceDecision{}, apperrors.New(apperrors.CodeStageUnknown,
			fmt.Sprintf("stage %q is not part of the stage plan", target))
	}
	from, _ := p.StageAt(participant.CurrentStage)
	return AdvanceDecision{
		From:      from,
		To:        target,
		FromIndex: participant.CurrentStage,
		ToIndex:   targetIndex,
		State:     participant.State,
	}, nil
}
