package domain

import (
	"time"

	"github.com/silentbard/storylab/internal/platform/lifecycle"
)

// ParticipantState describes where a participant is in the study lifecycle.
type ParticipantState string

const (
	ParticipantEnrolled  ParticipantState = "ENROLLED"
	ParticipantActive    ParticipantState = "ACTIVE"
	ParticipantCheckedIn ParticipantState = "CHECKED_IN"
	ParticipantComplete  ParticipantState = "COMPLETE"
	ParticipantWithdrawn ParticipantState = "WITHDRAWN"
)

// ParticipantStateRules enumerates legal participant state transitions.
// COMPLETE and WITHDRAWN are terminal.
var ParticipantStateRules = lifecycle.Rules[ParticipantState]{
	ParticipantEnrolled:  {ParticipantCheckedIn, ParticipantActive, ParticipantWithdrawn},
	ParticipantCheckedIn: {ParticipantActive, ParticipantWithdrawn},
	ParticipantActive:    {ParticipantComplete, ParticipantWithdrawn},
}

// Participant is one human or synthetic study subject progressing through
// the stage sequence. PartnerID links symmetric pairs in collaborative
// studies.
type Participant struct {
	ID           string
	StudyID      string
	State        ParticipantState
	CurrentStage int
	CheckedIn    bool
	PartnerID    string
	SessionStart *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the participant can make no further progress.
func (p Participant) Terminal() bool {
	return ParticipantStateRules.Terminal(p.State)
}
