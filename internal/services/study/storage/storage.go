// Package storage defines persistence contracts for study service state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/silentbard/storylab/internal/services/study/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// AuditEvent is one append-only record of a participant-visible transition.
type AuditEvent struct {
	ID            string
	ParticipantID string
	Type          string
	Data          map[string]any
	Timestamp     time.Time
}

// AuditEventStore appends audit events. Writes are best-effort from the
// caller's perspective; a failed append never blocks a state transition.
type AuditEventStore interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
	ListAuditEvents(ctx context.Context, participantID string) ([]AuditEvent, error)
}

// ConditionStore persists study conditions.
type ConditionStore interface {
	PutCondition(ctx context.Context, condition domain.Condition) error
	GetCondition(ctx context.Context, id string) (domain.Condition, error)
	ListConditionsByStudy(ctx context.Context, studyID string) ([]domain.Condition, error)
}

// TrialStore persists trials. CreateTrials is all-or-nothing: a sweep either
// lands every trial or none.
type TrialStore interface {
	PutTrial(ctx context.Context, trial domain.Trial) error
	GetTrial(ctx context.Context, id string) (domain.Trial, error)
	ListTrialsByStudy(ctx context.Context, studyID string) ([]domain.Trial, error)
	// NextTrialSequence returns max(sequence)+1 for the study, starting at 1.
	NextTrialSequence(ctx context.Context, studyID string) (int, error)
	CreateTrials(ctx context.Context, trials []domain.Trial) error
	DeleteTrial(ctx context.Context, id string) error
}

// SessionStore persists sessions. QueueSessions atomically inserts the new
// session rows and writes the updated trial row (status + session count) in
// one transaction.
type SessionStore interface {
	// QueueSessions is guarded on the previously-read session count so two
	// interleaved runs cannot lose an increment. It reports false when
	// another writer queued sessions first; nothing is written in that case.
	QueueSessions(ctx context.Context, trial domain.Trial, sessions []domain.Session, prevSessionCount int) (bool, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	PutSession(ctx context.Context, session domain.Session) error
	ListSessionsByTrial(ctx context.Context, trialID string) ([]domain.Session, error)
	// ApplyOutcome writes the finished session and the trial counters in one
	// transaction, guarded on the previous counter values. It reports false
	// when another writer got there first.
	ApplyOutcome(ctx context.Context, trial domain.Trial, session domain.Session, prevSuccess, prevFailure int) (bool, error)
}

// ParticipantStore persists participants. UpdateParticipantStage is the
// compare-and-swap behind stage advances: the write only lands when the
// participant is still at fromStage.
type ParticipantStore interface {
	PutParticipant(ctx context.Context, participant domain.Participant) error
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	UpdateParticipantStage(ctx context.Context, participant domain.Participant, fromStage int) (bool, error)
}
