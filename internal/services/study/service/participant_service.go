package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/silentbard/storylab/internal/platform/errors"
	"github.com/silentbard/storylab/internal/platform/id"
	"github.com/silentbard/storylab/internal/services/study/domain"
	"github.com/silentbard/storylab/internal/services/study/observability/audit"
	"github.com/silentbard/storylab/internal/services/study/storage"
)

// ParticipantService advances participants through the stage plan and
// manages their study-level state.
type ParticipantService struct {
	participants storage.ParticipantStore
	plan         domain.StagePlan
	audit        *audit.Emitter
	clock        func() time.Time
	idGenerator  func() (string, error)
}

// NewParticipantService creates a ParticipantService with default
// dependencies and the default stage plan.
func NewParticipantService(participants storage.ParticipantStore, emitter *audit.Emitter) *ParticipantService {
	return &ParticipantService{
		participants: participants,
		plan:         domain.DefaultStagePlan(),
		audit:        emitter,
		clock:        time.Now,
		idGenerator:  id.NewID,
	}
}

// WithStagePlan overrides the default stage plan, e.g. from a study's YAML
// plan document.
func (s *ParticipantService) WithStagePlan(plan domain.StagePlan) *ParticipantService {
	s.plan = plan
	return s
}

// Advance moves a participant forward to the target stage. Force bypasses
// only the dwell-time gate. The stage write is a compare-and-swap on the
// participant's current stage so concurrent advances serialize; a lost race
// surfaces as a retryable conflict.
func (s *ParticipantService) Advance(ctx context.Context, participantID string, target domain.Stage, force bool) (domain.Participant, error) {
	participant, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}

	now := s.clock().UTC()
	decision, err := s.plan.Advance(participant, target, force, now)
	if err != nil {
		return domain.Participant{}, err
	}

	updated := s.applyDecision(participant, decision, now)
	applied, err := s.participants.UpdateParticipantStage(ctx, updated, decision.FromIndex)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("update participant stage: %w", err)
	}
	if !applied {
		return domain.Participant{}, apperrors.New(apperrors.CodeParticipantAdvanceConflict,
			fmt.Sprintf("participant %s advanced concurrently; re-read and retry", participantID))
	}

	s.emitStageEvent(ctx, audit.EventStageChange, updated.ID, decision, now)
	return updated, nil
}

// ResetStage administratively moves a participant to any stage, including
// backward. It never touches the session timer and is the only exception to
// the forward-only invariant.
func (s *ParticipantService) ResetStage(ctx context.Context, participantID string, target domain.Stage) (domain.Participant, error) {
	participant, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}

	now := s.clock().UTC()
	decision, err := s.plan.Reset(participant, target)
	if err != nil {
		return domain.Participant{}, err
	}

	updated := s.applyDecision(participant, decision, now)
	applied, err := s.participants.UpdateParticipantStage(ctx, updated, decision.FromIndex)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("update participant stage: %w", err)
	}
	if !applied {
		return domain.Participant{}, apperrors.New(apperrors.CodeParticipantAdvanceConflict,
			fmt.Sprintf("participant %s changed concurrently; re-read and retry", participantID))
	}

	s.emitStageEvent(ctx, audit.EventStageReset, updated.ID, decision, now)
	return updated, nil
}

// CheckIn marks a participant as arrived and ready for pairing.
func (s *ParticipantService) CheckIn(ctx context.Context, participantID string) (domain.Participant, error) {
	participant, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := domain.ParticipantStateRules.Transition(participant.State, domain.ParticipantCheckedIn); err != nil {
		return domain.Participant{}, apperrors.Wrap(apperrors.CodeParticipantInvalidStateTransition,
			fmt.Sprintf("participant %s cannot check in from state %s", participantID, participant.State), err)
	}

	now := s.clock().UTC()
	participant.State = domain.ParticipantCheckedIn
	participant.CheckedIn = true
	participant.UpdatedAt = now
	if err := s.participants.PutParticipant(ctx, participant); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}

	eventID, idErr := s.idGenerator()
	if idErr == nil {
		s.audit.EmitBestEffort(ctx, storage.AuditEvent{
			ID:            eventID,
			ParticipantID: participant.ID,
			Type:          audit.EventCheckIn,
			Timestamp:     now,
		})
	}
	return participant, nil
}

// Withdraw removes a participant from the study. Withdrawn participants
// make no further progress.
func (s *ParticipantService) Withdraw(ctx context.Context, participantID string) (domain.Participant, error) {
	participant, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := domain.ParticipantStateRules.Transition(participant.State, domain.ParticipantWithdrawn); err != nil {
		return domain.Participant{}, apperrors.Wrap(apperrors.CodeParticipantInvalidStateTransition,
			fmt.Sprintf("participant %s cannot withdraw from state %s", participantID, participant.State), err)
	}

	participant.State = domain.ParticipantWithdrawn
	participant.UpdatedAt = s.clock().UTC()
	if err := s.participants.PutParticipant(ctx, participant); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}
	return participant, nil
}

// Pair links two participants symmetrically for a collaborative session.
func (s *ParticipantService) Pair(ctx context.Context, firstID, secondID string) error {
	if firstID == secondID {
		return apperrors.New(apperrors.CodeParticipantPairSelf, "a participant cannot be paired with itself")
	}

	first, err := s.getParticipant(ctx, firstID)
	if err != nil {
		return err
	}
	second, err := s.getParticipant(ctx, secondID)
	if err != nil {
		return err
	}
	if first.PartnerID != "" || second.PartnerID != "" {
		return apperrors.New(apperrors.CodeParticipantAlreadyPaired,
			fmt.Sprintf("participants %s and %s must both be unpaired", firstID, secondID))
	}

	now := s.clock().UTC()
	first.PartnerID = second.ID
	first.UpdatedAt = now
	second.PartnerID = first.ID
	second.UpdatedAt = now

	if err := s.participants.PutParticipant(ctx, first); err != nil {
		return fmt.Errorf("persist participant %s: %w", first.ID, err)
	}
	if err := s.participants.PutParticipant(ctx, second); err != nil {
		return fmt.Errorf("persist participant %s: %w", second.ID, err)
	}
	return nil
}

func (s *ParticipantService) getParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	participant, err := s.participants.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Participant{}, apperrors.Wrap(apperrors.CodeNotFound,
				fmt.Sprintf("participant %s not found", participantID), err)
		}
		return domain.Participant{}, fmt.Errorf("get participant %s: %w", participantID, err)
	}
	return participant, nil
}

func (s *ParticipantService) applyDecision(participant domain.Participant, decision domain.AdvanceDecision, now time.Time) domain.Participant {
	participant.CurrentStage = decision.ToIndex
	participant.State = decision.State
	if decision.SessionStart != nil {
		participant.SessionStart = decision.SessionStart
	}
	if decision.CompletedAt != nil {
		participant.CompletedAt = decision.CompletedAt
	}
	participant.UpdatedAt = now
	return participant
}

func (s *ParticipantService) emitStageEvent(ctx context.Context, eventType, participantID string, decision domain.AdvanceDecision, now time.Time) {
	eventID, err := s.idGenerator()
	if err != nil {
		return
	}
	s.audit.EmitBestEffort(ctx, storage.AuditEvent{
		ID:            eventID,
		ParticipantID: participantID,
		Type:          eventType,
		Data: map[string]any{
			"from": string(decision.From),
			"to":   string(decision.To),
		},
		Timestamp: now,
	})
}
