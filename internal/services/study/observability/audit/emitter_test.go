package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/silentbard/storylab/internal/services/study/storage"
)

type recordingStore struct {
	events []storage.AuditEvent
	err    error
}

func (s *recordingStore) AppendAuditEvent(_ context.Context, event storage.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingStore) ListAuditEvents(_ context.Context, participantID string) ([]storage.AuditEvent, error) {
	return s.events, nil
}

func TestEmitStampsMissingTimestamp(t *testing.T) {
	store := &recordingStore{}
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	emitter := NewEmitter(store)
	emitter.clock = func() time.Time { return now }

	err := emitter.Emit(context.Background(), storage.AuditEvent{ID: "e-1", ParticipantID: "p-1", Type: EventCheckIn})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	if !store.events[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", store.events[0].Timestamp, now)
	}
}

func TestEmitKeepsExplicitTimestamp(t *testing.T) {
	store := &recordingStore{}
	emitter := NewEmitter(store)
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := emitter.Emit(context.Background(), storage.AuditEvent{ID: "e-1", Type: EventStageChange, Timestamp: stamp})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !store.events[0].Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %v, want %v", store.events[0].Timestamp, stamp)
	}
}

func TestNilEmitterIsNoOp(t *testing.T) {
	var emitter *Emitter
	if err := emitter.Emit(context.Background(), storage.AuditEvent{ID: "e-1"}); err != nil {
		t.Fatalf("nil emitter: %v", err)
	}
	if err := NewEmitter(nil).Emit(context.Background(), storage.AuditEvent{ID: "e-1"}); err != nil {
		t.Fatalf("nil store: %v", err)
	}
}

func TestEmitBestEffortSwallowsWriteFailure(t *testing.T) {
	store := &recordingStore{err: errors.New("sink down")}
	emitter := NewEmitter(store)

	// Must not panic or propagate.
	emitter.EmitBestEffort(context.Background(), storage.AuditEvent{ID: "e-1", Type: EventStageReset})
	if len(store.events) != 0 {
		t.Fatalf("events = %d, want 0", len(store.events))
	}
}
