// Package audit records append-only participant transition events.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/silentbard/storylab/internal/services/study/storage"
)

// EventStageChange records a participant stage transition.
const EventStageChange = "stage_change"

// EventCheckIn records a participant check-in.
const EventCheckIn = "check_in"

// EventStageReset records an administrative stage reset.
const EventStageReset = "stage_reset"

// Emitter appends audit events to an injected store. A nil emitter or store
// is a no-op so state transitions stay testable without a sink.
type Emitter struct {
	store storage.AuditEventStore
	clock func() time.Time
}

// NewEmitter creates a new audit event emitter.
func NewEmitter(store storage.AuditEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an audit event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, event storage.AuditEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		if e.clock == nil {
			event.Timestamp = time.Now().UTC()
		} else {
			event.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendAuditEvent(ctx, event)
}

// EmitBestEffort records an audit event, logging and swallowing any write
// failure. Transitions must not fail because the sink is down.
func (e *Emitter) EmitBestEffort(ctx context.Context, event storage.AuditEvent) {
	if err := e.Emit(ctx, event); err != nil {
		log.Printf("audit event dropped type=%s participant_id=%s error=%v", event.Type, event.ParticipantID, err)
	}
}
