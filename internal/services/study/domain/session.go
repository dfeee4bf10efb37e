package domain

import "time"

// Session is one executed instance of a trial. A session is completed once
// ActualEnd is set; completed sessions are the unit the trial-level
// aggregation consumes.
type Session struct {
	ID             string
	StudyID        string
	TrialID        string
	ScheduledStart time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Completed reports whether the session has finished.
func (s Session) Completed() bool {
	return s.ActualEnd != nil
}

// Duration returns the session duration when both timestamps are present.
func (s Session) Duration() (time.Duration, bool) {
	if s.ActualStart == nil || s.ActualEnd == nil {
		return 0, false
	}
	return s.ActualEnd.Sub(*s.ActualStart), true
}
