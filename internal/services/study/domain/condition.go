package domain

import "time"

// Condition is a named experimental arm belonging to a study. The Config
// blob is opaque to the orchestration core; it is handed to the session
// executor unchanged.
type Condition struct {
	ID        string
	StudyID   string
	Name      string
	Config    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}
