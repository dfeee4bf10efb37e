package domain

import "time"

// Design owns a fixed set of conditions an experiment sweeps over.
type Design struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CostRate is the per-token pricing attached to a condition whose executor
// bills by tokens.
type CostRate struct {
	PerInputToken  float64
	PerOutputToken float64
}

// Condition is a named experimental arm belonging to a design. The Config
// blob is opaque to the orchestration core. CostRate is nil for conditions
// without token pricing.
type Condition struct {
	ID        string
	DesignID  string
	Name      string
	Config    map[string]any
	CostRate  *CostRate
	CreatedAt time.Time
	UpdatedAt time.Time
}
