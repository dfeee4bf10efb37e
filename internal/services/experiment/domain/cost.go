package domain

// ConditionCost is the estimated token cost of running one condition for
// the whole experiment. EstimatedCost is nil when the condition carries no
// cost rate; Reason explains why.
type ConditionCost struct {
	ConditionID   string   `json:"conditionId"`
	ConditionName string   `json:"conditionName"`
	EstimatedCost *float64 `json:"estimatedCost"`
	Reason        string   `json:"reason,omitempty"`
}

// CostReport totals the estimable conditions of an experiment.
type CostReport struct {
	Total              float64         `json:"total"`
	ConditionsWithCost int             `json:"conditionsWithCost"`
	Conditions         []ConditionCost `json:"conditions"`
}

// EstimateCost prices an experiment given expected token counts per run.
// Each priced condition contributes
// runsPerCondition × (inputTokens×perInput + outputTokens×perOutput).
func EstimateCost(conditions []Condition, runsPerCondition int, inputTokens, outputTokens int64) CostReport {
	report := CostReport{Conditions: make([]ConditionCost, 0, len(conditions))}
	for _, condition := range conditions {
		entry := ConditionCost{
			ConditionID:   condition.ID,
			ConditionName: condition.Name,
		}
		if condition.CostRate == nil {
			entry.Reason = "condition has no cost rate configured"
		} else {
			perRun := float64(inputTokens)*condition.CostRate.PerInputToken +
				float64(outputTokens)*condition.CostRate.PerOutputToken
			cost := float64(runsPerCondition) * perRun
			entry.EstimatedCost = &cost
			report.Total += cost
			report.ConditionsWithCost++
		}
		report.Conditions = append(report.Conditions, entry)
	}
	return report
}
