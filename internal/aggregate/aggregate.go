// Package aggregate reduces completed runs and sessions into comparable
// per-condition statistics. It is pure and read-only: callers load the
// records, the engine only computes.
package aggregate

import (
	"sort"
	"time"

	"github.com/silentbard/storylab/internal/stats"
)

// RunRecord is one experiment run as the engine sees it. Only completed
// runs contribute observations; the rest count toward totals.
type RunRecord struct {
	ConditionID string
	Completed   bool
	Metrics     map[string]float64
}

// MetricSummary is the reduction of one named metric within one condition.
type MetricSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// ConditionSummary is the per-condition reduction of an experiment.
// RunCount counts every completed run in the group, whether or not it
// reported a given metric.
type ConditionSummary struct {
	ConditionID    string                   `json:"conditionId"`
	TotalRuns      int                      `json:"totalRuns"`
	CompletedRuns  int                      `json:"completedRuns"`
	RunCount       int                      `json:"runCount"`
	CompletionRate float64                  `json:"completionRate"`
	Metrics        map[string]MetricSummary `json:"metrics"`
}

// ExperimentSummary is the full reduction over an experiment's runs.
type ExperimentSummary struct {
	TotalRuns     int                `json:"totalRuns"`
	CompletedRuns int                `json:"completedRuns"`
	Conditions    []ConditionSummary `json:"conditions"`
}

// SummarizeRuns groups completed runs by condition and reduces each metric
// present anywhere in the group. Conditions without a completed run are
// omitted; conditions whose completed runs reported no metrics appear with
// an empty metrics map. Standard deviation uses the population denominator.
func SummarizeRuns(records []RunRecord) ExperimentSummary {
	summary := ExperimentSummary{TotalRuns: len(records)}

	totals := map[string]int{}
	groups := map[string][]RunRecord{}
	for _, record := range records {
		totals[record.ConditionID]++
		if !record.Completed {
			continue
		}
		summary.CompletedRuns++
		groups[record.ConditionID] = append(groups[record.ConditionID], record)
	}

	conditionIDs := make([]string, 0, len(groups))
	for conditionID := range groups {
		conditionIDs = append(conditionIDs, conditionID)
	}
	sort.Strings(conditionIDs)

	for _, conditionID := range conditionIDs {
		group := groups[conditionID]

		names := map[string]struct{}{}
		for _, record := range group {
			for name := range record.Metrics {
				names[name] = struct{}{}
			}
		}

		metrics := make(map[string]MetricSummary, len(names))
		for name := range names {
			var values []float64
			for _, record := range group {
				if value, ok := record.Metrics[name]; ok {
					values = append(values, value)
				}
			}
			if len(values) == 0 {
				continue
			}
			mean, _ := stats.Mean(values)
			std, _ := stats.StdDev(values)
			min, _ := stats.Min(values)
			max, _ := stats.Max(values)
			metrics[name] = MetricSummary{
				Count: len(values),
				Mean:  mean,
				Std:   std,
				Min:   min,
				Max:   max,
			}
		}

		rate, _ := stats.Rate(len(group), totals[conditionID])
		summary.Conditions = append(summary.Conditions, ConditionSummary{
			ConditionID:    conditionID,
			TotalRuns:      totals[conditionID],
			CompletedRuns:  len(group),
			RunCount:       len(group),
			CompletionRate: rate,
			Metrics:        metrics,
		})
	}

	return summary
}

// SessionRecord is one trial session as the engine sees it.
type SessionRecord struct {
	ActualStart *time.Time
	ActualEnd   *time.Time
}

// SessionStats summarizes session outcomes for one trial. SuccessRate is
// nil when no sessions exist.
type SessionStats struct {
	Total        int      `json:"total"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	SuccessRate  *float64 `json:"successRate"`
}

// DurationStats summarizes wall-clock durations, in milliseconds, of
// sessions that recorded both timestamps.
type DurationStats struct {
	Count      int     `json:"count"`
	MeanMillis float64 `json:"meanDuration"`
	MinMillis  float64 `json:"minDuration"`
	MaxMillis  float64 `json:"maxDuration"`
}

// SummarizeSessions reduces a trial's sessions. Duration statistics are nil
// when no session carries both timestamps.
func SummarizeSessions(successCount, failureCount int, sessions []SessionRecord) (SessionStats, *DurationStats) {
	sessionStats := SessionStats{
		Total:        len(sessions),
		SuccessCount: successCount,
		FailureCount: failureCount,
	}
	if rate, ok := stats.Rate(successCount, len(sessions)); ok {
		sessionStats.SuccessRate = &rate
	}

	var durations []float64
	for _, session := range sessions {
		if session.ActualStart == nil || session.ActualEnd == nil {
			continue
		}
		durations = append(durations, float64(session.ActualEnd.Sub(*session.ActualStart).Milliseconds()))
	}
	if len(durations) == 0 {
		return sessionStats, nil
	}

	mean, _ := stats.Mean(durations)
	min, _ := stats.Min(durations)
	max, _ := stats.Max(durations)
	return sessionStats, &DurationStats{
		Count:      len(durations),
		MeanMillis: mean,
		MinMillis:  min,
		MaxMillis:  max,
	}
}
