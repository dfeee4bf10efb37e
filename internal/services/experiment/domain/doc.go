// Package domain holds the experiment-side entities: designs, conditions
// with cost rates, experiments, and their runs.
package domain
