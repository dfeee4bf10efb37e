package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// stagePlanDoc is the YAML shape of a study stage-plan override.
type stagePlanDoc struct {
	Stages []stageStepDoc `yaml:"stages"`
}

type stageStepDoc struct {
	Name            string `yaml:"name"`
	MinDwellMinutes int    `yaml:"min_dwell_minutes"`
}

// ParseStagePlan loads a stage plan from a YAML document of the form:
//
//	stages:
//	  - name: WAITING
//	  - name: TUTORIAL
//	    min_dwell_minutes: 2
//	  - name: COMPLETE
//
// Studies without an override use DefaultStagePlan.
func ParseStagePlan(data []byte) (StagePlan, error) {
	var doc stagePlanDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return StagePlan{}, fmt.Errorf("parse stage plan: %w", err)
	}
	steps := make([]StageStep, 0, len(doc.Stages))
	for _, stage := range doc.Stages {
		steps = append(steps, StageStep{
			Name:     Stage(stage.Name),
			MinDwell: time.Duration(stage.MinDwellMinutes) * time.Minute,
		})
	}
	plan, err := NewStagePlan(steps)
	if err != nil {
		return StagePlan{}, fmt.Errorf("parse stage plan: %w", err)
	}
	return plan, nil
}
