// Package seed populates a local database with a demo study and experiment
// by exercising the real services, not raw inserts.
package seed

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/silentbard/storylab/internal/platform/id"
	experimentdomain "github.com/silentbard/storylab/internal/services/experiment/domain"
	experimentservice "github.com/silentbard/storylab/internal/services/experiment/service"
	experimentsqlite "github.com/silentbard/storylab/internal/services/experiment/storage/sqlite"
	studydomain "github.com/silentbard/storylab/internal/services/study/domain"
	"github.com/silentbard/storylab/internal/services/study/observability/audit"
	studyservice "github.com/silentbard/storylab/internal/services/study/service"
	studysqlite "github.com/silentbard/storylab/internal/services/study/storage/sqlite"
)

// Config controls what the seeder creates.
type Config struct {
	Participants  int
	StagePlanPath string
	Verbose       bool
}

// Result reports what the seeder created.
type Result struct {
	StudyID      string
	Conditions   int
	Trials       int
	Participants int
	ExperimentID string
	Runs         int
}

// Run seeds a demo study and a queued experiment through the services.
func Run(ctx context.Context, studyStore *studysqlite.Store, experimentStore *experimentsqlite.Store, cfg Config) (Result, error) {
	if cfg.Participants < 0 {
		return Result{}, fmt.Errorf("participants must be non-negative, got %d", cfg.Participants)
	}

	plan := studydomain.DefaultStagePlan()
	if cfg.StagePlanPath != "" {
		data, err := os.ReadFile(cfg.StagePlanPath)
		if err != nil {
			return Result{}, fmt.Errorf("read stage plan: %w", err)
		}
		plan, err = studydomain.ParseStagePlan(data)
		if err != nil {
			return Result{}, err
		}
	}

	result := Result{}
	now := time.Now().UTC()

	studyID, err := id.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate study id: %w", err)
	}
	result.StudyID = studyID

	conditionIDs := make([]string, 0, 2)
	for _, name := range []string{"individual", "team"} {
		conditionID, err := id.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("generate condition id: %w", err)
		}
		err = studyStore.PutCondition(ctx, studydomain.Condition{
			ID:        conditionID,
			StudyID:   studyID,
			Name:      name,
			Config:    map[string]any{"mode": name},
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("seed condition %s: %w", name, err)
		}
		conditionIDs = append(conditionIDs, conditionID)
		result.Conditions++
	}

	trials := studyservice.NewTrialService(studyStore, studyStore, studyStore)
	sweep, err := trials.CreateSweep(ctx, studyservice.CreateSweepInput{
		StudyID:        studyID,
		ConditionID:    conditionIDs[0],
		ParameterKey:   "temperature",
		Values:         []any{0.2, 0.7, 1.0},
		BaseParameters: map[string]any{"model": "bard-v2", "max_turns": 12},
	})
	if err != nil {
		return Result{}, fmt.Errorf("seed sweep: %w", err)
	}
	result.Trials = len(sweep)
	if cfg.Verbose {
		for _, trial := range sweep {
			log.Printf("seeded trial id=%s name=%s", trial.ID, trial.Name)
		}
	}

	if _, _, err := trials.RunTrial(ctx, sweep[0].ID, 3); err != nil {
		return Result{}, fmt.Errorf("run seed trial: %w", err)
	}

	participants := studyservice.NewParticipantService(studyStore, audit.NewEmitter(studyStore)).WithStagePlan(plan)
	for i := 0; i < cfg.Participants; i++ {
		participantID, err := id.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("generate participant id: %w", err)
		}
		err = studyStore.PutParticipant(ctx, studydomain.Participant{
			ID:        participantID,
			StudyID:   studyID,
			State:     studydomain.ParticipantEnrolled,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("seed participant: %w", err)
		}
		if _, err := participants.CheckIn(ctx, participantID); err != nil {
			return Result{}, fmt.Errorf("check in participant: %w", err)
		}
		result.Participants++
	}

	designID, err := id.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate design id: %w", err)
	}
	err = experimentStore.PutDesign(ctx, experimentdomain.Design{
		ID:        designID,
		Name:      "pilot design",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("seed design: %w", err)
	}
	for _, name := range []string{"individual", "team"} {
		conditionID, err := id.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("generate design condition id: %w", err)
		}
		err = experimentStore.PutCondition(ctx, experimentdomain.Condition{
			ID:       conditionID,
			DesignID: designID,
			Name:     name,
			Config:   map[string]any{"mode": name},
			CostRate: &experimentdomain.CostRate{
				PerInputToken:  0.000003,
				PerOutputToken: 0.000015,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("seed design condition %s: %w", name, err)
		}
	}

	experimentID, err := id.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate experiment id: %w", err)
	}
	err = experimentStore.PutExperiment(ctx, experimentdomain.Experiment{
		ID:               experimentID,
		DesignID:         designID,
		Name:             "pilot experiment",
		RunsPerCondition: 5,
		Status:           experimentdomain.ExperimentStatusDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("seed experiment: %w", err)
	}

	runner := experimentservice.NewRunner(experimentStore, experimentStore, experimentStore)
	_, runs, err := runner.Start(ctx, experimentID)
	if err != nil {
		return Result{}, fmt.Errorf("queue seed experiment: %w", err)
	}
	result.ExperimentID = experimentID
	result.Runs = len(runs)

	return result, nil
}
