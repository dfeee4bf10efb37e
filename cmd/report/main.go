// Package main provides a CLI that reduces stored trials and experiments
// into aggregate statistics and prints them as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/silentbard/storylab/internal/platform/config"
	"github.com/silentbard/storylab/internal/platform/otel"
	experimentservice "github.com/silentbard/storylab/internal/services/experiment/service"
	experimentsqlite "github.com/silentbard/storylab/internal/services/experiment/storage/sqlite"
	studyservice "github.com/silentbard/storylab/internal/services/study/service"
	studysqlite "github.com/silentbard/storylab/internal/services/study/storage/sqlite"
)

type envConfig struct {
	StudyDBPath      string `env:"STORYLAB_STUDY_DB_PATH" envDefault:"storylab-study.db"`
	ExperimentDBPath string `env:"STORYLAB_EXPERIMENT_DB_PATH" envDefault:"storylab-experiments.db"`
}

type studyReport struct {
	StudyID string                      `json:"studyId"`
	Trials  []studyservice.TrialResults `json:"trials"`
}

func main() {
	var cfg envConfig
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("Error: %v", err)
	}

	var studyID string
	var experimentID string
	flag.StringVar(&cfg.StudyDBPath, "study-db", cfg.StudyDBPath, "study SQLite database path")
	flag.StringVar(&cfg.ExperimentDBPath, "experiment-db", cfg.ExperimentDBPath, "experiment SQLite database path")
	flag.StringVar(&studyID, "study", "", "report trial statistics for this study")
	flag.StringVar(&experimentID, "experiment", "", "report per-condition statistics for this experiment")
	flag.Parse()

	if studyID == "" && experimentID == "" {
		config.Exitf("Error: pass -study and/or -experiment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	shutdown, err := otel.Setup(ctx, "storylab-report")
	if err != nil {
		log.Printf("otel setup failed error=%v", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("otel shutdown failed error=%v", err)
			}
		}()
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if studyID != "" {
		studyStore, err := studysqlite.Open(cfg.StudyDBPath)
		if err != nil {
			config.Exitf("Error: open study store: %v", err)
		}
		defer studyStore.Close()

		trials := studyservice.NewTrialService(studyStore, studyStore, studyStore)
		listed, err := studyStore.ListTrialsByStudy(ctx, studyID)
		if err != nil {
			config.Exitf("Error: list trials: %v", err)
		}

		report := studyReport{StudyID: studyID, Trials: make([]studyservice.TrialResults, 0, len(listed))}
		for _, trial := range listed {
			results, err := trials.ComputeResults(ctx, trial.ID)
			if err != nil {
				config.Exitf("Error: compute results for trial %s: %v", trial.ID, err)
			}
			report.Trials = append(report.Trials, results)
		}
		if err := encoder.Encode(report); err != nil {
			config.Exitf("Error: encode study report: %v", err)
		}
	}

	if experimentID != "" {
		experimentStore, err := experimentsqlite.Open(cfg.ExperimentDBPath)
		if err != nil {
			config.Exitf("Error: open experiment store: %v", err)
		}
		defer experimentStore.Close()

		runner := experimentservice.NewRunner(experimentStore, experimentStore, experimentStore)
		summary, err := runner.Summarize(ctx, experimentID)
		if err != nil {
			config.Exitf("Error: summarize experiment %s: %v", experimentID, err)
		}
		if err := encoder.Encode(struct {
			ExperimentID string `json:"experimentId"`
			Summary      any    `json:"summary"`
		}{ExperimentID: experimentID, Summary: summary}); err != nil {
			config.Exitf("Error: encode experiment report: %v", err)
		}
	}
}
