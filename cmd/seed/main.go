// Package main provides a CLI for seeding a local StoryLab database with a
// demo study: conditions, a parameter sweep of trials, participants, and a
// queued experiment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/silentbard/storylab/internal/platform/config"
	"github.com/silentbard/storylab/internal/seed"
	experimentsqlite "github.com/silentbard/storylab/internal/services/experiment/storage/sqlite"
	studysqlite "github.com/silentbard/storylab/internal/services/study/storage/sqlite"
)

type envConfig struct {
	StudyDBPath      string `env:"STORYLAB_STUDY_DB_PATH" envDefault:"storylab-study.db"`
	ExperimentDBPath string `env:"STORYLAB_EXPERIMENT_DB_PATH" envDefault:"storylab-experiments.db"`
}

func main() {
	var cfg envConfig
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("Error: %v", err)
	}

	var stagePlanPath string
	var participants int
	var verbose bool
	flag.StringVar(&cfg.StudyDBPath, "study-db", cfg.StudyDBPath, "study SQLite database path")
	flag.StringVar(&cfg.ExperimentDBPath, "experiment-db", cfg.ExperimentDBPath, "experiment SQLite database path")
	flag.StringVar(&stagePlanPath, "stage-plan", "", "YAML stage-plan override (default: built-in plan)")
	flag.IntVar(&participants, "participants", 4, "number of demo participants to enroll")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	studyStore, err := studysqlite.Open(cfg.StudyDBPath)
	if err != nil {
		config.Exitf("Error: open study store: %v", err)
	}
	defer studyStore.Close()

	experimentStore, err := experimentsqlite.Open(cfg.ExperimentDBPath)
	if err != nil {
		config.Exitf("Error: open experiment store: %v", err)
	}
	defer experimentStore.Close()

	seedCfg := seed.Config{
		Participants:  participants,
		StagePlanPath: stagePlanPath,
		Verbose:       verbose,
	}
	result, err := seed.Run(ctx, studyStore, experimentStore, seedCfg)
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	fmt.Printf("seeded study %s: %d conditions, %d trials, %d participants\n",
		result.StudyID, result.Conditions, result.Trials, result.Participants)
	fmt.Printf("seeded experiment %s: %d runs queued\n", result.ExperimentID, result.Runs)
}
