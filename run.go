package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/sim"
	"github.com/pthm-cable/physarum/telemetry"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	configPath string
	seed       *int64 // nil keeps the configured seed
	workers    int    // negative keeps the configured worker count
	iterations int
	outputDir  string
	ledgerPath string
	runID      string
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a headless simulation",
		Long: `Run a simulation for a fixed number of iterations.

Channel statistics are logged every telemetry.stats_every iterations and,
when requested, written to CSV files and a SQLite ledger.

Examples:
  physarum run --iterations 2000
  physarum run --config run.yaml --output-dir out --ledger runs.db
  physarum run --seed 42 --workers 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{}
			opts.configPath, _ = cmd.Flags().GetString("config")
			opts.iterations, _ = cmd.Flags().GetInt("iterations")
			opts.workers, _ = cmd.Flags().GetInt("workers")
			opts.outputDir, _ = cmd.Flags().GetString("output-dir")
			opts.ledgerPath, _ = cmd.Flags().GetString("ledger")
			opts.runID, _ = cmd.Flags().GetString("run-id")
			if cmd.Flags().Changed("seed") {
				seed, _ := cmd.Flags().GetInt64("seed")
				opts.seed = &seed
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSimulation(ctx, opts)
		},
	}

	cmd.Flags().Int64("seed", 0, "RNG seed (overrides config)")
	cmd.Flags().Int("iterations", 1000, "Iterations to run (0 = until interrupted)")
	cmd.Flags().Int("workers", -1, "Worker goroutines (0 = GOMAXPROCS, -1 = use config)")
	cmd.Flags().String("output-dir", "", "Output directory for CSV logs and config snapshot")
	cmd.Flags().String("ledger", "", "SQLite ledger file for run metadata and stats")
	cmd.Flags().String("run-id", "", "Run identifier in the ledger (default derived from seed and time)")
	return cmd
}

func runSimulation(ctx context.Context, opts runOptions) error {
	if err := config.Init(opts.configPath); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := config.Cfg()
	if opts.seed != nil {
		cfg.Seed = *opts.seed
	}
	if opts.workers >= 0 {
		cfg.Engine.Workers = opts.workers
	}

	s, err := sim.New(cfg)
	if err != nil {
		return err
	}
	defer s.Stop()
	// Record the resolved copy, defaults included
	cfg = s.Config()

	om, err := telemetry.NewOutputManager(opts.outputDir)
	if err != nil {
		return err
	}
	defer om.Close()
	if err := om.WriteConfig(cfg); err != nil {
		return err
	}

	runID := opts.runID
	if runID == "" {
		runID = fmt.Sprintf("run-%d-%d", cfg.Seed, time.Now().Unix())
	}

	// Ledger writes outlive an interrupt so the final window is kept.
	dbCtx := context.WithoutCancel(ctx)
	var ledger *telemetry.Ledger
	if opts.ledgerPath != "" {
		ledger = telemetry.NewLedger(opts.ledgerPath)
		if err := ledger.Init(dbCtx); err != nil {
			return err
		}
		defer ledger.Close()

		doc, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		w, h := s.Size()
		if err := ledger.RecordRun(dbCtx, telemetry.RunRecord{
			ID:        runID,
			Seed:      cfg.Seed,
			Width:     w,
			Height:    h,
			Config:    string(doc),
			StartedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
	}

	slog.Info("starting headless simulation",
		"run_id", runID,
		"seed", cfg.Seed,
		"iterations", opts.iterations,
		"channels", s.Channels(),
	)

	every := uint64(cfg.Telemetry.StatsEvery)
	threshold := cfg.Telemetry.CoverageThreshold
	record := func(s *sim.Simulation) error {
		stats := s.ChannelStats(threshold)
		for _, st := range stats {
			st.LogStats()
		}
		if err := om.WriteStats(stats); err != nil {
			return err
		}
		perf := s.Perf()
		perf.LogStats()
		if err := om.WritePerf(perf, int64(s.Iteration())); err != nil {
			return err
		}
		if ledger != nil {
			if err := ledger.RecordStats(dbCtx, runID, stats); err != nil {
				return fmt.Errorf("recording stats: %w", err)
			}
		}
		return nil
	}

	err = s.Run(ctx, opts.iterations, func(s *sim.Simulation) error {
		if every > 0 && s.Iteration()%every == 0 {
			return record(s)
		}
		return nil
	})
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return err
	}

	// Final window, unless the last iteration already recorded one
	if every > 0 && s.Iteration()%every != 0 {
		if err := record(s); err != nil {
			return err
		}
	}
	if ledger != nil {
		if err := ledger.FinishRun(dbCtx, runID, s.Iteration()); err != nil {
			return fmt.Errorf("finishing run: %w", err)
		}
	}

	slog.Info("simulation finished", "run_id", runID, "iterations", s.Iteration(), "interrupted", interrupted)
	return nil
}
