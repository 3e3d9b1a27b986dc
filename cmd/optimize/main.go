// Package main provides CMA-ES optimization of population motion parameters
// for trail networks with strong concentration.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/telemetry"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// optimizeOptions holds the command flags.
type optimizeOptions struct {
	configPath string
	population string
	iterations int
	seeds      int
	maxEvals   int
	popSize    int
	outputDir  string
	ledgerPath string
	runID      string
}

func main() {
	if err := newOptimizeCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newOptimizeCmd() *cobra.Command {
	opts := optimizeOptions{}
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search population motion parameters with CMA-ES",
		Long: `optimize tunes sensor angle, sensor distance, rotation angle and step
size of one population so that its trail concentrates into a network.

Each evaluation runs the simulation for several seeds and scores the share
of trail mass held by the densest tenth of cells.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only warnings from per-seed simulations
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
			return runOptimize(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Base config file (empty = use defaults)")
	cmd.Flags().StringVar(&opts.population, "population", "", "Population to tune (default: first population)")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 500, "Simulation iterations per evaluation")
	cmd.Flags().IntVar(&opts.seeds, "seeds", 3, "Number of seeds per evaluation")
	cmd.Flags().IntVar(&opts.maxEvals, "max-evals", 100, "Maximum number of evaluations")
	cmd.Flags().IntVar(&opts.popSize, "population-size", 0, "CMA-ES population size (0 = auto)")
	cmd.Flags().StringVar(&opts.outputDir, "output", "", "Output directory for results")
	cmd.Flags().StringVar(&opts.ledgerPath, "ledger", "", "SQLite ledger for evaluations")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run identifier in the ledger (default derived from time)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runOptimize(cmd *cobra.Command, opts optimizeOptions) error {
	out := cmd.OutOrStdout()

	if opts.seeds < 1 {
		return errors.New("--seeds must be at least 1")
	}
	if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	// Load base config
	if err := config.Init(opts.configPath); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	baseCfg := config.Cfg()
	if err := baseCfg.Clone().Validate(); err != nil {
		return err
	}
	if opts.population == "" {
		opts.population = baseCfg.Populations[0].Name
	}

	params := NewParamVector()
	var startX []float64
	for _, p := range baseCfg.Populations {
		if p.Name == opts.population {
			startX = params.FromPopulation(p)
		}
	}
	if startX == nil {
		return fmt.Errorf("population %q not found", opts.population)
	}

	// Generate seeds for evaluation
	evalSeeds := make([]int64, opts.seeds)
	for i := range evalSeeds {
		evalSeeds[i] = int64(i*1000 + 42)
	}
	evaluator := NewFitnessEvaluator(params, opts.population, opts.iterations, evalSeeds, baseCfg)

	runID := opts.runID
	if runID == "" {
		runID = fmt.Sprintf("optimize-%d", time.Now().Unix())
	}

	ctx := cmd.Context()
	var ledger *telemetry.Ledger
	if opts.ledgerPath != "" {
		ledger = telemetry.NewLedger(opts.ledgerPath)
		if err := ledger.Init(ctx); err != nil {
			return err
		}
		defer ledger.Close()
	}

	evalLog, err := telemetry.CreateCSVLog(filepath.Join(opts.outputDir, "optimize_log.csv"))
	if err != nil {
		return err
	}
	defer evalLog.Close()

	dim := params.Dim()
	popSize := opts.popSize
	if popSize == 0 {
		popSize = 4 + int(3*math.Log(float64(dim)))
	}

	evalCount := 0
	bestFitness := math.Inf(1)
	var bestParams []float64
	var recordErr error
	startTime := time.Now()

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			// Values actually used by the simulation
			clamped := params.Clamp(params.Denormalize(x))
			fitness := evaluator.Evaluate(clamped)
			evalCount++

			if fitness < bestFitness {
				bestFitness = fitness
				bestParams = clamped
			}

			e := telemetry.Evaluation{
				RunID:          runID,
				Index:          evalCount,
				SensorAngle:    clamped[paramSensorAngle],
				SensorDistance: clamped[paramSensorDistance],
				RotationAngle:  clamped[paramRotationAngle],
				StepSize:       clamped[paramStepSize],
				Fitness:        fitness,
			}
			if err := evalLog.Append([]telemetry.Evaluation{e}); err != nil && recordErr == nil {
				recordErr = err
			}
			if ledger != nil {
				if err := ledger.RecordEvaluation(ctx, e); err != nil && recordErr == nil {
					recordErr = err
				}
			}

			elapsed := time.Since(startTime)
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(max(opts.maxEvals-evalCount, 0)) * avgPerEval
			fmt.Fprintf(out, "Eval %d/%d: concentration=%.4f (best=%.4f) | elapsed: %s, ETA: %s\n",
				evalCount, opts.maxEvals, evaluator.LastConcentration(), -bestFitness,
				formatDuration(elapsed), formatDuration(remaining))

			return fitness
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: opts.maxEvals,
		Concurrent:      0, // Sequential evaluation; seeds run in parallel
	}
	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Population:   popSize,
	}

	fmt.Fprintf(out, "Starting CMA-ES optimization of %q with %d parameters, population=%d, max_evals=%d\n",
		opts.population, dim, popSize, opts.maxEvals)
	fmt.Fprintf(out, "Seeds per evaluation: %d, iterations per run: %d\n", opts.seeds, opts.iterations)

	result, err := optimize.Minimize(problem, params.Normalize(startX), settings, method)
	if err != nil {
		slog.Warn("optimization ended", "error", err)
	}
	if recordErr != nil {
		return fmt.Errorf("recording evaluations: %w", recordErr)
	}

	// Use best params found (may be from any evaluation, not just final)
	if bestParams == nil && result != nil {
		bestParams = params.Clamp(params.Denormalize(result.X))
	}
	if bestParams == nil {
		return errors.New("no evaluations completed")
	}

	fmt.Fprintf(out, "\nOptimization complete after %d evaluations in %s\n", evalCount, formatDuration(time.Since(startTime)))
	fmt.Fprintf(out, "Best concentration: %.4f\n", -bestFitness)
	fmt.Fprintln(out, "\nBest parameters:")
	for i, spec := range params.Specs {
		fmt.Fprintf(out, "  %s: %.6f\n", spec.Name, bestParams[i])
	}

	bestCfg := baseCfg.Clone()
	if err := params.ApplyToConfig(bestCfg, opts.population, bestParams); err != nil {
		return err
	}
	configOutPath := filepath.Join(opts.outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nBest config saved to: %s\n", configOutPath)
	return nil
}
