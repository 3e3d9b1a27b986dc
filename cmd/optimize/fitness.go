package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/sim"
	"github.com/pthm-cable/physarum/telemetry"
)

// FitnessEvaluator runs headless simulations and scores how strongly the
// target population concentrates its trail into a network.
type FitnessEvaluator struct {
	params     *ParamVector
	population string
	iterations int
	seeds      []int64
	baseConfig *config.Config

	mu                sync.Mutex
	lastConcentration float64 // from the most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, population string, iterations int, seeds []int64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:     params,
		population: population,
		iterations: iterations,
		seeds:      seeds,
		baseConfig: baseCfg,
	}
}

// LastConcentration returns the mean concentration of the most recent evaluation.
func (fe *FitnessEvaluator) LastConcentration() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastConcentration
}

// Evaluate computes fitness for raw parameter values (lower = better).
// Fitness is the negated mean concentration over all seeds; a seed whose
// run fails scores zero.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	results := make([]float64, len(fe.seeds))
	var wg sync.WaitGroup

	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			c, err := fe.runSimulation(x, s)
			if err != nil {
				slog.Warn("evaluation failed", "seed", s, "error", err)
				return
			}
			results[idx] = c
		}(i, seed)
	}
	wg.Wait()

	var total float64
	for _, c := range results {
		total += c
	}
	mean := total / float64(len(results))

	fe.mu.Lock()
	fe.lastConcentration = mean
	fe.mu.Unlock()

	return -mean
}

// runSimulation runs one seed to completion and returns the fraction of the
// population's trail mass held by the densest tenth of cells.
func (fe *FitnessEvaluator) runSimulation(x []float64, seed int64) (float64, error) {
	cfg := fe.baseConfig.Clone()
	cfg.Seed = seed
	// Seeds already run in parallel
	cfg.Engine.Workers = 1
	if err := fe.params.ApplyToConfig(cfg, fe.population, x); err != nil {
		return 0, err
	}

	s, err := sim.New(cfg)
	if err != nil {
		return 0, err
	}
	defer s.Stop()

	if err := s.StepN(fe.iterations); err != nil {
		return 0, err
	}

	return concentration(s, fe.population)
}

// concentration scores the trail channel of the named population.
func concentration(s *sim.Simulation, population string) (float64, error) {
	for _, p := range s.Populations() {
		if p.Name != population {
			continue
		}
		g, err := s.Snapshot(p.Params.Channel)
		if err != nil {
			return 0, err
		}
		stats := telemetry.ComputeChannelStats(s.Iteration(), population, g, 0)
		return stats.TopDecile, nil
	}
	return 0, fmt.Errorf("population %q not found", population)
}
