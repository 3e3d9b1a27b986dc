// Package telemetry collects statistics and timing for simulation runs and
// writes them to CSV files and a SQLite ledger.
package telemetry

import (
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/physarum/systems"
)

// ChannelStats summarises one channel at one iteration.
type ChannelStats struct {
	Iteration uint64  `csv:"iteration"`
	Channel   string  `csv:"channel"`
	Mass      float64 `csv:"mass"`
	Mean      float64 `csv:"mean"`
	Std       float64 `csv:"std"`
	Max       float64 `csv:"max"`
	P50       float64 `csv:"p50"`
	P90       float64 `csv:"p90"`
	P99       float64 `csv:"p99"`
	Coverage  float64 `csv:"coverage"` // fraction of cells above the threshold
	TopDecile float64 `csv:"top_decile"` // fraction of mass in the densest 10% of cells
}

// ComputeChannelStats summarises a field snapshot. Cells strictly above
// threshold count towards coverage.
func ComputeChannelStats(iteration uint64, channel string, g systems.Grid, threshold float64) ChannelStats {
	s := ChannelStats{Iteration: iteration, Channel: channel}
	if len(g.Data) == 0 {
		return s
	}

	values := make([]float64, len(g.Data))
	covered := 0
	for i, v := range g.Data {
		values[i] = float64(v)
		if values[i] > threshold {
			covered++
		}
	}

	s.Mass = floats.Sum(values)
	s.Mean, s.Std = stat.MeanStdDev(values, nil)
	s.Max = floats.Max(values)
	s.Coverage = float64(covered) / float64(len(values))

	slices.Sort(values)
	s.P50 = stat.Quantile(0.5, stat.Empirical, values, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, values, nil)
	s.P99 = stat.Quantile(0.99, stat.Empirical, values, nil)
	s.TopDecile = TopFractionShare(values, 0.1)
	return s
}

// TopFractionShare returns the share of the total held by the largest
// fraction of values. sorted must be ascending.
func TopFractionShare(sorted []float64, fraction float64) float64 {
	total := floats.Sum(sorted)
	if total <= 0 || len(sorted) == 0 {
		return 0
	}
	k := int(float64(len(sorted)) * fraction)
	if k < 1 {
		k = 1
	}
	return floats.Sum(sorted[len(sorted)-k:]) / total
}

// LogValue implements slog.LogValuer for structured logging.
func (s ChannelStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("iteration", s.Iteration),
		slog.String("channel", s.Channel),
		slog.Float64("mass", s.Mass),
		slog.Float64("mean", s.Mean),
		slog.Float64("std", s.Std),
		slog.Float64("max", s.Max),
		slog.Float64("p50", s.P50),
		slog.Float64("p90", s.P90),
		slog.Float64("p99", s.P99),
		slog.Float64("coverage", s.Coverage),
		slog.Float64("top_decile", s.TopDecile),
	)
}

// LogStats logs the stats using slog.
func (s ChannelStats) LogStats() {
	slog.Info("channel", "stats", s)
}
