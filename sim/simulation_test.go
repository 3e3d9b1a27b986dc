package sim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/telemetry"
)

func fptr(v float64) *float64 { return &v }

// singleAgentConfig is a 64x64 grid with one agent at (32,32) facing +x.
func singleAgentConfig() *config.Config {
	cfg := config.Default()
	cfg.Grid = config.GridConfig{Width: 64, Height: 64}
	cfg.Trail.Decay = 0.9
	cfg.Trail.Diffusion = config.DiffusionConfig{Kind: config.KernelIdentity}
	cfg.Engine.Workers = 1
	cfg.Populations = []config.PopulationConfig{{
		Name:           "slime",
		Agents:         1,
		SensorAngle:    22.5,
		SensorDistance: 4,
		RotationAngle:  45,
		StepSize:       1,
		Deposit:        5,
		Spawn: config.SpawnConfig{
			Kind:    config.SpawnPoint,
			X:       fptr(32),
			Y:       fptr(32),
			Heading: config.HeadingFixed,
		},
	}}
	return cfg
}

// crowdConfig is a small multi-agent run with blur.
func crowdConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.Grid = config.GridConfig{Width: 64, Height: 48}
	cfg.Seed = 11
	cfg.Engine.Workers = workers
	cfg.Populations[0].Agents = 2000
	return cfg
}

func mustNew(t *testing.T, cfg *config.Config) *Simulation {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSingleAgentStep(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	if s.State() != Ready {
		t.Fatalf("state = %v, want ready", s.State())
	}
	if err := s.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	agents := s.Populations()[0].Agents()
	if agents[0].X != 33 || agents[0].Y != 32 || agents[0].Heading != 0 {
		t.Fatalf("agent = %+v, want (33,32) heading 0", agents[0])
	}

	snap, err := s.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.At(33, 32); math.Abs(float64(got)-4.5) > 1e-5 {
		t.Errorf("cell (33,32) = %v, want 4.5", got)
	}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x != 33 || y != 32) && snap.At(x, y) != 0 {
				t.Fatalf("cell (%d,%d) = %v, want 0", x, y, snap.At(x, y))
			}
		}
	}
	if s.Iteration() != 1 {
		t.Errorf("iteration = %d, want 1", s.Iteration())
	}
}

func TestStraightApproachToSeededCell(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	err := s.SeedField(0, func(x, y int) float32 {
		if x == 36 && y == 32 {
			return 100
		}
		return 0
	})
	if err != nil {
		t.Fatalf("SeedField: %v", err)
	}

	pop := s.Populations()[0]
	for step := 1; step <= 5; step++ {
		if err := s.Step(); err != nil {
			t.Fatalf("Step %d: %v", step, err)
		}
		a := pop.Agents()[0]
		if a.Heading != 0 || a.Y != 32 || a.X != float32(32+step) {
			t.Fatalf("step %d: agent = %+v, want (%d,32) heading 0", step, a, 32+step)
		}
	}
}

func TestDeterminism(t *testing.T) {
	run := func(workers int) ([]float32, []Agent) {
		s := mustNew(t, crowdConfig(workers))
		if err := s.StepN(20); err != nil {
			t.Fatalf("StepN: %v", err)
		}
		snap, _ := s.Snapshot(0)
		return snap.Data, s.Populations()[0].Agents()
	}

	baseField, baseAgents := run(1)
	for _, workers := range []int{1, 4} {
		field, agents := run(workers)
		for i := range baseField {
			if math.Float32bits(field[i]) != math.Float32bits(baseField[i]) {
				t.Fatalf("workers=%d: cell %d differs: %v vs %v", workers, i, field[i], baseField[i])
			}
		}
		for i := range baseAgents {
			if agents[i] != baseAgents[i] {
				t.Fatalf("workers=%d: agent %d differs: %+v vs %+v", workers, i, agents[i], baseAgents[i])
			}
		}
	}
}

func TestMassDecaysWithoutDeposit(t *testing.T) {
	cfg := crowdConfig(1)
	cfg.Trail.Decay = 0.9
	cfg.Populations[0].Deposit = 0
	cfg.Channels = []config.ChannelConfig{{
		Name: "slime",
		Init: config.FieldInitConfig{Kind: config.InitUniform, Amplitude: 1},
	}}
	s := mustNew(t, cfg)

	before, _ := s.TotalMass(0)
	if before == 0 {
		t.Fatal("uniform init left field empty")
	}
	for i := 0; i < 3; i++ {
		if err := s.Step(); err != nil {
			t.Fatal(err)
		}
		after, _ := s.TotalMass(0)
		want := before * 0.9
		if rel := math.Abs(after-want) / want; rel > 1e-4 {
			t.Fatalf("iteration %d: mass %v, want %v", i+1, after, want)
		}
		before = after
	}
}

func TestFieldsStayFiniteAndNonNegative(t *testing.T) {
	cfg := crowdConfig(2)
	cfg.Populations = append(cfg.Populations, config.PopulationConfig{
		Name:           "repelled",
		Agents:         500,
		SensorAngle:    30,
		SensorDistance: 6,
		RotationAngle:  30,
		StepSize:       1.5,
		Deposit:        2,
		Sensitivity:    map[string]float64{"slime": -1, "repelled": 0.5},
	})
	cfg.Trail.Diffusion = config.DiffusionConfig{Kind: config.KernelGaussian, Sigma: 1.5}
	s := mustNew(t, cfg)

	if err := s.StepN(25); err != nil {
		t.Fatalf("StepN: %v", err)
	}
	for ch := range s.Channels() {
		snap, _ := s.Snapshot(ch)
		for i, v := range snap.Data {
			if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("channel %d cell %d = %v", ch, i, v)
			}
		}
	}
}

func TestZeroStepSizeNeverTranslates(t *testing.T) {
	cfg := crowdConfig(1)
	cfg.Populations[0].Agents = 200
	cfg.Populations[0].StepSize = 0
	s := mustNew(t, cfg)

	start := s.Populations()[0].Agents()
	if err := s.StepN(10); err != nil {
		t.Fatal(err)
	}
	end := s.Populations()[0].Agents()
	for i := range start {
		if start[i].X != end[i].X || start[i].Y != end[i].Y {
			t.Fatalf("agent %d moved from (%v,%v) to (%v,%v)", i, start[i].X, start[i].Y, end[i].X, end[i].Y)
		}
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	if s.State() != Stopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	if err := s.Step(); !errors.Is(err, ErrStopped) {
		t.Errorf("Step err = %v, want ErrStopped", err)
	}
	if err := s.StepN(3); !errors.Is(err, ErrStopped) {
		t.Errorf("StepN err = %v, want ErrStopped", err)
	}
	if err := s.Reset(1); !errors.Is(err, ErrStopped) {
		t.Errorf("Reset err = %v, want ErrStopped", err)
	}
	// Snapshots stay readable
	snap, err := s.SnapshotByName("slime")
	if err != nil {
		t.Fatalf("SnapshotByName: %v", err)
	}
	if snap.At(33, 32) == 0 {
		t.Error("snapshot lost data after stop")
	}
}

func TestResetReproducible(t *testing.T) {
	cfg := crowdConfig(1)
	cfg.Populations[0].Randomize = true
	s := mustNew(t, cfg)
	params := s.Populations()[0].Params

	if err := s.StepN(10); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Snapshot(0)

	if err := s.Reset(cfg.Seed); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Iteration() != 0 {
		t.Fatalf("iteration after reset = %d", s.Iteration())
	}
	if got := s.Populations()[0].Params; got.SensorAngle != params.SensorAngle || got.StepSize != params.StepSize {
		t.Fatal("reset changed randomized parameters")
	}
	if err := s.StepN(10); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Snapshot(0)

	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("cell %d differs after reset: %v vs %v", i, first.Data[i], second.Data[i])
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.Grid.Width = 0
	_, err := New(cfg)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNewRejectsValuesBeyondFloat32(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"deposit", func(c *config.Config) { c.Populations[0].Deposit = 1e39 }},
		{"sensitivity weight", func(c *config.Config) { c.Populations[0].Sensitivity = map[string]float64{"slime": 1e39} }},
		{"sensor distance", func(c *config.Config) { c.Populations[0].SensorDistance = 1e39 }},
		{"spawn centre", func(c *config.Config) { c.Populations[0].Spawn.X = fptr(1e39) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := singleAgentConfig()
			tt.mutate(cfg)
			s, err := New(cfg)
			if err == nil {
				s.Stop()
				t.Fatal("New accepted config")
			}
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewKeepsOwnConfig(t *testing.T) {
	cfg := singleAgentConfig()
	first := mustNew(t, cfg)
	if first.Config() == cfg {
		t.Fatal("simulation shares the caller's config")
	}

	cfg.Populations = append(cfg.Populations, cfg.Populations[0])
	cfg.Populations[1].Name = "mold"
	cfg.Populations[1].Channel = "mold"
	second := mustNew(t, cfg)

	if n := len(first.Config().Derived.Populations); n != 1 {
		t.Errorf("first simulation has %d derived populations, want 1", n)
	}
	if n := len(second.Config().Derived.Populations); n != 2 {
		t.Errorf("second simulation has %d derived populations, want 2", n)
	}
	if _, err := first.SnapshotByName("mold"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("first simulation sees channel of second: err = %v", err)
	}
	if err := first.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

// Agents facing head-on into a field that is symmetric about their heading
// split evenly between left and right turns.
func TestSymmetricFieldTurnsBothWays(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.Trail.Decay = 1
	cfg.Populations[0].Agents = 2000
	cfg.Engine.CheckInvariants = true
	s := mustNew(t, cfg)

	// Side sensors land near (35.7, 30.5) and (35.7, 33.5); the centre
	// sensor at (36, 32) reads zero.
	err := s.SeedField(0, func(x, y int) float32 {
		if x >= 34 && x <= 37 && (y == 29 || y == 30 || y == 33 || y == 34) {
			return 10
		}
		return 0
	})
	if err != nil {
		t.Fatalf("SeedField: %v", err)
	}
	if err := s.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	var left, right int
	for _, a := range s.Populations()[0].Agents() {
		switch {
		case math.Abs(float64(a.Heading)-7*math.Pi/4) < 1e-4:
			left++
		case math.Abs(float64(a.Heading)-math.Pi/4) < 1e-4:
			right++
		default:
			t.Fatalf("agent heading %v, want a turn of 45 degrees either way", a.Heading)
		}
	}
	if left == 0 || right == 0 {
		t.Fatalf("left = %d, right = %d, want both", left, right)
	}
	if d := left - right; d > 200 || d < -200 {
		t.Errorf("left = %d, right = %d, want an even split", left, right)
	}
}

func TestSeedFieldRejectsInvalidValues(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	tests := []struct {
		name string
		v    float32
	}{
		{"negative", -1},
		{"nan", float32(math.NaN())},
		{"inf", float32(math.Inf(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SeedField(0, func(x, y int) float32 {
				if x == 3 && y == 4 {
					return tt.v
				}
				return 1
			})
			if !errors.Is(err, ErrInvalidFieldValue) {
				t.Fatalf("err = %v, want ErrInvalidFieldValue", err)
			}
			if m, _ := s.TotalMass(0); m != 0 {
				t.Errorf("field modified on error: mass %v", m)
			}
		})
	}

	if err := s.SeedField(5, func(int, int) float32 { return 0 }); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel err = %v", err)
	}
}

func TestSourcesDeposit(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.Trail.Decay = 1
	cfg.Populations[0].Deposit = 0
	cfg.Sources = []config.SourceConfig{{Channel: "slime", X: 10.5, Y: 10.5, Radius: 0, Amount: 1}}
	s := mustNew(t, cfg)

	if err := s.StepN(3); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot(0)
	if got := snap.At(10, 10); got != 3 {
		t.Errorf("source cell = %v, want 3", got)
	}
	if got := snap.Mass(); got != 3 {
		t.Errorf("mass = %v, want 3", got)
	}
}

func TestRunHonoursContext(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Run(ctx, 0, func(s *Simulation) error {
		if s.Iteration() == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.Iteration() != 3 {
		t.Errorf("iteration = %d, want 3", s.Iteration())
	}

	if err := s.Run(context.Background(), 4, nil); err != nil {
		t.Fatal(err)
	}
	if s.Iteration() != 7 {
		t.Errorf("iteration = %d, want 7", s.Iteration())
	}
}

func TestAgentsListsEveryPopulation(t *testing.T) {
	cfg := crowdConfig(1)
	cfg.Populations[0].Agents = 10
	cfg.Populations = append(cfg.Populations, config.PopulationConfig{
		Name: "other", Agents: 5, SensorAngle: 20, SensorDistance: 3, RotationAngle: 20, StepSize: 1, Deposit: 1,
	})
	s := mustNew(t, cfg)

	counts := map[string]int{}
	for _, rec := range s.Agents() {
		counts[rec.Population]++
	}
	if counts["slime"] != 10 || counts["other"] != 5 {
		t.Errorf("counts = %v", counts)
	}
	if got := s.Channels(); len(got) != 2 || got[0] != "slime" || got[1] != "other" {
		t.Errorf("channels = %v", got)
	}
}

func BenchmarkStep(b *testing.B) {
	cfg := config.Default()
	cfg.Grid = config.GridConfig{Width: 256, Height: 256}
	s, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Step(); err != nil {
			b.Fatal(err)
		}
	}
}

func TestChannelStatsAfterStep(t *testing.T) {
	s := mustNew(t, singleAgentConfig())
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}

	stats := s.ChannelStats(1)
	if len(stats) != 1 {
		t.Fatalf("got %d channel stats, want 1", len(stats))
	}
	st := stats[0]
	if st.Channel != "slime" || st.Iteration != 1 {
		t.Errorf("identity = (%q, %d)", st.Channel, st.Iteration)
	}
	if math.Abs(st.Mass-4.5) > 1e-5 || math.Abs(st.Max-4.5) > 1e-5 {
		t.Errorf("mass = %v, max = %v, want 4.5", st.Mass, st.Max)
	}
	if want := 1.0 / 4096; st.Coverage != want {
		t.Errorf("coverage = %v, want %v", st.Coverage, want)
	}
	if math.Abs(st.TopDecile-1) > 1e-9 {
		t.Errorf("top decile = %v, want 1", st.TopDecile)
	}
}

func TestPerfReportsEachPopulation(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.Populations[0].Agents = 30
	cfg.Populations = append(cfg.Populations, cfg.Populations[0])
	cfg.Populations[1].Name = "mold"
	cfg.Populations[1].Channel = "mold"
	cfg.Populations[1].Agents = 10
	s := mustNew(t, cfg)
	if err := s.StepN(3); err != nil {
		t.Fatal(err)
	}

	perf := s.Perf()
	if perf.Window != 3 {
		t.Errorf("window = %d, want 3", perf.Window)
	}
	if len(perf.Populations) != 2 {
		t.Fatalf("populations = %+v", perf.Populations)
	}
	if p := perf.Populations[1]; p.Name != "mold" || p.Agents != 10 {
		t.Errorf("second population = %+v", p)
	}
	if perf.PhaseAvg[telemetry.PhaseAgents] <= 0 {
		t.Error("agents phase not timed")
	}
}
