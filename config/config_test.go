package config

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("embedded defaults rejected: %v", err)
	}

	if len(cfg.Derived.Channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(cfg.Derived.Channels))
	}
	if cfg.Derived.Channels[0].Name != "slime" {
		t.Errorf("channel name = %q, want slime", cfg.Derived.Channels[0].Name)
	}

	pop := cfg.Derived.Populations[0]
	if pop.Channel != 0 {
		t.Errorf("population channel = %d, want 0", pop.Channel)
	}
	if len(pop.Weights) != 1 || pop.Weights[0] != 1 {
		t.Errorf("weights = %v, want [1]", pop.Weights)
	}
	wantAngle := float32(22.5 * math.Pi / 180)
	if math.Abs(float64(pop.SensorAngle-wantAngle)) > 1e-6 {
		t.Errorf("sensor angle = %v rad, want %v", pop.SensorAngle, wantAngle)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	data := `
grid:
  width: 64
  height: 32
populations:
  - name: a
    agents: 10
    sensor_angle: 45
    sensor_distance: 4
    rotation_angle: 45
    step_size: 1
    deposit: 2
  - name: b
    agents: 5
    sensor_angle: 45
    sensor_distance: 4
    rotation_angle: 45
    step_size: 1
    deposit: 2
    sensitivity:
      a: -1
      b: 1
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Grid.Width != 64 || cfg.Grid.Height != 32 {
		t.Errorf("grid = %dx%d, want 64x32", cfg.Grid.Width, cfg.Grid.Height)
	}
	// Trail defaults survive the overlay
	if cfg.Trail.Decay != 0.9 {
		t.Errorf("trail decay = %v, want 0.9", cfg.Trail.Decay)
	}
	if got := len(cfg.Derived.Channels); got != 2 {
		t.Fatalf("got %d channels, want 2", got)
	}
	b := cfg.Derived.Populations[1]
	ia, ib := cfg.Derived.ChannelIndex["a"], cfg.Derived.ChannelIndex["b"]
	if b.Weights[ia] != -1 || b.Weights[ib] != 1 {
		t.Errorf("population b weights = %v", b.Weights)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.toml")
	data := `
seed = 7

[grid]
width = 48
height = 48

[engine]
workers = 2
trig = "fast"

[[populations]]
name = "p"
agents = 100
sensor_angle = 30.0
sensor_distance = 6.0
rotation_angle = 30.0
step_size = 1.0
deposit = 5.0
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Seed != 7 {
		t.Errorf("seed = %d, want 7", cfg.Seed)
	}
	if cfg.Engine.Trig != TrigFast || cfg.Engine.Workers != 2 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset engine fields keep their defaults
	if cfg.Engine.DepositMode != DepositBuffered {
		t.Errorf("deposit mode = %q, want %q", cfg.Engine.DepositMode, DepositBuffered)
	}
	if cfg.Populations[0].Channel != "p" {
		t.Errorf("channel defaulted to %q, want p", cfg.Populations[0].Channel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero width", func(c *Config) { c.Grid.Width = 0 }, "grid"},
		{"negative height", func(c *Config) { c.Grid.Height = -3 }, "grid"},
		{"no populations", func(c *Config) { c.Populations = nil }, "populations"},
		{"zero agents", func(c *Config) { c.Populations[0].Agents = 0 }, "populations[0].agents"},
		{"negative step", func(c *Config) { c.Populations[0].StepSize = -1 }, "populations[0].step_size"},
		{"negative deposit", func(c *Config) { c.Populations[0].Deposit = -0.5 }, "populations[0].deposit"},
		{"zero sensor distance", func(c *Config) { c.Populations[0].SensorDistance = 0 }, "populations[0].sensor_distance"},
		{"nan sensor angle", func(c *Config) { c.Populations[0].SensorAngle = nan }, "populations[0].sensor_angle"},
		{"inf rotation", func(c *Config) { c.Populations[0].RotationAngle = math.Inf(1) }, "populations[0].rotation_angle"},
		{"nan weight", func(c *Config) { c.Populations[0].Sensitivity = map[string]float64{"slime": nan} }, "populations[0].sensitivity"},
		{"unknown sensitivity channel", func(c *Config) { c.Populations[0].Sensitivity = map[string]float64{"ghost": 1} }, "populations[0].sensitivity"},
		{"zero decay", func(c *Config) { c.Trail.Decay = 0 }, "trail.decay"},
		{"decay above one", func(c *Config) { c.Trail.Decay = 1.5 }, "trail.decay"},
		{"unknown kernel", func(c *Config) { c.Trail.Diffusion.Kind = "sharpen" }, "trail.diffusion.kind"},
		{"even kernel", func(c *Config) {
			c.Trail.Diffusion = DiffusionConfig{Kind: KernelCustom, Weights: [][]float64{{1, 1}, {1, 1}}}
		}, "trail.diffusion.weights"},
		{"negative kernel weight", func(c *Config) {
			c.Trail.Diffusion = DiffusionConfig{Kind: KernelCustom, Weights: [][]float64{{1, 1, 1}, {1, -1, 1}, {1, 1, 1}}}
		}, "trail.diffusion.weights"},
		{"zero-sum kernel", func(c *Config) {
			c.Trail.Diffusion = DiffusionConfig{Kind: KernelCustom, Weights: [][]float64{{0}}}
		}, "trail.diffusion.weights"},
		{"ragged kernel", func(c *Config) {
			c.Trail.Diffusion = DiffusionConfig{Kind: KernelCustom, Weights: [][]float64{{1, 1, 1}, {1}, {1, 1, 1}}}
		}, "trail.diffusion.weights"},
		{"gaussian without sigma", func(c *Config) { c.Trail.Diffusion = DiffusionConfig{Kind: KernelGaussian} }, "trail.diffusion.sigma"},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, "engine.workers"},
		{"unknown trig", func(c *Config) { c.Engine.Trig = "lut" }, "engine.trig"},
		{"unknown deposit mode", func(c *Config) { c.Engine.DepositMode = "locked" }, "engine.deposit_mode"},
		{"unknown spawn", func(c *Config) { c.Populations[0].Spawn.Kind = "spiral" }, "populations[0].spawn.kind"},
		{"source on unknown channel", func(c *Config) {
			c.Sources = []SourceConfig{{Channel: "food", X: 1, Y: 1, Radius: 2, Amount: 1}}
		}, "sources[0].channel"},
		{"sensor distance overflows float32", func(c *Config) { c.Populations[0].SensorDistance = 1e39 }, "populations[0].sensor_distance"},
		{"step overflows float32", func(c *Config) { c.Populations[0].StepSize = 1e39 }, "populations[0].step_size"},
		{"deposit overflows float32", func(c *Config) { c.Populations[0].Deposit = 1e39 }, "populations[0].deposit"},
		{"weight overflows float32", func(c *Config) { c.Populations[0].Sensitivity = map[string]float64{"slime": 1e39} }, "populations[0].sensitivity"},
		{"spawn centre overflows float32", func(c *Config) {
			x := 1e39
			c.Populations[0].Spawn.X = &x
		}, "populations[0].spawn"},
		{"spawn radius overflows float32", func(c *Config) { c.Populations[0].Spawn.Radius = 1e39 }, "populations[0].spawn.radius"},
		{"source centre overflows float32", func(c *Config) {
			c.Sources = []SourceConfig{{Channel: "slime", X: 1e39, Y: 1, Radius: 2, Amount: 1}}
		}, "sources[0]"},
		{"source amount overflows float32", func(c *Config) {
			c.Sources = []SourceConfig{{Channel: "slime", X: 1, Y: 1, Radius: 2, Amount: 1e39}}
		}, "sources[0].amount"},
		{"decay underflows float32", func(c *Config) { c.Trail.Decay = 1e-50 }, "trail.decay"},
		{"kernel weight overflows float32", func(c *Config) {
			c.Trail.Diffusion = DiffusionConfig{Kind: KernelCustom, Weights: [][]float64{{1e39}}}
		}, "trail.diffusion.weights"},
		{"duplicate channel", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "x"}, {Name: "x"}}
		}, "channels[1].name"},
		{"duplicate population", func(c *Config) {
			c.Populations = append(c.Populations, c.Populations[0])
		}, "populations[1].name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error does not wrap ErrInvalidConfig: %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error is not a ValidationError: %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Grid.Width = 0
	cfg.Trail.Decay = 2
	cfg.Engine.Workers = -4

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"grid", "trail.decay", "engine.workers"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("aggregated error missing %q: %v", field, err)
		}
	}
}

func TestChannelOverrides(t *testing.T) {
	cfg := Default()
	decay := 0.5
	cfg.Channels = []ChannelConfig{
		{Name: "food", Decay: &decay, Diffusion: &DiffusionConfig{Kind: KernelIdentity}},
	}
	cfg.Sources = []SourceConfig{{Channel: "food", X: 10, Y: 10, Radius: 3, Amount: 1}}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Declared channels come before auto-created ones
	if cfg.Derived.ChannelIndex["food"] != 0 || cfg.Derived.ChannelIndex["slime"] != 1 {
		t.Fatalf("channel index = %v", cfg.Derived.ChannelIndex)
	}
	food := cfg.Derived.Channels[0]
	if food.Decay != 0.5 || food.Diffusion.Kind != KernelIdentity {
		t.Errorf("food channel = %+v", food)
	}
	slime := cfg.Derived.Channels[1]
	if slime.Decay != float32(cfg.Trail.Decay) || slime.Diffusion.Kind != KernelBox {
		t.Errorf("slime channel did not inherit trail defaults: %+v", slime)
	}
}

func TestRandomizedPopulationSkipsMotionChecks(t *testing.T) {
	cfg := Default()
	cfg.Populations[0].Randomize = true
	cfg.Populations[0].SensorDistance = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("randomized population rejected: %v", err)
	}
}

func TestRandomizePopulationRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		p := DerivedPopulation{Channel: 2, Weights: []float32{0, 0, 1}}
		RandomizePopulation(&p, rng)

		if p.SensorAngle < 0 || float64(p.SensorAngle) > RandomSensorAngleMax*math.Pi/180+1e-6 {
			t.Fatalf("sensor angle out of range: %v", p.SensorAngle)
		}
		if p.SensorDistance <= 0 || p.SensorDistance > RandomSensorDistanceMax {
			t.Fatalf("sensor distance out of range: %v", p.SensorDistance)
		}
		if p.StepSize < RandomStepSizeMin || p.StepSize > RandomStepSizeMax {
			t.Fatalf("step size out of range: %v", p.StepSize)
		}
		if p.Deposit != RandomDeposit {
			t.Fatalf("deposit = %v, want %v", p.Deposit, RandomDeposit)
		}
		if p.Channel != 2 || p.Weights[2] != 1 {
			t.Fatal("randomize changed channel or weights")
		}
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Seed = 99
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Seed != 99 {
		t.Errorf("seed = %d, want 99", loaded.Seed)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Populations[0].Agents = 1
	clone.Populations[0].Sensitivity["slime"] = 3
	if cfg.Populations[0].Agents == 1 || cfg.Populations[0].Sensitivity["slime"] == 3 {
		t.Error("clone shares state with original")
	}
}
