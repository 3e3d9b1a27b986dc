package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError describes one rejected configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// validator accumulates validation errors.
type validator struct {
	errs []error
}

func (v *validator) fail(field, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// finite32 reports whether x stays finite once narrowed to float32.
func finite32(x float64) bool {
	return finite(x) && !math.IsInf(float64(float32(x)), 0)
}

// Validate checks the configuration and resolves Derived. All problems are
// reported together; the result wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	c.applyDefaults()
	v := &validator{}

	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		v.fail("grid", "dimensions must be positive, got %dx%d", c.Grid.Width, c.Grid.Height)
	}
	v.checkDecay("trail.decay", c.Trail.Decay)
	v.checkDiffusion("trail.diffusion", c.Trail.Diffusion)

	derived := DerivedConfig{ChannelIndex: make(map[string]int)}

	// Declared channels first, in order
	for i, ch := range c.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			v.fail(field+".name", "must not be empty")
			continue
		}
		if _, dup := derived.ChannelIndex[ch.Name]; dup {
			v.fail(field+".name", "duplicate channel %q", ch.Name)
			continue
		}
		dc := DerivedChannel{
			Name:      ch.Name,
			Decay:     float32(c.Trail.Decay),
			Diffusion: c.Trail.Diffusion,
			Init:      ch.Init,
		}
		if ch.Decay != nil {
			v.checkDecay(field+".decay", *ch.Decay)
			dc.Decay = float32(*ch.Decay)
		}
		if ch.Diffusion != nil {
			v.checkDiffusion(field+".diffusion", *ch.Diffusion)
			dc.Diffusion = *ch.Diffusion
		}
		v.checkInit(field+".init", ch.Init)
		derived.ChannelIndex[ch.Name] = len(derived.Channels)
		derived.Channels = append(derived.Channels, dc)
	}

	// Deposit channels not declared explicitly get the trail defaults
	for _, pop := range c.Populations {
		if pop.Channel == "" {
			continue
		}
		if _, ok := derived.ChannelIndex[pop.Channel]; ok {
			continue
		}
		derived.ChannelIndex[pop.Channel] = len(derived.Channels)
		derived.Channels = append(derived.Channels, DerivedChannel{
			Name:      pop.Channel,
			Decay:     float32(c.Trail.Decay),
			Diffusion: c.Trail.Diffusion,
			Init:      FieldInitConfig{Kind: InitZero},
		})
	}

	if len(c.Populations) == 0 {
		v.fail("populations", "at least one population is required")
	}
	names := make(map[string]bool, len(c.Populations))
	for i, pop := range c.Populations {
		field := fmt.Sprintf("populations[%d]", i)
		if pop.Name == "" {
			v.fail(field+".name", "must not be empty")
		} else if names[pop.Name] {
			v.fail(field+".name", "duplicate population %q", pop.Name)
		}
		names[pop.Name] = true

		dp, ok := v.resolvePopulation(field, pop, derived.ChannelIndex, len(derived.Channels))
		if ok {
			derived.Populations = append(derived.Populations, dp)
		}
		v.checkSpawn(field+".spawn", pop.Spawn)
	}

	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if _, ok := derived.ChannelIndex[src.Channel]; !ok {
			v.fail(field+".channel", "unknown channel %q", src.Channel)
		}
		if !finite32(src.X) || !finite32(src.Y) {
			v.fail(field, "position must be finite")
		}
		if !finite32(src.Radius) || src.Radius < 0 {
			v.fail(field+".radius", "must be finite and non-negative, got %v", src.Radius)
		}
		if !finite32(src.Amount) || src.Amount < 0 {
			v.fail(field+".amount", "must be finite and non-negative, got %v", src.Amount)
		}
	}

	v.checkEngine(c.Engine)

	if c.Telemetry.StatsEvery < 0 {
		v.fail("telemetry.stats_every", "must not be negative")
	}

	if len(v.errs) > 0 {
		return errors.Join(v.errs...)
	}
	c.Derived = derived
	return nil
}

func (v *validator) resolvePopulation(field string, pop PopulationConfig, index map[string]int, numChannels int) (DerivedPopulation, bool) {
	before := len(v.errs)

	if pop.Agents <= 0 {
		v.fail(field+".agents", "must be positive, got %d", pop.Agents)
	}
	if pop.Channel == "" {
		v.fail(field+".channel", "must not be empty")
	}
	if !pop.Randomize {
		if !finite32(pop.SensorAngle) {
			v.fail(field+".sensor_angle", "must be finite")
		}
		if !finite32(pop.RotationAngle) {
			v.fail(field+".rotation_angle", "must be finite")
		}
		if !finite32(pop.SensorDistance) || pop.SensorDistance <= 0 {
			v.fail(field+".sensor_distance", "must be positive, got %v", pop.SensorDistance)
		}
		if !finite32(pop.StepSize) || pop.StepSize < 0 {
			v.fail(field+".step_size", "must be non-negative, got %v", pop.StepSize)
		}
		if !finite32(pop.Deposit) || pop.Deposit < 0 {
			v.fail(field+".deposit", "must be non-negative, got %v", pop.Deposit)
		}
	}

	weights := make([]float32, numChannels)
	keys := make([]string, 0, len(pop.Sensitivity))
	for k := range pop.Sensitivity {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		w := pop.Sensitivity[name]
		idx, ok := index[name]
		if !ok {
			v.fail(field+".sensitivity", "unknown channel %q", name)
			continue
		}
		if !finite32(w) {
			v.fail(field+".sensitivity", "weight for %q must be finite", name)
			continue
		}
		weights[idx] = float32(w)
	}

	if len(v.errs) > before {
		return DerivedPopulation{}, false
	}
	return DerivedPopulation{
		Name:           pop.Name,
		Agents:         pop.Agents,
		Channel:        index[pop.Channel],
		SensorAngle:    float32(pop.SensorAngle * math.Pi / 180),
		SensorDistance: float32(pop.SensorDistance),
		RotationAngle:  float32(pop.RotationAngle * math.Pi / 180),
		StepSize:       float32(pop.StepSize),
		Deposit:        float32(pop.Deposit),
		Weights:        weights,
		Randomize:      pop.Randomize,
	}, true
}

func (v *validator) checkDecay(field string, decay float64) {
	if !finite(decay) || decay > 1 || float32(decay) <= 0 {
		v.fail(field, "must be in (0,1], got %v", decay)
	}
}

func (v *validator) checkDiffusion(field string, d DiffusionConfig) {
	switch d.Kind {
	case KernelIdentity:
	case KernelBox:
		if d.Radius < 0 {
			v.fail(field+".radius", "must not be negative, got %d", d.Radius)
		}
	case KernelGaussian:
		if !finite32(d.Sigma) || d.Sigma <= 0 {
			v.fail(field+".sigma", "must be positive, got %v", d.Sigma)
		}
	case KernelCustom:
		n := len(d.Weights)
		if n == 0 || n%2 == 0 {
			v.fail(field+".weights", "must be an odd-sized square matrix, got %d rows", n)
			return
		}
		var sum float64
		for r, row := range d.Weights {
			if len(row) != n {
				v.fail(field+".weights", "row %d has %d entries, want %d", r, len(row), n)
				return
			}
			for _, w := range row {
				if !finite32(w) || w < 0 {
					v.fail(field+".weights", "weights must be finite and non-negative, got %v", w)
					return
				}
				sum += w
			}
		}
		if sum <= 0 {
			v.fail(field+".weights", "weights must not sum to zero")
		}
	default:
		v.fail(field+".kind", "unknown kernel %q", d.Kind)
	}
}

func (v *validator) checkInit(field string, in FieldInitConfig) {
	switch in.Kind {
	case InitZero:
	case InitUniform, InitNoise:
		if !finite32(in.Amplitude) || in.Amplitude < 0 {
			v.fail(field+".amplitude", "must be finite and non-negative, got %v", in.Amplitude)
		}
		if in.Kind == InitNoise && (!finite32(in.Scale) || float32(in.Scale) <= 0) {
			v.fail(field+".scale", "must be positive, got %v", in.Scale)
		}
	default:
		v.fail(field+".kind", "unknown init %q", in.Kind)
	}
}

func (v *validator) checkSpawn(field string, s SpawnConfig) {
	switch s.Kind {
	case SpawnUniform, SpawnPoint, SpawnDisk, SpawnRing, SpawnGaussian:
	default:
		v.fail(field+".kind", "unknown spawn distribution %q", s.Kind)
	}
	switch s.Heading {
	case HeadingRandom, HeadingFixed, HeadingInward, HeadingOutward:
	default:
		v.fail(field+".heading", "unknown heading mode %q", s.Heading)
	}
	if !finite32(s.Radius) || s.Radius < 0 {
		v.fail(field+".radius", "must be finite and non-negative, got %v", s.Radius)
	}
	if !finite32(s.HeadingAngle) {
		v.fail(field+".heading_angle", "must be finite")
	}
	if (s.X != nil && !finite32(*s.X)) || (s.Y != nil && !finite32(*s.Y)) {
		v.fail(field, "centre must be finite")
	}
}

func (v *validator) checkEngine(e EngineConfig) {
	if e.Workers < 0 {
		v.fail("engine.workers", "must not be negative, got %d", e.Workers)
	}
	switch e.Trig {
	case TrigExact, TrigFast:
	default:
		v.fail("engine.trig", "unknown trig strategy %q", e.Trig)
	}
	switch e.DepositMode {
	case DepositBuffered, DepositAtomic:
	default:
		v.fail("engine.deposit_mode", "unknown deposit mode %q", e.DepositMode)
	}
	switch e.Sampling {
	case SamplingNearest, SamplingBilinear:
	default:
		v.fail("engine.sampling", "unknown sampling %q", e.Sampling)
	}
}
