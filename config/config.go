// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	Grid        GridConfig         `yaml:"grid" toml:"grid"`
	Seed        int64              `yaml:"seed" toml:"seed"`
	Trail       TrailConfig        `yaml:"trail" toml:"trail"`
	Channels    []ChannelConfig    `yaml:"channels" toml:"channels"`
	Populations []PopulationConfig `yaml:"populations" toml:"populations"`
	Sources     []SourceConfig     `yaml:"sources" toml:"sources"`
	Engine      EngineConfig       `yaml:"engine" toml:"engine"`
	Telemetry   TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`

	// Derived values computed by Validate
	Derived DerivedConfig `yaml:"-" toml:"-"`
}

// GridConfig holds the toroidal lattice dimensions in cells.
type GridConfig struct {
	Width  int `yaml:"width" toml:"width"`
	Height int `yaml:"height" toml:"height"`
}

// TrailConfig holds the defaults applied to every channel that does not
// override them.
type TrailConfig struct {
	Decay     float64         `yaml:"decay" toml:"decay"` // multiplier per iteration, (0,1]
	Diffusion DiffusionConfig `yaml:"diffusion" toml:"diffusion"`
}

// Diffusion kernel kinds.
const (
	KernelIdentity = "identity"
	KernelBox      = "box"
	KernelCustom   = "custom"
	KernelGaussian = "gaussian"
)

// DiffusionConfig describes the blur applied by the diffuse-decay pass.
type DiffusionConfig struct {
	Kind    string      `yaml:"kind" toml:"kind"`       // identity, box, custom, gaussian
	Radius  int         `yaml:"radius" toml:"radius"`   // box radius in cells (1 = 3x3)
	Sigma   float64     `yaml:"sigma" toml:"sigma"`     // gaussian standard deviation in cells
	Weights [][]float64 `yaml:"weights" toml:"weights"` // custom odd-sized square kernel
}

// Field initialization kinds.
const (
	InitZero    = "zero"
	InitUniform = "uniform"
	InitNoise   = "noise"
)

// FieldInitConfig describes how a channel is filled before the first iteration.
type FieldInitConfig struct {
	Kind      string  `yaml:"kind" toml:"kind"`           // zero, uniform, noise
	Amplitude float64 `yaml:"amplitude" toml:"amplitude"` // upper bound of initial values
	Scale     float64 `yaml:"scale" toml:"scale"`         // noise frequency in cycles per cell
}

// ChannelConfig declares a trail channel. Nil overrides fall back to Trail.
type ChannelConfig struct {
	Name      string           `yaml:"name" toml:"name"`
	Decay     *float64         `yaml:"decay,omitempty" toml:"decay,omitempty"`
	Diffusion *DiffusionConfig `yaml:"diffusion,omitempty" toml:"diffusion,omitempty"`
	Init      FieldInitConfig  `yaml:"init" toml:"init"`
}

// PopulationConfig holds the motion and sensing parameters of one population.
// Angles are in degrees; distances in cells.
type PopulationConfig struct {
	Name           string             `yaml:"name" toml:"name"`
	Agents         int                `yaml:"agents" toml:"agents"`
	Channel        string             `yaml:"channel" toml:"channel"` // deposit channel (default: population name)
	SensorAngle    float64            `yaml:"sensor_angle" toml:"sensor_angle"`
	SensorDistance float64            `yaml:"sensor_distance" toml:"sensor_distance"`
	RotationAngle  float64            `yaml:"rotation_angle" toml:"rotation_angle"`
	StepSize       float64            `yaml:"step_size" toml:"step_size"`
	Deposit        float64            `yaml:"deposit" toml:"deposit"`
	Sensitivity    map[string]float64 `yaml:"sensitivity" toml:"sensitivity"` // channel -> weight (default: own channel +1)
	Spawn          SpawnConfig        `yaml:"spawn" toml:"spawn"`
	Randomize      bool               `yaml:"randomize" toml:"randomize"` // draw motion parameters at construction
}

// Spawn distribution kinds.
const (
	SpawnUniform  = "uniform"
	SpawnPoint    = "point"
	SpawnDisk     = "disk"
	SpawnRing     = "ring"
	SpawnGaussian = "gaussian"
)

// Heading modes for spawned agents.
const (
	HeadingRandom  = "random"
	HeadingFixed   = "fixed"
	HeadingInward  = "inward"
	HeadingOutward = "outward"
)

// SpawnConfig describes the initial spatial distribution of a population.
type SpawnConfig struct {
	Kind         string   `yaml:"kind" toml:"kind"`
	X            *float64 `yaml:"x,omitempty" toml:"x,omitempty"` // centre (default: grid centre)
	Y            *float64 `yaml:"y,omitempty" toml:"y,omitempty"`
	Radius       float64  `yaml:"radius" toml:"radius"`
	Heading      string   `yaml:"heading" toml:"heading"`
	HeadingAngle float64  `yaml:"heading_angle" toml:"heading_angle"` // degrees, used by "fixed"
}

// SourceConfig is a fixed attractant source depositing every iteration.
type SourceConfig struct {
	Channel string  `yaml:"channel" toml:"channel"`
	X       float64 `yaml:"x" toml:"x"`
	Y       float64 `yaml:"y" toml:"y"`
	Radius  float64 `yaml:"radius" toml:"radius"`
	Amount  float64 `yaml:"amount" toml:"amount"`
}

// Engine option values.
const (
	TrigExact = "exact"
	TrigFast  = "fast"

	DepositBuffered = "buffered"
	DepositAtomic   = "atomic"

	SamplingNearest  = "nearest"
	SamplingBilinear = "bilinear"
)

// EngineConfig holds execution parameters that do not change the model.
type EngineConfig struct {
	Workers         int    `yaml:"workers" toml:"workers"` // 0 = GOMAXPROCS
	Trig            string `yaml:"trig" toml:"trig"`
	DepositMode     string `yaml:"deposit_mode" toml:"deposit_mode"`
	Sampling        string `yaml:"sampling" toml:"sampling"`
	CheckInvariants bool   `yaml:"check_invariants" toml:"check_invariants"`
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsEvery        int     `yaml:"stats_every" toml:"stats_every"`               // iterations between stats windows
	PerfWindow        int     `yaml:"perf_window" toml:"perf_window"`               // iterations averaged by the perf collector
	CoverageThreshold float64 `yaml:"coverage_threshold" toml:"coverage_threshold"` // cells above this count as covered
}

// DerivedConfig holds values resolved from the loaded config.
type DerivedConfig struct {
	ChannelIndex map[string]int
	Channels     []DerivedChannel
	Populations  []DerivedPopulation
}

// DerivedChannel is a channel with its overrides resolved.
type DerivedChannel struct {
	Name      string
	Decay     float32
	Diffusion DiffusionConfig
	Init      FieldInitConfig
}

// DerivedPopulation holds the immutable runtime parameters of a population.
// Angles are in radians; Weights is indexed by channel id.
type DerivedPopulation struct {
	Name           string
	Agents         int
	Channel        int
	SensorAngle    float32
	SensorDistance float32
	RotationAngle  float32
	StepSize       float32
	Deposit        float32
	Weights        []float32
	Randomize      bool
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// DefaultsYAML returns the embedded defaults document.
func DefaultsYAML() []byte {
	return append([]byte(nil), defaultsYAML...)
}

// Default returns a fresh copy of the embedded defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML or TOML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used. The format is chosen by
// extension (.toml selects TOML, anything else YAML).
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := decodeTOML(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	return cfg, nil
}

// decodeTOML overlays a TOML document onto cfg. TOML decoding reuses existing
// slice elements, so list sections present in the document are cleared first
// to match the YAML overlay, where a list replaces the default list.
func decodeTOML(data []byte, cfg *Config) error {
	var top map[string]any
	if _, err := toml.Decode(string(data), &top); err != nil {
		return err
	}
	if _, ok := top["channels"]; ok {
		cfg.Channels = nil
	}
	if _, ok := top["populations"]; ok {
		cfg.Populations = nil
	}
	if _, ok := top["sources"]; ok {
		cfg.Sources = nil
	}
	_, err := toml.Decode(string(data), cfg)
	return err
}

// applyDefaults fills optional fields that have a natural default.
func (c *Config) applyDefaults() {
	for i := range c.Populations {
		pop := &c.Populations[i]
		if pop.Channel == "" {
			pop.Channel = pop.Name
		}
		if len(pop.Sensitivity) == 0 && pop.Channel != "" {
			pop.Sensitivity = map[string]float64{pop.Channel: 1}
		}
		if pop.Spawn.Kind == "" {
			pop.Spawn.Kind = SpawnUniform
		}
		if pop.Spawn.Heading == "" {
			pop.Spawn.Heading = HeadingRandom
		}
	}
	for i := range c.Channels {
		if c.Channels[i].Init.Kind == "" {
			c.Channels[i].Init.Kind = InitZero
		}
	}
	if c.Trail.Diffusion.Kind == "" {
		c.Trail.Diffusion.Kind = KernelBox
	}
	if c.Engine.Trig == "" {
		c.Engine.Trig = TrigExact
	}
	if c.Engine.DepositMode == "" {
		c.Engine.DepositMode = DepositBuffered
	}
	if c.Engine.Sampling == "" {
		c.Engine.Sampling = SamplingNearest
	}
}

// Clone returns a deep copy of the configuration without derived values.
func (c *Config) Clone() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: marshaling for clone: %v", err))
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config: unmarshaling clone: %v", err))
	}
	return out
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
