package main

import (
	"fmt"

	"github.com/pthm-cable/physarum/config"
)

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name    string  // Human-readable name
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the motion parameters of one population.
type ParamVector struct {
	Specs []ParamSpec
}

// Parameter order used by every vector.
const (
	paramSensorAngle = iota
	paramSensorDistance
	paramRotationAngle
	paramStepSize
)

// NewParamVector creates the standard set of optimizable parameters.
// Angles are in degrees, as in the configuration file.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			paramSensorAngle:    {Name: "sensor_angle", Min: 5, Max: 90, Default: 22.5},
			paramSensorDistance: {Name: "sensor_distance", Min: 1, Max: 32, Default: 9},
			paramRotationAngle:  {Name: "rotation_angle", Min: 5, Max: 90, Default: 45},
			paramStepSize:       {Name: "step_size", Min: config.RandomStepSizeMin, Max: config.RandomStepSizeMax, Default: 1},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// FromPopulation reads the current values of a population, clamped to bounds.
func (pv *ParamVector) FromPopulation(p config.PopulationConfig) []float64 {
	v := make([]float64, len(pv.Specs))
	v[paramSensorAngle] = p.SensorAngle
	v[paramSensorDistance] = p.SensorDistance
	v[paramRotationAngle] = p.RotationAngle
	v[paramStepSize] = p.StepSize
	return pv.Clamp(v)
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig writes clamped values into the named population. Randomized
// parameters are switched off so the values take effect.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, population string, values []float64) error {
	idx := -1
	for i := range cfg.Populations {
		if cfg.Populations[i].Name == population {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("population %q not found", population)
	}

	clamped := pv.Clamp(values)
	p := &cfg.Populations[idx]
	p.SensorAngle = clamped[paramSensorAngle]
	p.SensorDistance = clamped[paramSensorDistance]
	p.RotationAngle = clamped[paramRotationAngle]
	p.StepSize = clamped[paramStepSize]
	p.Randomize = false
	return nil
}
