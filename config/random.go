package config

import (
	"math"
	"math/rand"
)

// Ranges used when a population asks for randomized motion parameters.
const (
	RandomSensorAngleMax    = 120.0 // degrees
	RandomSensorDistanceMax = 64.0  // cells
	RandomRotationAngleMax  = 120.0 // degrees
	RandomStepSizeMin       = 0.2
	RandomStepSizeMax       = 2.0
	RandomDeposit           = 5.0
)

// RandomizePopulation draws motion parameters for p from rng and stores them
// in radians. Sensitivity weights and the deposit channel are kept.
func RandomizePopulation(p *DerivedPopulation, rng *rand.Rand) {
	p.SensorAngle = float32(rng.Float64() * RandomSensorAngleMax * math.Pi / 180)
	// (0, max]: sensor distance must stay positive
	p.SensorDistance = float32((1 - rng.Float64()) * RandomSensorDistanceMax)
	p.RotationAngle = float32(rng.Float64() * RandomRotationAngleMax * math.Pi / 180)
	p.StepSize = float32(RandomStepSizeMin + rng.Float64()*(RandomStepSizeMax-RandomStepSizeMin))
	p.Deposit = RandomDeposit
}
