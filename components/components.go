// Package components defines ECS components for the simulation.
package components

// Position is an agent's continuous position in cell units.
// Always wrapped into [0,W) x [0,H).
type Position struct {
	X, Y float32
}

// Heading is an agent's direction of travel.
type Heading struct {
	Angle float32 // radians, [0, 2π)
}

// Membership ties an agent to its population.
type Membership struct {
	Population uint16 // index into the simulation's population list
	Index      uint32 // position within the population, stable for the run
}
