package sim

import "github.com/pthm-cable/physarum/systems"

// Agent is the pose of one agent. Position is in cells, heading in radians.
type Agent struct {
	X, Y    float32
	Heading float32
}

// AgentRecord is an agent together with its population membership.
type AgentRecord struct {
	Population string
	Index      int
	Agent
}

// deposit is one buffered trail deposit.
type deposit struct {
	cell   int32
	amount float32
}

// stepAgent senses, turns, moves and returns the new pose.
// A zero step size re-orients without translating.
func (p *Population) stepAgent(a Agent, view systems.Grid, coin uint64) Agent {
	l, c, r := p.sensor.Sense(view, a.X, a.Y, a.Heading)

	heading := a.Heading
	switch systems.Decide(l, c, r, coin) {
	case systems.TurnLeft:
		heading -= p.Params.RotationAngle
	case systems.TurnRight:
		heading += p.Params.RotationAngle
	}
	heading = systems.NormalizeHeading(heading)

	next := Agent{X: a.X, Y: a.Y, Heading: heading}
	if p.Params.StepSize != 0 {
		sin, cos := p.sensor.Trig.Sincos(heading)
		next.X = systems.Wrap(a.X+p.Params.StepSize*cos, view.W)
		next.Y = systems.Wrap(a.Y+p.Params.StepSize*sin, view.H)
	}
	return next
}
