package systems

// Turn is the steering decision taken from three sensor readings.
type Turn int8

const (
	TurnStraight Turn = iota
	TurnLeft
	TurnRight
)

func (t Turn) String() string {
	switch t {
	case TurnLeft:
		return "left"
	case TurnRight:
		return "right"
	default:
		return "straight"
	}
}

// SensorModel samples a sense map at three points ahead of an agent: at
// heading-Angle (left), heading (centre) and heading+Angle (right), each
// Distance cells away.
type SensorModel struct {
	Angle    float32 // radians
	Distance float32 // cells
	Bilinear bool
	Trig     Trig
}

// Sense returns the left, centre and right readings for an agent at (x, y)
// facing heading.
func (m SensorModel) Sense(g Grid, x, y, heading float32) (l, c, r float32) {
	return m.read(g, x, y, heading-m.Angle),
		m.read(g, x, y, heading),
		m.read(g, x, y, heading+m.Angle)
}

func (m SensorModel) read(g Grid, x, y, angle float32) float32 {
	s, c := m.Trig.Sincos(angle)
	px := x + m.Distance*c
	py := y + m.Distance*s
	if m.Bilinear {
		return g.SampleBilinear(px, py)
	}
	return g.Sample(px, py)
}

// Decide picks a turn from the three readings. When left and right tie above
// centre, the low bit of coin breaks the tie.
func Decide(l, c, r float32, coin uint64) Turn {
	switch {
	case l > c && l > r:
		return TurnLeft
	case r > c && r > l:
		return TurnRight
	case l == r && l > c:
		if coin&1 == 0 {
			return TurnLeft
		}
		return TurnRight
	default:
		return TurnStraight
	}
}
