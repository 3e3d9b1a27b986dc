package systems

import (
	"fmt"
	"math"

	"github.com/pthm-cable/physarum/config"
)

// FastTrigMaxError bounds |FastTrig - math| over all finite inputs.
const FastTrigMaxError = 0.002

// Trig computes sine and cosine for agent headings.
type Trig interface {
	Sincos(x float32) (sin, cos float32)
}

// ExactTrig uses the math package.
type ExactTrig struct{}

func (ExactTrig) Sincos(x float32) (float32, float32) {
	s, c := math.Sincos(float64(x))
	return float32(s), float32(c)
}

// FastTrig uses a corrected parabola approximation. It avoids float64
// conversions at the cost of at most FastTrigMaxError absolute error.
type FastTrig struct{}

func (FastTrig) Sincos(x float32) (float32, float32) {
	return fastSin(x), fastCos(x)
}

// NewTrig returns the trig strategy named by kind.
func NewTrig(kind string) (Trig, error) {
	switch kind {
	case config.TrigExact, "":
		return ExactTrig{}, nil
	case config.TrigFast:
		return FastTrig{}, nil
	default:
		return nil, fmt.Errorf("unknown trig strategy %q", kind)
	}
}

// fastSin approximates sin(x) using a polynomial. Accurate to ~0.001 for all x.
func fastSin(x float32) float32 {
	// Normalize to [-π, π]
	x = normalizeAngle(x)
	const pi = math.Pi
	const pi2 = pi * pi
	ax := x
	if ax < 0 {
		ax = -ax
	}
	y := 4 * x * (pi - ax) / pi2
	return 0.225*(y*absf(y)-y) + y
}

// fastCos approximates cos(x) using fastSin.
func fastCos(x float32) float32 {
	return fastSin(x + math.Pi/2)
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
