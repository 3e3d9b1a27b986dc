package systems

import (
	"math"
	"math/rand"

	"github.com/pthm-cable/physarum/config"
)

// Spawner places agents according to a spawn distribution.
type Spawner struct {
	cfg    config.SpawnConfig
	w, h   int
	cx, cy float64
}

// NewSpawner resolves the centre of cfg on a w x h grid. A missing centre
// defaults to the grid centre.
func NewSpawner(cfg config.SpawnConfig, w, h int) Spawner {
	s := Spawner{cfg: cfg, w: w, h: h, cx: float64(w) / 2, cy: float64(h) / 2}
	if cfg.X != nil {
		s.cx = *cfg.X
	}
	if cfg.Y != nil {
		s.cy = *cfg.Y
	}
	return s
}

// Place draws a wrapped position and a heading in [0, 2π).
func (s Spawner) Place(rng *rand.Rand) (x, y, heading float32) {
	var dx, dy float64
	switch s.cfg.Kind {
	case config.SpawnPoint:
	case config.SpawnDisk:
		// sqrt keeps the density uniform over the disk area
		r := s.cfg.Radius * math.Sqrt(rng.Float64())
		a := rng.Float64() * twoPi
		dx, dy = r*math.Cos(a), r*math.Sin(a)
	case config.SpawnRing:
		a := rng.Float64() * twoPi
		dx, dy = s.cfg.Radius*math.Cos(a), s.cfg.Radius*math.Sin(a)
	case config.SpawnGaussian:
		dx, dy = rng.NormFloat64()*s.cfg.Radius, rng.NormFloat64()*s.cfg.Radius
	default:
		x = Wrap(float32(rng.Float64()*float64(s.w)), s.w)
		y = Wrap(float32(rng.Float64()*float64(s.h)), s.h)
		dx, dy = float64(x)-s.cx, float64(y)-s.cy
		return x, y, s.heading(rng, dx, dy)
	}
	x = Wrap(float32(s.cx+dx), s.w)
	y = Wrap(float32(s.cy+dy), s.h)
	return x, y, s.heading(rng, dx, dy)
}

// heading picks a direction given the offset from the spawn centre.
func (s Spawner) heading(rng *rand.Rand, dx, dy float64) float32 {
	switch s.cfg.Heading {
	case config.HeadingFixed:
		return NormalizeHeading(float32(s.cfg.HeadingAngle * math.Pi / 180))
	case config.HeadingInward, config.HeadingOutward:
		if dx == 0 && dy == 0 {
			break
		}
		a := math.Atan2(dy, dx)
		if s.cfg.Heading == config.HeadingInward {
			a += math.Pi
		}
		return NormalizeHeading(float32(a))
	}
	return NormalizeHeading(float32(rng.Float64() * twoPi))
}
