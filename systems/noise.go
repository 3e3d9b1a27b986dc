package systems

import (
	"fmt"
	"math/rand"

	"github.com/ojrac/opensimplex-go"

	"github.com/pthm-cable/physarum/config"
)

// InitField fills the committed buffer of f as described by cfg. Uniform
// values come from rng; noise is seeded with seed.
func InitField(f *TrailField, cfg config.FieldInitConfig, seed int64, rng *rand.Rand) error {
	switch cfg.Kind {
	case config.InitZero, "":
		clear(f.Data)
	case config.InitUniform:
		amp := float32(cfg.Amplitude)
		for i := range f.Data {
			f.Data[i] = rng.Float32() * amp
		}
	case config.InitNoise:
		noise := opensimplex.NewNormalized32(seed)
		amp := float32(cfg.Amplitude)
		scale := float32(cfg.Scale)
		for y := 0; y < f.H; y++ {
			for x := 0; x < f.W; x++ {
				v := noise.Eval2((float32(x)+0.5)*scale, (float32(y)+0.5)*scale)
				f.Data[y*f.W+x] = min(max(v, 0), 1) * amp
			}
		}
	default:
		return fmt.Errorf("unknown field init %q", cfg.Kind)
	}
	return nil
}
