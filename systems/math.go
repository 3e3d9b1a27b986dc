package systems

import "math"

const twoPi = 2 * math.Pi

// Wrap maps any finite coordinate onto [0, size).
func Wrap(v float32, size int) float32 {
	s := float32(size)
	if v >= 0 && v < s {
		return v
	}
	r := float32(math.Mod(float64(v), float64(size)))
	if r < 0 {
		r += s
	}
	// -tiny + s rounds up to s in float32
	if r >= s {
		r = 0
	}
	return r
}

// ModInt returns a mod m in [0, m).
func ModInt(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// NormalizeHeading maps an angle onto [0, 2π).
func NormalizeHeading(a float32) float32 {
	if a >= 0 && a < twoPi {
		return a
	}
	r := float32(math.Mod(float64(a), twoPi))
	if r < 0 {
		r += twoPi
	}
	if r >= twoPi {
		r = 0
	}
	return r
}

// normalizeAngle maps an angle onto [-π, π].
func normalizeAngle(a float32) float32 {
	if a > 4*math.Pi || a < -4*math.Pi {
		a = float32(math.Mod(float64(a), twoPi))
	}
	for a > math.Pi {
		a -= twoPi
	}
	for a < -math.Pi {
		a += twoPi
	}
	return a
}

// Hash mixes a seed, an iteration and an agent id into 64 random bits
// (splitmix64 finalizer). Used for per-agent coin flips without shared state.
func Hash(seed int64, iteration uint64, id uint64) uint64 {
	z := uint64(seed) ^ (iteration * 0x9e3779b97f4a7c15) ^ (id * 0xc2b2ae3d27d4eb4f)
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
