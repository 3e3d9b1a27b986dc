package systems

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/pthm-cable/physarum/config"
)

// Kernel is a normalised, non-negative blur on the torus.
type Kernel interface {
	// Blur writes decay * blur(src) into dst. src is left untouched.
	Blur(dst, src []float32, w, h int, decay float32, pool *WorkerPool)
}

// NewKernel builds the kernel described by cfg.
func NewKernel(cfg config.DiffusionConfig) (Kernel, error) {
	switch cfg.Kind {
	case config.KernelIdentity:
		return IdentityKernel{}, nil
	case config.KernelBox, "":
		if cfg.Radius < 0 {
			return nil, fmt.Errorf("box radius %d is negative", cfg.Radius)
		}
		if cfg.Radius == 0 {
			return IdentityKernel{}, nil
		}
		n := 2*cfg.Radius + 1
		weights := make([][]float64, n)
		for i := range weights {
			weights[i] = make([]float64, n)
			for j := range weights[i] {
				weights[i][j] = 1
			}
		}
		return NewStencilKernel(weights)
	case config.KernelCustom:
		return NewStencilKernel(cfg.Weights)
	case config.KernelGaussian:
		if !(cfg.Sigma > 0) || math.IsInf(cfg.Sigma, 0) {
			return nil, fmt.Errorf("gaussian sigma %v must be positive", cfg.Sigma)
		}
		return NewGaussianKernel(cfg.Sigma), nil
	default:
		return nil, fmt.Errorf("unknown kernel %q", cfg.Kind)
	}
}

// IdentityKernel applies decay only.
type IdentityKernel struct{}

func (IdentityKernel) Blur(dst, src []float32, _, _ int, decay float32, _ *WorkerPool) {
	d := blas32.Vector{N: len(dst), Inc: 1, Data: dst}
	blas32.Copy(blas32.Vector{N: len(src), Inc: 1, Data: src}, d)
	if decay != 1 {
		blas32.Scal(decay, d)
	}
}

// StencilKernel is an explicit odd-sized square weight matrix, normalised by
// its sum.
type StencilKernel struct {
	radius  int
	weights []float32 // row-major (2r+1)^2
}

// NewStencilKernel validates and normalises weights.
func NewStencilKernel(weights [][]float64) (*StencilKernel, error) {
	n := len(weights)
	if n == 0 || n%2 == 0 {
		return nil, fmt.Errorf("kernel must be an odd-sized square matrix, got %d rows", n)
	}
	var sum float64
	for r, row := range weights {
		if len(row) != n {
			return nil, fmt.Errorf("kernel row %d has %d entries, want %d", r, len(row), n)
		}
		for _, w := range row {
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, fmt.Errorf("kernel weight %v must be finite and non-negative", w)
			}
			sum += w
		}
	}
	if sum <= 0 {
		return nil, fmt.Errorf("kernel weights sum to zero")
	}

	k := &StencilKernel{radius: n / 2, weights: make([]float32, 0, n*n)}
	for _, row := range weights {
		for _, w := range row {
			k.weights = append(k.weights, float32(w/sum))
		}
	}
	return k, nil
}

// Radius returns the kernel half-width.
func (k *StencilKernel) Radius() int { return k.radius }

func (k *StencilKernel) Blur(dst, src []float32, w, h int, decay float32, pool *WorkerPool) {
	r := k.radius
	n := 2*r + 1
	xs := wrapTable(w, r)

	pool.Run(h, func(_, start, end int) {
		for y := start; y < end; y++ {
			row := y * w
			for x := 0; x < w; x++ {
				var acc float32
				for ky := 0; ky < n; ky++ {
					srow := ModInt(y+ky-r, h) * w
					kw := k.weights[ky*n : ky*n+n]
					cols := xs[x : x+n]
					for kx, wt := range kw {
						acc += wt * src[srow+cols[kx]]
					}
				}
				dst[row+x] = decay * acc
			}
		}
	})
}

// GaussianKernel approximates a Gaussian of standard deviation sigma with
// three successive box blurs.
type GaussianKernel struct {
	Sigma float64
	boxes [3]int

	scratch []float32
}

// NewGaussianKernel computes the box radii for sigma.
func NewGaussianKernel(sigma float64) *GaussianKernel {
	return &GaussianKernel{Sigma: sigma, boxes: BoxesForGaussian(sigma)}
}

// Boxes returns the box radii used by the three passes.
func (k *GaussianKernel) Boxes() [3]int { return k.boxes }

// BoxesForGaussian returns three box radii whose successive application
// approximates a Gaussian of standard deviation sigma.
func BoxesForGaussian(sigma float64) [3]int {
	const n = 3
	wIdeal := math.Sqrt(12*sigma*sigma/float64(n) + 1)
	wl := int(wIdeal)
	if wl%2 == 0 {
		wl--
	}
	wu := wl + 2

	mIdeal := (12*sigma*sigma - float64(n*wl*wl+4*n*wl+3*n)) / float64(-4*wl-4)
	m := int(math.Round(mIdeal))

	var out [3]int
	for i := range out {
		size := wu
		if i < m {
			size = wl
		}
		out[i] = size / 2
	}
	return out
}

func (k *GaussianKernel) Blur(dst, src []float32, w, h int, decay float32, pool *WorkerPool) {
	if len(k.scratch) != len(src) {
		k.scratch = make([]float32, len(src))
	}
	in := src
	for i, r := range k.boxes {
		d := float32(1)
		if i == len(k.boxes)-1 {
			d = decay
		}
		boxBlurH(k.scratch, in, w, h, r, pool)
		boxBlurV(dst, k.scratch, w, h, r, d, pool)
		in = dst
	}
}

// boxBlurH averages each cell with its r horizontal neighbours on each side.
func boxBlurH(dst, src []float32, w, h, r int, pool *WorkerPool) {
	weight := 1 / float32(2*r+1)
	xs := wrapTable(w, r)

	pool.Run(h, func(_, start, end int) {
		for y := start; y < end; y++ {
			row := y * w
			for x := 0; x < w; x++ {
				var acc float32
				for _, sx := range xs[x : x+2*r+1] {
					acc += src[row+sx]
				}
				dst[row+x] = acc * weight
			}
		}
	})
}

// boxBlurV averages each cell with its r vertical neighbours on each side and
// scales by decay. Parallel over columns.
func boxBlurV(dst, src []float32, w, h, r int, decay float32, pool *WorkerPool) {
	weight := decay / float32(2*r+1)
	ys := wrapTable(h, r)

	pool.Run(w, func(_, start, end int) {
		for x := start; x < end; x++ {
			for y := 0; y < h; y++ {
				var acc float32
				for _, sy := range ys[y : y+2*r+1] {
					acc += src[sy*w+x]
				}
				dst[y*w+x] = acc * weight
			}
		}
	})
}

// wrapTable returns t with t[i] = (i - r) mod size for i in [0, size+2r).
// t[x : x+2r+1] lists the wrapped neighbours of x.
func wrapTable(size, r int) []int {
	t := make([]int, size+2*r)
	for i := range t {
		t[i] = ModInt(i-r, size)
	}
	return t
}
