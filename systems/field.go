package systems

import (
	"math"
	"slices"
	"sync/atomic"
	"unsafe"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/stat"
)

// Grid is a toroidal W x H lattice of float32 values stored row-major.
// Continuous coordinates address cell (floor(x), floor(y)) after wrapping.
type Grid struct {
	W, H int
	Data []float32
}

// NewGrid allocates a zeroed grid.
func NewGrid(w, h int) Grid {
	return Grid{W: w, H: h, Data: make([]float32, w*h)}
}

// Index returns the row-major index of the cell containing (x, y).
func (g Grid) Index(x, y float32) int {
	ix := int(Wrap(x, g.W))
	iy := int(Wrap(y, g.H))
	return iy*g.W + ix
}

// At returns the value of cell (ix, iy), wrapping integer coordinates.
func (g Grid) At(ix, iy int) float32 {
	return g.Data[ModInt(iy, g.H)*g.W+ModInt(ix, g.W)]
}

// Sample returns the value of the cell containing (x, y).
func (g Grid) Sample(x, y float32) float32 {
	return g.Data[g.Index(x, y)]
}

// SampleBilinear interpolates between the four nearest cell centres.
// Cell centres sit at integer + 0.5.
func (g Grid) SampleBilinear(x, y float32) float32 {
	fx := Wrap(x, g.W) - 0.5
	fy := Wrap(y, g.H) - 0.5

	x0f := float32(math.Floor(float64(fx)))
	y0f := float32(math.Floor(float64(fy)))
	tx := fx - x0f
	ty := fy - y0f

	x0 := ModInt(int(x0f), g.W)
	y0 := ModInt(int(y0f), g.H)
	x1 := ModInt(x0+1, g.W)
	y1 := ModInt(y0+1, g.H)

	r0 := y0 * g.W
	r1 := y1 * g.W
	a := g.Data[r0+x0] + (g.Data[r0+x1]-g.Data[r0+x0])*tx
	b := g.Data[r1+x0] + (g.Data[r1+x1]-g.Data[r1+x0])*tx
	return a + (b-a)*ty
}

// Mass returns the sum of all cells, accumulated in float64.
func (g Grid) Mass() float64 {
	var sum float64
	for _, v := range g.Data {
		sum += float64(v)
	}
	return sum
}

// Max returns the largest cell value.
func (g Grid) Max() float32 {
	if len(g.Data) == 0 {
		return 0
	}
	return slices.Max(g.Data)
}

// Quantile returns the empirical quantile of the cell values for a fraction
// in [0, 1], e.g. 0.99 for a normalisation ceiling that ignores hot spots.
func (g Grid) Quantile(fraction float64) float64 {
	if len(g.Data) == 0 {
		return 0
	}
	fraction = min(max(fraction, 0), 1)
	sorted := make([]float64, len(g.Data))
	for i, v := range g.Data {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)
	return stat.Quantile(fraction, stat.Empirical, sorted, nil)
}

// Clone returns a deep copy.
func (g Grid) Clone() Grid {
	return Grid{W: g.W, H: g.H, Data: slices.Clone(g.Data)}
}

// vector wraps the grid data for blas32.
func (g Grid) vector() blas32.Vector {
	return blas32.Vector{N: len(g.Data), Inc: 1, Data: g.Data}
}

// TrailField is one chemoattractant channel. Committed values are what agents
// sense; deposits accumulate in a pending buffer until Commit.
type TrailField struct {
	Grid

	pending []float32
	tmp     []float32
}

// NewTrailField allocates a zeroed field.
func NewTrailField(w, h int) *TrailField {
	return &TrailField{
		Grid:    NewGrid(w, h),
		pending: make([]float32, w*h),
		tmp:     make([]float32, w*h),
	}
}

// Set overwrites cell (ix, iy) of the committed buffer.
func (f *TrailField) Set(ix, iy int, v float32) {
	f.Data[ModInt(iy, f.H)*f.W+ModInt(ix, f.W)] = v
}

// Deposit adds amount to the pending cell containing (x, y).
// Safe for concurrent callers.
func (f *TrailField) Deposit(x, y, amount float32) {
	f.DepositIndex(f.Index(x, y), amount)
}

// DepositIndex atomically adds amount to pending cell i.
func (f *TrailField) DepositIndex(i int, amount float32) {
	atomicAddFloat32(&f.pending[i], amount)
}

// AddPending adds amount to pending cell i without synchronisation.
func (f *TrailField) AddPending(i int, amount float32) {
	f.pending[i] += amount
}

// Pending returns the pending value of cell i.
func (f *TrailField) Pending(i int) float32 {
	return f.pending[i]
}

// Commit folds pending deposits into the committed buffer and clears them.
func (f *TrailField) Commit() {
	pending := blas32.Vector{N: len(f.pending), Inc: 1, Data: f.pending}
	blas32.Axpy(1, pending, f.vector())
	clear(f.pending)
}

// DiffuseDecay replaces every cell with decay * blur(cell). The kernel reads
// only the pre-pass values; the result is swapped in afterwards.
func (f *TrailField) DiffuseDecay(k Kernel, decay float32, pool *WorkerPool) {
	k.Blur(f.tmp, f.Data, f.W, f.H, decay, pool)
	f.Data, f.tmp = f.tmp, f.Data
}

// Snapshot returns a copy of the committed values.
func (f *TrailField) Snapshot() Grid {
	return f.Grid.Clone()
}

// View returns the committed values without copying. Callers must not write.
func (f *TrailField) View() Grid {
	return f.Grid
}

// Reset zeroes committed and pending values.
func (f *TrailField) Reset() {
	clear(f.Data)
	clear(f.pending)
}

// CheckFinite returns the index of the first cell that is NaN, infinite or
// negative, or -1 if every cell is valid.
func (f *TrailField) CheckFinite() int {
	for i, v := range f.Data {
		if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return i
		}
	}
	return -1
}

// atomicAddFloat32 adds delta to *addr with a compare-and-swap loop.
func atomicAddFloat32(addr *float32, delta float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		next := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(p, old, next) {
			return
		}
	}
}
