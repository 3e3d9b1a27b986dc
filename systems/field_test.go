package systems

import (
	"math"
	"sync"
	"testing"
)

func TestGridSampleWraps(t *testing.T) {
	f := NewTrailField(64, 32)
	f.Set(5, 7, 3)

	tests := []struct {
		name string
		x, y float32
	}{
		{"in bounds", 5.2, 7.9},
		{"x far out", 3*64 + 5.5, 7},
		{"negative", 5 - 64, 7 - 32},
		{"both far", -10*64 + 5, 4*32 + 7.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Sample(tt.x, tt.y); got != 3 {
				t.Errorf("Sample(%v, %v) = %v, want 3", tt.x, tt.y, got)
			}
		})
	}
}

func TestSampleBilinear(t *testing.T) {
	f := NewTrailField(8, 8)
	f.Set(0, 0, 2)
	f.Set(1, 0, 4)
	f.Set(7, 0, 6)

	// Cell centre returns the cell value
	if got := f.SampleBilinear(1.5, 0.5); got != 4 {
		t.Errorf("centre sample = %v, want 4", got)
	}
	// Halfway between cells 0 and 1
	if got := f.SampleBilinear(1.0, 0.5); math.Abs(float64(got-3)) > 1e-6 {
		t.Errorf("midpoint sample = %v, want 3", got)
	}
	// Wraps across the left edge between cells 7 and 0
	if got := f.SampleBilinear(0, 0.5); math.Abs(float64(got-4)) > 1e-6 {
		t.Errorf("edge sample = %v, want 4", got)
	}
}

func TestDepositPendingUntilCommit(t *testing.T) {
	f := NewTrailField(16, 16)
	f.Deposit(3.7, 4.2, 5)

	if got := f.Sample(3, 4); got != 0 {
		t.Fatalf("deposit visible before commit: %v", got)
	}
	if got := f.Pending(f.Index(3, 4)); got != 5 {
		t.Fatalf("pending = %v, want 5", got)
	}

	f.Commit()
	if got := f.Sample(3, 4); got != 5 {
		t.Errorf("after commit = %v, want 5", got)
	}
	if got := f.Pending(f.Index(3, 4)); got != 0 {
		t.Errorf("pending not cleared: %v", got)
	}
}

func TestConcurrentDeposit(t *testing.T) {
	f := NewTrailField(4, 4)
	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				f.Deposit(1, 1, 1)
			}
		}()
	}
	wg.Wait()
	f.Commit()

	if got := f.At(1, 1); got != workers*perWorker {
		t.Errorf("cell = %v, want %d", got, workers*perWorker)
	}
}

func TestCheckFinite(t *testing.T) {
	tests := []struct {
		name string
		v    float32
		bad  bool
	}{
		{"ok", 1, false},
		{"nan", float32(math.NaN()), true},
		{"inf", float32(math.Inf(1)), true},
		{"negative", -0.1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewTrailField(4, 4)
			f.Set(2, 3, tt.v)
			idx := f.CheckFinite()
			if tt.bad && idx != 3*4+2 {
				t.Errorf("CheckFinite = %d, want %d", idx, 3*4+2)
			}
			if !tt.bad && idx != -1 {
				t.Errorf("CheckFinite = %d, want -1", idx)
			}
		})
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	f := NewTrailField(4, 4)
	f.Set(0, 0, 1)
	snap := f.Snapshot()
	f.Set(0, 0, 9)
	if snap.At(0, 0) != 1 {
		t.Errorf("snapshot aliased field data")
	}
}

func TestGridStats(t *testing.T) {
	g := NewGrid(10, 10)
	for i := range g.Data {
		g.Data[i] = float32(i)
	}
	if got := g.Mass(); got != 4950 {
		t.Errorf("Mass = %v, want 4950", got)
	}
	if got := g.Max(); got != 99 {
		t.Errorf("Max = %v, want 99", got)
	}
	if got := g.Quantile(1); got != 99 {
		t.Errorf("Quantile(1) = %v, want 99", got)
	}
	if got := g.Quantile(0.5); got < 49 || got > 50 {
		t.Errorf("Quantile(0.5) = %v, want ~49.5", got)
	}
}
