package telemetry

import (
	"log/slog"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Phase identifies one stage of a simulation step.
type Phase uint8

// Step phases, in execution order.
const (
	PhaseSenseMap Phase = iota
	PhaseAgents
	PhaseDeposit
	PhaseDiffuse
	PhaseInvariants

	NumPhases
)

var phaseNames = [NumPhases]string{
	PhaseSenseMap:   "sense_map",
	PhaseAgents:     "agents",
	PhaseDeposit:    "deposit",
	PhaseDiffuse:    "diffuse",
	PhaseInvariants: "invariants",
}

func (p Phase) String() string {
	if p < NumPhases {
		return phaseNames[p]
	}
	return "unknown"
}

// stepSample is the timing of one step.
type stepSample struct {
	total  time.Duration
	phases [NumPhases]time.Duration
}

// PerfCollector keeps step timings over a rolling window of iterations.
// It is not safe for concurrent use; the simulation drives it under its lock.
type PerfCollector struct {
	ring  []stepSample
	next  int
	count int

	cur        stepSample
	stepStart  time.Time
	phaseStart time.Time
	phase      Phase
	inPhase    bool
}

// NewPerfCollector creates a collector averaging over window iterations.
func NewPerfCollector(window int) *PerfCollector {
	if window < 1 {
		window = 60
	}
	return &PerfCollector{ring: make([]stepSample, window)}
}

// StartTick begins timing a step.
func (p *PerfCollector) StartTick() {
	p.stepStart = time.Now()
	p.cur = stepSample{}
	p.inPhase = false
}

// StartPhase closes the running phase, if any, and opens the next one.
func (p *PerfCollector) StartPhase(phase Phase) {
	now := time.Now()
	p.closePhase(now)
	p.phase = phase
	p.phaseStart = now
	p.inPhase = phase < NumPhases
}

// EndTick closes the step and stores it in the window.
func (p *PerfCollector) EndTick() {
	now := time.Now()
	p.closePhase(now)
	p.cur.total = now.Sub(p.stepStart)

	p.ring[p.next] = p.cur
	p.next = (p.next + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
}

func (p *PerfCollector) closePhase(now time.Time) {
	if p.inPhase {
		p.cur.phases[p.phase] += now.Sub(p.phaseStart)
		p.inPhase = false
	}
}

// PopulationSize names a population and its agent count.
type PopulationSize struct {
	Name   string
	Agents int
}

// PopulationThroughput is the agent update rate of one population.
type PopulationThroughput struct {
	Name         string
	Agents       int
	AgentsPerSec float64
}

// PerfStats summarizes the timing window.
type PerfStats struct {
	Window int // steps in the window

	AvgTickDuration time.Duration
	MinTickDuration time.Duration
	MaxTickDuration time.Duration
	P95TickDuration time.Duration

	PhaseAvg [NumPhases]time.Duration
	PhasePct [NumPhases]float64 // share of the average step

	TicksPerSecond float64
	AgentsPerSec   float64
	Populations    []PopulationThroughput
}

// Stats summarizes the window. Throughput is reported for each population
// and in total, assuming every agent moves once per step.
func (p *PerfCollector) Stats(pops []PopulationSize) PerfStats {
	st := PerfStats{Window: p.count}
	if p.count == 0 {
		return st
	}

	ticks := make([]float64, p.count)
	var total time.Duration
	var phaseSum [NumPhases]time.Duration
	for i, s := range p.ring[:p.count] {
		ticks[i] = float64(s.total)
		total += s.total
		for ph, d := range s.phases {
			phaseSum[ph] += d
		}
	}
	sort.Float64s(ticks)

	st.AvgTickDuration = total / time.Duration(p.count)
	st.MinTickDuration = time.Duration(ticks[0])
	st.MaxTickDuration = time.Duration(ticks[len(ticks)-1])
	st.P95TickDuration = time.Duration(stat.Quantile(0.95, stat.Empirical, ticks, nil))

	for ph := range phaseSum {
		st.PhaseAvg[ph] = phaseSum[ph] / time.Duration(p.count)
		if st.AvgTickDuration > 0 {
			st.PhasePct[ph] = float64(st.PhaseAvg[ph]) / float64(st.AvgTickDuration) * 100
		}
	}

	if st.AvgTickDuration > 0 {
		st.TicksPerSecond = float64(time.Second) / float64(st.AvgTickDuration)
	}
	st.Populations = make([]PopulationThroughput, len(pops))
	for i, pop := range pops {
		rate := st.TicksPerSecond * float64(pop.Agents)
		st.Populations[i] = PopulationThroughput{Name: pop.Name, Agents: pop.Agents, AgentsPerSec: rate}
		st.AgentsPerSec += rate
	}
	return st
}

// LogStats logs the window summary at info level.
func (s PerfStats) LogStats() {
	slog.Info("perf", "stats", s)
}

// LogValue implements slog.LogValuer. Phases taking under 0.1% of a step
// are omitted.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("window", s.Window),
		slog.Int64("avg_tick_us", s.AvgTickDuration.Microseconds()),
		slog.Int64("p95_tick_us", s.P95TickDuration.Microseconds()),
		slog.Int64("max_tick_us", s.MaxTickDuration.Microseconds()),
		slog.Float64("ticks_per_sec", s.TicksPerSecond),
		slog.Int64("agents_per_sec", int64(s.AgentsPerSec)),
	}
	for ph := Phase(0); ph < NumPhases; ph++ {
		if pct := s.PhasePct[ph]; pct > 0.1 {
			attrs = append(attrs, slog.Float64(ph.String()+"_pct", float64(int(pct*10))/10))
		}
	}
	if len(s.Populations) > 1 {
		pops := make([]slog.Attr, len(s.Populations))
		for i, p := range s.Populations {
			pops[i] = slog.Int64(p.Name, int64(p.AgentsPerSec))
		}
		attrs = append(attrs, slog.Attr{Key: "population_agents_per_sec", Value: slog.GroupValue(pops...)})
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is one row of perf.csv.
type PerfStatsCSV struct {
	WindowEnd     int64   `csv:"window_end"`
	Window        int     `csv:"window"`
	AvgTickUS     int64   `csv:"avg_tick_us"`
	MinTickUS     int64   `csv:"min_tick_us"`
	MaxTickUS     int64   `csv:"max_tick_us"`
	P95TickUS     int64   `csv:"p95_tick_us"`
	TicksPerSec   float64 `csv:"ticks_per_sec"`
	AgentsPerSec  float64 `csv:"agents_per_sec"`
	SenseMapPct   float64 `csv:"sense_map_pct"`
	AgentsPct     float64 `csv:"agents_pct"`
	DepositPct    float64 `csv:"deposit_pct"`
	DiffusePct    float64 `csv:"diffuse_pct"`
	InvariantsPct float64 `csv:"invariants_pct"`
}

// ToCSV flattens the summary for the window ending at iteration windowEnd.
func (s PerfStats) ToCSV(windowEnd int64) PerfStatsCSV {
	return PerfStatsCSV{
		WindowEnd:     windowEnd,
		Window:        s.Window,
		AvgTickUS:     s.AvgTickDuration.Microseconds(),
		MinTickUS:     s.MinTickDuration.Microseconds(),
		MaxTickUS:     s.MaxTickDuration.Microseconds(),
		P95TickUS:     s.P95TickDuration.Microseconds(),
		TicksPerSec:   s.TicksPerSecond,
		AgentsPerSec:  s.AgentsPerSec,
		SenseMapPct:   s.PhasePct[PhaseSenseMap],
		AgentsPct:     s.PhasePct[PhaseAgents],
		DepositPct:    s.PhasePct[PhaseDeposit],
		DiffusePct:    s.PhasePct[PhaseDiffuse],
		InvariantsPct: s.PhasePct[PhaseInvariants],
	}
}
