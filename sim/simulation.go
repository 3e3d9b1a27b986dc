// Package sim runs the multi-population transport network model: agents sense
// and deposit on toroidal trail fields which diffuse and decay every iteration.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/physarum/components"
	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/systems"
	"github.com/pthm-cable/physarum/telemetry"
)

// Channel is one trail field and its diffusion parameters.
type Channel struct {
	Name  string
	Field *systems.TrailField
	Decay float32

	kernel systems.Kernel
	init   config.FieldInitConfig
}

// source deposits a constant amount into a fixed set of cells every iteration.
type source struct {
	channel int
	cells   []int
	amount  float32
}

// Simulation owns the fields, populations, RNG and worker pool.
// All methods are safe for concurrent use; Step serialises with queries.
type Simulation struct {
	mu sync.RWMutex

	cfg       *config.Config
	state     State
	seed      int64
	iteration uint64
	rng       *rand.Rand

	// ECS
	world       *ecs.World
	agentMapper *ecs.Map3[components.Position, components.Heading, components.Membership]
	agentFilter *ecs.Filter3[components.Position, components.Heading, components.Membership]
	posMap      *ecs.Map1[components.Position]
	headMap     *ecs.Map1[components.Heading]

	width, height int
	channels      []*Channel
	populations   []*Population
	sources       []source

	pool            *systems.WorkerPool
	atomicDeposit   bool
	checkInvariants bool
	perf            *telemetry.PerfCollector
}

// New validates a copy of cfg and builds a Ready simulation seeded with
// cfg.Seed. The caller keeps ownership of cfg; later changes to it do not
// affect the simulation.
func New(cfg *config.Config) (*Simulation, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Populations) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many populations (%d)", config.ErrInvalidConfig, len(cfg.Populations))
	}

	trig, err := systems.NewTrig(cfg.Engine.Trig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	s := &Simulation{
		cfg:             cfg,
		seed:            cfg.Seed,
		width:           cfg.Grid.Width,
		height:          cfg.Grid.Height,
		atomicDeposit:   cfg.Engine.DepositMode == config.DepositAtomic,
		checkInvariants: cfg.Engine.CheckInvariants,
		perf:            telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
	}

	for _, dc := range cfg.Derived.Channels {
		k, err := systems.NewKernel(dc.Diffusion)
		if err != nil {
			return nil, fmt.Errorf("%w: channel %q: %v", config.ErrInvalidConfig, dc.Name, err)
		}
		s.channels = append(s.channels, &Channel{
			Name:   dc.Name,
			Field:  systems.NewTrailField(s.width, s.height),
			Decay:  dc.Decay,
			kernel: k,
			init:   dc.Init,
		})
	}

	// Randomized parameters use their own stream so Reset(seed) reproduces New
	paramRNG := rand.New(rand.NewSource(int64(systems.Hash(cfg.Seed, 0, math.MaxUint64))))
	for i, dp := range cfg.Derived.Populations {
		params := dp
		params.Weights = append([]float32(nil), dp.Weights...)
		if params.Randomize {
			config.RandomizePopulation(&params, paramRNG)
		}
		s.populations = append(s.populations, &Population{
			Name:   params.Name,
			Params: params,
			sim:    s,
			index:  uint16(i),
			spawn:  cfg.Populations[i].Spawn,
			sensor: systems.SensorModel{
				Angle:    params.SensorAngle,
				Distance: params.SensorDistance,
				Bilinear: cfg.Engine.Sampling == config.SamplingBilinear,
				Trig:     trig,
			},
		})
	}

	for _, sc := range cfg.Sources {
		s.sources = append(s.sources, source{
			channel: cfg.Derived.ChannelIndex[sc.Channel],
			cells:   diskCells(sc.X, sc.Y, sc.Radius, s.width, s.height),
			amount:  float32(sc.Amount),
		})
	}

	s.pool = systems.NewWorkerPool(cfg.Engine.Workers)
	if err := s.populate(cfg.Seed); err != nil {
		s.pool.Stop()
		return nil, err
	}
	s.state = Ready

	slog.Info("simulation ready",
		"width", s.width,
		"height", s.height,
		"channels", len(s.channels),
		"populations", len(s.populations),
		"agents", s.agentCount(),
		"workers", s.pool.Workers(),
		"seed", s.seed,
	)
	for _, p := range s.populations {
		slog.Debug("population",
			"name", p.Name,
			"agents", p.Len(),
			"sensor_angle", p.Params.SensorAngle,
			"sensor_distance", p.Params.SensorDistance,
			"rotation_angle", p.Params.RotationAngle,
			"step_size", p.Params.StepSize,
			"deposit", p.Params.Deposit,
			"randomized", p.Params.Randomize,
		)
	}
	return s, nil
}

// populate initializes fields and spawns agents from seed.
func (s *Simulation) populate(seed int64) error {
	s.seed = seed
	s.iteration = 0
	s.rng = rand.New(rand.NewSource(seed))

	for i, ch := range s.channels {
		ch.Field.Reset()
		if err := systems.InitField(ch.Field, ch.init, seed+int64(i), s.rng); err != nil {
			return fmt.Errorf("initializing channel %q: %w", ch.Name, err)
		}
	}

	// Fresh world: agents are created only here
	s.world = ecs.NewWorld()
	s.agentMapper = ecs.NewMap3[components.Position, components.Heading, components.Membership](s.world)
	s.agentFilter = ecs.NewFilter3[components.Position, components.Heading, components.Membership](s.world)
	s.posMap = ecs.NewMap1[components.Position](s.world)
	s.headMap = ecs.NewMap1[components.Heading](s.world)

	var id uint64
	for _, p := range s.populations {
		spawner := systems.NewSpawner(p.spawn, s.width, s.height)
		p.firstID = id
		p.entities = make([]ecs.Entity, p.Params.Agents)
		for i := range p.entities {
			x, y, heading := spawner.Place(s.rng)
			pos := components.Position{X: x, Y: y}
			head := components.Heading{Angle: heading}
			mem := components.Membership{Population: p.index, Index: uint32(i)}
			p.entities[i] = s.agentMapper.NewEntity(&pos, &head, &mem)
		}
		id += uint64(p.Params.Agents)
	}
	return nil
}

// Step advances the simulation by one iteration: every population senses the
// pre-iteration state and moves, then deposits are committed and every field
// diffuses and decays once.
func (s *Simulation) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step()
}

func (s *Simulation) step() error {
	switch s.state {
	case Stopped:
		return ErrStopped
	case Uninitialized:
		return fmt.Errorf("simulation not initialized")
	}
	s.state = Stepping
	s.perf.StartTick()

	s.perf.StartPhase(telemetry.PhaseSenseMap)
	for _, p := range s.populations {
		p.buildSenseMap(s.channels)
	}

	s.perf.StartPhase(telemetry.PhaseAgents)
	for _, p := range s.populations {
		p.advance()
	}

	s.perf.StartPhase(telemetry.PhaseDeposit)
	if !s.atomicDeposit {
		for _, p := range s.populations {
			p.flush()
		}
	}
	for _, src := range s.sources {
		field := s.channels[src.channel].Field
		for _, cell := range src.cells {
			field.AddPending(cell, src.amount)
		}
	}
	for _, ch := range s.channels {
		ch.Field.Commit()
	}

	s.perf.StartPhase(telemetry.PhaseDiffuse)
	for _, ch := range s.channels {
		ch.Field.DiffuseDecay(ch.kernel, ch.Decay, s.pool)
	}

	if s.checkInvariants {
		s.perf.StartPhase(telemetry.PhaseInvariants)
		if err := s.verifyFields(); err != nil {
			s.perf.EndTick()
			s.halt()
			slog.Error("simulation stopped", "error", err)
			return err
		}
	}

	s.iteration++
	s.perf.EndTick()
	s.state = Ready
	return nil
}

// verifyFields returns a NumericAnomalyError for the first invalid cell.
func (s *Simulation) verifyFields() error {
	for _, ch := range s.channels {
		if idx := ch.Field.CheckFinite(); idx >= 0 {
			return &NumericAnomalyError{
				Channel:   ch.Name,
				X:         idx % s.width,
				Y:         idx / s.width,
				Value:     ch.Field.Data[idx],
				Iteration: s.iteration,
			}
		}
	}
	return nil
}

// StepN runs n iterations, stopping at the first error.
func (s *Simulation) StepN(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := s.step(); err != nil {
			return err
		}
	}
	return nil
}

// Run steps until n iterations have run (n <= 0 runs until ctx is done),
// checking ctx between iterations. onStep, if non-nil, is called after every
// iteration without the lock held; a non-nil return ends the run.
func (s *Simulation) Run(ctx context.Context, n int, onStep func(*Simulation) error) error {
	for i := 0; n <= 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(); err != nil {
			return err
		}
		if onStep != nil {
			if err := onStep(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset clears every field and respawns all agents from seed. Population
// parameters, including randomized ones, are kept.
func (s *Simulation) Reset(seed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrStopped
	}
	if err := s.populate(seed); err != nil {
		return err
	}
	s.state = Ready
	slog.Info("simulation reset", "seed", seed)
	return nil
}

// Stop shuts down the worker pool. Stopped is terminal; snapshots remain
// readable.
func (s *Simulation) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
}

func (s *Simulation) halt() {
	s.state = Stopped
	s.pool.Stop()
}

// SeedField overwrites channel ch with fn(x, y) for every cell. Values must be
// finite and non-negative; on error the field is left untouched.
func (s *Simulation) SeedField(ch int, fn func(x, y int) float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrStopped
	}
	if ch < 0 || ch >= len(s.channels) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}

	vals := make([]float32, s.width*s.height)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := fn(x, y)
			if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: %v at (%d,%d)", ErrInvalidFieldValue, v, x, y)
			}
			vals[y*s.width+x] = v
		}
	}
	copy(s.channels[ch].Field.Data, vals)
	return nil
}

// Snapshot returns a copy of the committed values of channel ch.
func (s *Simulation) Snapshot(ch int) (systems.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch < 0 || ch >= len(s.channels) {
		return systems.Grid{}, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return s.channels[ch].Field.Snapshot(), nil
}

// SnapshotByName returns a copy of the committed values of the named channel.
func (s *Simulation) SnapshotByName(name string) (systems.Grid, error) {
	idx, ok := s.ChannelIndex(name)
	if !ok {
		return systems.Grid{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return s.Snapshot(idx)
}

// ChannelIndex returns the id of the named channel.
func (s *Simulation) ChannelIndex(name string) (int, bool) {
	idx, ok := s.cfg.Derived.ChannelIndex[name]
	return idx, ok
}

// TotalMass returns the summed concentration of channel ch.
func (s *Simulation) TotalMass(ch int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch < 0 || ch >= len(s.channels) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return s.channels[ch].Field.Mass(), nil
}

// Channels returns channel names in id order.
func (s *Simulation) Channels() []string {
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name
	}
	return names
}

// ChannelStats summarises every channel at the current iteration. Cells
// above threshold count towards coverage.
func (s *Simulation) ChannelStats(threshold float64) []telemetry.ChannelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.ChannelStats, len(s.channels))
	for i, ch := range s.channels {
		out[i] = telemetry.ComputeChannelStats(s.iteration, ch.Name, ch.Field.Grid, threshold)
	}
	return out
}

// Populations returns the populations in configuration order.
func (s *Simulation) Populations() []*Population {
	return append([]*Population(nil), s.populations...)
}

// Agents returns every agent across all populations.
func (s *Simulation) Agents() []AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AgentRecord, 0, s.agentCount())
	query := s.agentFilter.Query()
	for query.Next() {
		pos, head, mem := query.Get()
		out = append(out, AgentRecord{
			Population: s.populations[mem.Population].Name,
			Index:      int(mem.Index),
			Agent:      Agent{X: pos.X, Y: pos.Y, Heading: head.Angle},
		})
	}
	return out
}

func (s *Simulation) agentCount() int {
	n := 0
	for _, p := range s.populations {
		n += p.Len()
	}
	return n
}

// Iteration returns the number of completed iterations since the last reset.
func (s *Simulation) Iteration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// State returns the lifecycle state.
func (s *Simulation) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Seed returns the seed of the current run.
func (s *Simulation) Seed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed
}

// Size returns the grid dimensions.
func (s *Simulation) Size() (w, h int) {
	return s.width, s.height
}

// Config returns the simulation's validated copy of the configuration.
func (s *Simulation) Config() *config.Config {
	return s.cfg
}

// Perf returns timing statistics over the recent window.
func (s *Simulation) Perf() telemetry.PerfStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sizes := make([]telemetry.PopulationSize, len(s.populations))
	for i, p := range s.populations {
		sizes[i] = telemetry.PopulationSize{Name: p.Name, Agents: p.Len()}
	}
	return s.perf.Stats(sizes)
}

// diskCells returns the cells whose centres lie within radius of (x, y) on
// the torus. A zero radius selects the cell containing (x, y).
func diskCells(x, y, radius float64, w, h int) []int {
	cx := float64(systems.Wrap(float32(x), w))
	cy := float64(systems.Wrap(float32(y), h))
	if radius <= 0 {
		return []int{int(cy)*w + int(cx)}
	}

	seen := make(map[int]bool)
	var cells []int
	r := int(math.Ceil(radius)) + 1
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			px := math.Floor(cx) + float64(dx)
			py := math.Floor(cy) + float64(dy)
			if math.Hypot(px+0.5-cx, py+0.5-cy) > radius {
				continue
			}
			idx := systems.ModInt(int(py), h)*w + systems.ModInt(int(px), w)
			if !seen[idx] {
				seen[idx] = true
				cells = append(cells, idx)
			}
		}
	}
	if len(cells) == 0 {
		cells = append(cells, int(cy)*w+int(cx))
	}
	return cells
}
