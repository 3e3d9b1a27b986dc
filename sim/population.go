package sim

import (
	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/pthm-cable/physarum/config"
	"github.com/pthm-cable/physarum/systems"
)

// Population is a fixed set of agents sharing immutable parameters.
type Population struct {
	Name   string
	Params config.DerivedPopulation

	sim     *Simulation
	index   uint16
	firstID uint64 // global id of the first agent, for tie-break hashing
	sensor  systems.SensorModel
	spawn   config.SpawnConfig

	entities []ecs.Entity

	// Per-iteration scratch
	agents   []Agent
	logs     [][]deposit // buffered deposits, one log per chunk
	senseBuf systems.Grid
	senseMap systems.Grid
}

// Len returns the number of agents.
func (p *Population) Len() int {
	return len(p.entities)
}

// Agents returns a copy of the current agent poses in population order.
func (p *Population) Agents() []Agent {
	s := p.sim
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, len(p.entities))
	for i, e := range p.entities {
		pos := s.posMap.Get(e)
		head := s.headMap.Get(e)
		out[i] = Agent{X: pos.X, Y: pos.Y, Heading: head.Angle}
	}
	return out
}

// buildSenseMap combines the committed channel fields with the population's
// sensitivity weights. A unit weight vector aliases the channel directly.
func (p *Population) buildSenseMap(channels []*Channel) {
	single := -1
	for c, w := range p.Params.Weights {
		if w == 0 {
			continue
		}
		if w != 1 || single >= 0 {
			single = -2
			break
		}
		single = c
	}
	if single >= 0 {
		p.senseMap = channels[single].Field.View()
		return
	}

	if p.senseBuf.Data == nil {
		f := channels[0].Field
		p.senseBuf = systems.NewGrid(f.W, f.H)
	}
	clear(p.senseBuf.Data)
	dst := blas32.Vector{N: len(p.senseBuf.Data), Inc: 1, Data: p.senseBuf.Data}
	for c, w := range p.Params.Weights {
		if w == 0 {
			continue
		}
		src := channels[c].Field.View()
		blas32.Axpy(w, blas32.Vector{N: len(src.Data), Inc: 1, Data: src.Data}, dst)
	}
	p.senseMap = p.senseBuf
}

// snapshot copies agent poses out of the ECS world.
func (p *Population) snapshot() {
	s := p.sim
	if cap(p.agents) < len(p.entities) {
		p.agents = make([]Agent, len(p.entities))
	}
	p.agents = p.agents[:len(p.entities)]
	for i, e := range p.entities {
		pos := s.posMap.Get(e)
		head := s.headMap.Get(e)
		p.agents[i] = Agent{X: pos.X, Y: pos.Y, Heading: head.Angle}
	}
}

// apply writes computed poses back to the ECS world.
func (p *Population) apply() {
	s := p.sim
	for i, e := range p.entities {
		a := p.agents[i]
		pos := s.posMap.Get(e)
		head := s.headMap.Get(e)
		pos.X, pos.Y = a.X, a.Y
		head.Angle = a.Heading
	}
}

// advance moves every agent one step. Agents sense the committed state only;
// deposits go to the pending buffer directly (atomic mode) or to per-chunk
// logs merged later by flush.
func (p *Population) advance() {
	s := p.sim
	p.snapshot()

	field := s.channels[p.Params.Channel].Field
	amount := p.Params.Deposit
	view := p.senseMap
	seed, iter := s.seed, s.iteration

	if len(p.logs) != s.pool.Workers() {
		p.logs = make([][]deposit, s.pool.Workers())
	}
	for c := range p.logs {
		p.logs[c] = p.logs[c][:0]
	}

	s.pool.Run(len(p.agents), func(chunk, start, end int) {
		log := p.logs[chunk]
		for i := start; i < end; i++ {
			coin := systems.Hash(seed, iter, p.firstID+uint64(i))
			next := p.stepAgent(p.agents[i], view, coin)
			p.agents[i] = next
			if amount == 0 {
				continue
			}
			cell := field.Index(next.X, next.Y)
			if s.atomicDeposit {
				field.DepositIndex(cell, amount)
			} else {
				log = append(log, deposit{cell: int32(cell), amount: amount})
			}
		}
		p.logs[chunk] = log
	})

	p.apply()
}

// flush merges buffered deposits in chunk order, which is agent order.
func (p *Population) flush() {
	field := p.sim.channels[p.Params.Channel].Field
	for _, log := range p.logs {
		for _, d := range log {
			field.AddPending(int(d.cell), d.amount)
		}
	}
}
