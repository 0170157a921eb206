// Package sim is a small moving-dots workload that gives the replication
// layer something to carry.
package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/interest"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/data"
	"github.com/l1jgo/replicore/internal/kernel"
	"github.com/l1jgo/replicore/internal/net/packet"
)

const (
	PositionPool = "sim.position"
	VelocityPool = "sim.velocity"

	// IntegrateRate is the fixed step of the movement task.
	IntegrateRate = 20
)

type Position struct{ X, Y float32 }

// Velocity is host-only; replicas see its effect through Position.
type Velocity struct{ X, Y float32 }

var positionCodec = kernel.CodecFuncs[Position]{
	EncodeFunc: func(w *packet.Writer, v *Position) {
		w.WriteF(v.X)
		w.WriteF(v.Y)
	},
	DecodeFunc: func(r *packet.Reader) (Position, error) {
		p := Position{X: r.ReadF(), Y: r.ReadF()}
		if math.IsNaN(float64(p.X)) || math.IsNaN(float64(p.Y)) {
			return Position{}, fmt.Errorf("position is NaN")
		}
		return p, nil
	},
}

type Options struct {
	// Bounds is the half-width of the square arena; movers bounce off it.
	Bounds   float32
	CellSize float32
	// Radius is the largest interest radius in use. When the grid cell
	// covers it, Locate rules out entities outside the viewer's neighbouring
	// cells without measuring them.
	Radius float32
	Seed   uint64
}

// Sim owns the position and velocity pools and the tasks that drive them.
type Sim struct {
	k   *kernel.Kernel
	log *zap.Logger
	pos *ecs.Pool[Position]
	vel *ecs.Pool[Velocity]

	grid    *interest.Grid
	viewers [peer.MaxPeers]ecs.EntityID
	bounds  float32
	radius  float32
	rng     *rand.Rand
}

// New registers the pools on k. Call it on host and clients alike so pool
// names line up; Install adds the tasks.
func New(k *kernel.Kernel, opts Options) *Sim {
	if opts.Bounds <= 0 {
		opts.Bounds = 500
	}
	s := &Sim{
		k:      k,
		log:    k.Log().Named("sim"),
		pos:    kernel.Replicate[Position](k, PositionPool, positionCodec),
		vel:    kernel.Pool[Velocity](k, VelocityPool),
		grid:   interest.NewGrid(opts.CellSize),
		bounds: opts.Bounds,
		radius: opts.Radius,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	for i := range s.viewers {
		s.viewers[i] = ecs.NoEntity
	}
	return s
}

func (s *Sim) Positions() *ecs.Pool[Position]  { return s.pos }
func (s *Sim) Velocities() *ecs.Pool[Velocity] { return s.vel }

// Install schedules the integrate task (host only), registers the grid
// system and hooks peer connects so every peer gets a viewer entity.
func (s *Sim) Install() error {
	if _, err := s.k.Schedule(system.TaskSpec{
		Name:      "sim.integrate",
		Priority:  system.PhaseUpdate.Priority(),
		Hz:        IntegrateRate,
		Filter:    system.RunHostOnly,
		Pauseable: true,
	}, s.integrate); err != nil {
		return err
	}
	if err := s.k.Register(gridSystem{s}); err != nil {
		return err
	}
	s.k.OnPeer(s.onPeer)
	return nil
}

// Spawn creates the entities of a spawn list and returns how many it made.
func (s *Sim) Spawn(list *data.SpawnList) int {
	n := 0
	for _, e := range list.Entries {
		for i := 0; i < e.Count; i++ {
			name := e.Name
			if e.Count > 1 {
				name = fmt.Sprintf("%s_%d", e.Name, i)
			}
			id := s.k.Spawn(name)
			p := Position{X: e.X, Y: e.Y}
			if e.Spread > 0 {
				p.X += (s.rng.Float32()*2 - 1) * e.Spread
				p.Y += (s.rng.Float32()*2 - 1) * e.Spread
			}
			s.pos.Add(id, s.clamp(p))
			if e.VX != 0 || e.VY != 0 {
				s.vel.Add(id, Velocity{X: e.VX, Y: e.VY})
			}
			n++
		}
	}
	s.log.Info("spawn list loaded", zap.Int("entities", n))
	return n
}

func (s *Sim) integrate(_ *kernel.Kernel, dt time.Duration) error {
	step := float32(dt.Seconds())
	ecs.Each2(s.vel, s.pos, func(id ecs.EntityID, v *Velocity, p *Position) {
		p.X += v.X * step
		p.Y += v.Y * step
		if p.X > s.bounds || p.X < -s.bounds {
			v.X = -v.X
		}
		if p.Y > s.bounds || p.Y < -s.bounds {
			v.Y = -v.Y
		}
		*p = s.clamp(*p)
		s.pos.Unsync(id)
	})
	return nil
}

func (s *Sim) clamp(p Position) Position {
	p.X = max(-s.bounds, min(s.bounds, p.X))
	p.Y = max(-s.bounds, min(s.bounds, p.Y))
	return p
}

// onPeer gives each remote peer a viewer that drifts around the arena; the
// interest filter measures from it.
func (s *Sim) onPeer(slot uint8, connected bool) {
	if !s.k.IsHost() || slot >= peer.MaxPeers {
		return
	}
	if !connected {
		if id := s.viewers[slot]; id != ecs.NoEntity {
			s.k.Remove(id)
			s.viewers[slot] = ecs.NoEntity
		}
		return
	}
	id := s.k.Spawn(fmt.Sprintf("viewer.%d", slot))
	angle := float64(slot) * 2 * math.Pi / peer.MaxPeers
	s.pos.Add(id, Position{})
	s.vel.Add(id, Velocity{X: float32(math.Cos(angle)) * 5, Y: float32(math.Sin(angle)) * 5})
	s.viewers[slot] = id
}

// Viewer is the entity slot looks through, NoEntity if it has none.
func (s *Sim) Viewer(slot uint8) ecs.EntityID {
	if slot >= peer.MaxPeers {
		return ecs.NoEntity
	}
	return s.viewers[slot]
}

// Locate is an interest.Locator: distance from the peer's viewer, or from
// the origin while it has none. Entities the grid places beyond the viewer's
// neighbourhood are reported out of range unmeasured.
func (s *Sim) Locate(slot uint8, id ecs.EntityID) (float32, bool) {
	p, ok := s.pos.Get(id)
	if !ok {
		return 0, false
	}
	var origin Position
	if v, ok := s.pos.Get(s.Viewer(slot)); ok {
		origin = *v
	}
	if s.radius > 0 && s.radius <= s.grid.CellSize() && s.grid.Outside(id, origin.X, origin.Y, 0) {
		return 0, false
	}
	dx, dy := float64(p.X-origin.X), float64(p.Y-origin.Y)
	return float32(math.Hypot(dx, dy)), true
}

// Nearby appends the entities in the grid cells around slot's viewer.
func (s *Sim) Nearby(dst []ecs.EntityID, slot uint8) []ecs.EntityID {
	var origin Position
	if v, ok := s.pos.Get(s.Viewer(slot)); ok {
		origin = *v
	}
	return s.grid.Nearby(dst, origin.X, origin.Y, 0)
}

// gridSystem keeps the grid in step with the position pool: gone entities
// are pruned and moved ones change cell. Entities that stayed in their cell
// cost one lookup.
type gridSystem struct{ s *Sim }

func (gridSystem) Name() string        { return "sim.grid" }
func (gridSystem) Phase() system.Phase { return system.PhasePostUpdate }

func (g gridSystem) Update(time.Duration) error {
	g.s.grid.Prune(g.s.pos.Has)
	g.s.pos.Each(func(id ecs.EntityID, p *Position) {
		g.s.grid.Place(id, p.X, p.Y, 0)
	})
	return nil
}
