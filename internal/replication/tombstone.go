package replication

import (
	"time"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/kernel"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// TombstonePool is the replicated pool that tells replicas an id is gone.
const TombstonePool = "replication.tombstone"

// Tombstone marks a destroyed replicated entity. Only Target goes on the wire.
type Tombstone struct {
	Target  ecs.EntityID
	Expires time.Time
}

var tombstoneCodec = kernel.CodecFuncs[Tombstone]{
	EncodeFunc: func(w *packet.Writer, v *Tombstone) { w.WriteQ(uint64(v.Target)) },
	DecodeFunc: func(r *packet.Reader) (Tombstone, error) {
		return Tombstone{Target: ecs.EntityID(r.ReadQ())}, nil
	},
}

func tombstones(k *kernel.Kernel) *ecs.Pool[Tombstone] {
	return kernel.Replicate[Tombstone](k, TombstonePool, tombstoneCodec)
}

// graveyard turns destroyed replicated entities into short-lived tombstone
// entities on the host.
type graveyard struct {
	k    *kernel.Kernel
	pool *ecs.Pool[Tombstone]
	ttl  time.Duration
	now  func() time.Time

	dead []ecs.EntityID
}

func newGraveyard(k *kernel.Kernel, ttl time.Duration, now func() time.Time) *graveyard {
	g := &graveyard{k: k, pool: tombstones(k), ttl: ttl, now: now}
	k.World().OnDestroy(g.onDestroy)
	return g
}

// onDestroy runs inside the removal pass; it only records the id.
func (g *graveyard) onDestroy(id ecs.EntityID) {
	if !g.k.IsHost() || g.pool.Has(id) {
		return
	}
	for _, rep := range g.k.Replicated() {
		if rep.Store().Has(id) {
			g.dead = append(g.dead, id)
			return
		}
	}
}

// bury creates tombstones for last frame's destroyed ids and removes expired
// ones.
func (g *graveyard) bury(k *kernel.Kernel, _ time.Duration) error {
	now := g.now()
	for _, id := range g.dead {
		t := k.Spawn("")
		g.pool.Add(t, Tombstone{Target: id, Expires: now.Add(g.ttl)})
	}
	g.dead = g.dead[:0]

	g.pool.Each(func(id ecs.EntityID, t *Tombstone) {
		if !t.Expires.After(now) {
			k.Remove(id)
		}
	})
	return nil
}
