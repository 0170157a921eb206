package kernel

import (
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/event"
	"github.com/l1jgo/replicore/internal/core/names"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/core/system"
)

// TaskFunc is a task body that receives the kernel it runs in.
type TaskFunc func(k *Kernel, dt time.Duration) error

// PeerHook observes connects (connected=true) and disconnects.
type PeerHook func(slot uint8, connected bool)

// Option customises New.
type Option func(*options)

type options struct {
	clock system.Clock
}

// WithClock replaces the wall clock for both frame timing and the removal
// budget.
func WithClock(c system.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Kernel is the single context every task receives. It owns the name
// interner, the entity world and its pools, the per-frame queues, the peer
// table and the scheduler. Single-goroutine access only (game loop).
type Kernel struct {
	cfg *config.Config
	log *zap.Logger

	names  *names.Interner
	world  *ecs.World
	queues *event.Queues
	peers  *peer.Table
	sched  *system.Scheduler

	replicated []Replicated
	repByPool  map[ecs.PoolID]Replicated

	hooks []PeerHook
	host  bool
}

func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Kernel {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := options{clock: system.WallClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kernel{
		cfg:       cfg,
		log:       log,
		names:     names.NewInterner(),
		repByPool: make(map[ecs.PoolID]Replicated),
	}
	k.world = ecs.NewWorld(k.names, k)
	k.world.SetClock(o.clock.Now)
	k.queues = event.NewQueues(k.names)
	k.peers = peer.NewTable(cfg.Kernel.RingSize, k.world.Registry())
	k.sched = system.NewScheduler(system.Options{
		Log:          log,
		Clock:        o.clock,
		LoopRate:     cfg.Kernel.LoopRate,
		MaxFrameTime: cfg.Kernel.MaxFrameTime,
		IsHost:       k.IsHost,
		AfterTasks:   k.endTasks,
		AfterStops:   k.endFrame,
	})
	return k
}

func (k *Kernel) Config() *config.Config       { return k.cfg }
func (k *Kernel) Log() *zap.Logger             { return k.log }
func (k *Kernel) Names() *names.Interner       { return k.names }
func (k *Kernel) World() *ecs.World            { return k.world }
func (k *Kernel) Queues() *event.Queues        { return k.queues }
func (k *Kernel) Peers() *peer.Table           { return k.peers }
func (k *Kernel) Scheduler() *system.Scheduler { return k.sched }

// RemoteMask feeds the live remote-peer mask to every pool.
func (k *Kernel) RemoteMask() uint64 { return k.peers.RemoteMask() }

// Pool returns the pool registered under name, creating it on first use.
// Reusing a name with another value type panics.
func Pool[T any](k *Kernel, name string) *ecs.Pool[T] {
	return ecs.GetPool[T](k.world.Registry(), name)
}

// Queue returns the per-frame queue registered under name.
func Queue[T any](k *Kernel, name string) *event.Queue[T] {
	return event.GetQueue[T](k.queues, name)
}

// Replicated lists replicated pools in registration order.
func (k *Kernel) Replicated() []Replicated { return k.replicated }

// ReplicatedByID finds a replicated pool by its wire id.
func (k *Kernel) ReplicatedByID(id ecs.PoolID) (Replicated, bool) {
	r, ok := k.repByPool[id]
	return r, ok
}

// ReplicatedByName finds a replicated pool by name without registering it.
func (k *Kernel) ReplicatedByName(name string) (Replicated, bool) {
	st, ok := k.world.Registry().Lookup(name)
	if !ok {
		return nil, false
	}
	return k.ReplicatedByID(st.Handle())
}

// --- entities ---

func (k *Kernel) Spawn(name string) ecs.EntityID  { return k.world.Spawn(name) }
func (k *Kernel) Find(name string) ecs.EntityID   { return k.world.Find(name) }
func (k *Kernel) Remove(id ecs.EntityID)          { k.world.Remove(id) }
func (k *Kernel) IsRemoving(id ecs.EntityID) bool { return k.world.IsRemoving(id) }
func (k *Kernel) Alive(id ecs.EntityID) bool      { return k.world.Alive(id) }

// --- tasks ---

// Schedule registers fn under spec.Name, replacing an existing task of that
// name.
func (k *Kernel) Schedule(spec system.TaskSpec, fn TaskFunc) (*system.Task, error) {
	var body system.TaskFunc
	if fn != nil {
		body = func(dt time.Duration) error { return fn(k, dt) }
	}
	return k.sched.Schedule(spec, body)
}

// Register schedules a long-lived System in its phase band.
func (k *Kernel) Register(sys system.System) error {
	return k.sched.Register(sys)
}

// Task returns the active task registered under name.
func (k *Kernel) Task(name string) (*system.Task, bool) {
	return k.sched.Task(name)
}

func (k *Kernel) Stop(name string) bool    { return k.sched.Stop(name) }
func (k *Kernel) StopDeferred(name string) { k.sched.StopDeferred(name) }
func (k *Kernel) Tasks() []*system.Task    { return k.sched.Tasks() }
func (k *Kernel) Faults() []string         { return k.sched.Faults() }
func (k *Kernel) Frame() uint64            { return k.sched.Frame() }
func (k *Kernel) Dt() time.Duration        { return k.sched.Dt() }

func (k *Kernel) Pause()         { k.sched.Pause() }
func (k *Kernel) Resume()        { k.sched.Resume() }
func (k *Kernel) TogglePause()   { k.sched.TogglePause() }
func (k *Kernel) Paused() bool   { return k.sched.Paused() }
func (k *Kernel) Step()          { k.sched.RequestStep() }
func (k *Kernel) Stepping() bool { return k.sched.Stepping() }

// Run measures wall time since the previous frame and runs one frame.
func (k *Kernel) Run() { k.sched.Run() }

// RunFrame runs one frame with an explicit frame time.
func (k *Kernel) RunFrame(dt time.Duration) { k.sched.RunFrame(dt) }

// OnPeer adds a hook called after every connect and disconnect.
func (k *Kernel) OnPeer(hook PeerHook) { k.hooks = append(k.hooks, hook) }

func (k *Kernel) RemovePending() int { return k.world.RemovePending() }

// --- peers ---

// SetHost switches role. A host owns slot 0; a client's slot is assigned by
// the host with SetSelf.
func (k *Kernel) SetHost(host bool) {
	k.host = host
	if host {
		k.peers.SetSelf(0)
	} else {
		k.peers.SetSelf(peer.NoPeer)
	}
}

// SetSelf records the slot the host assigned to this client.
func (k *Kernel) SetSelf(slot uint8) { k.peers.SetSelf(slot) }

func (k *Kernel) IsHost() bool { return k.host }

// Connect assigns the lowest free slot to a new remote peer and re-queues
// every entry of every pool so the newcomer receives full state. Returns
// peer.NoPeer when the table is full.
func (k *Kernel) Connect(userData any) uint8 {
	slot := k.peers.Connect(userData)
	if slot == peer.NoPeer {
		k.log.Warn("peer table full")
		return slot
	}
	k.joined(slot)
	return slot
}

// ConnectAt is Connect for a specific slot.
func (k *Kernel) ConnectAt(slot uint8, userData any) bool {
	if !k.peers.ConnectAt(slot, userData) {
		return false
	}
	k.joined(slot)
	return true
}

// Disconnect frees a remote slot. Its sync bits are cleared so the next
// occupant starts from nothing.
func (k *Kernel) Disconnect(slot uint8) bool {
	if !k.peers.Disconnect(slot) {
		return false
	}
	k.world.Registry().ForgetPeer(slot)
	k.log.Info("peer disconnected", zap.Uint8("slot", slot))
	for _, h := range k.hooks {
		h(slot, false)
	}
	return true
}

func (k *Kernel) joined(slot uint8) {
	reg := k.world.Registry()
	reg.ForgetPeer(slot)
	reg.RependAll()
	k.log.Info("peer connected", zap.Uint8("slot", slot), zap.Int("pools", reg.Len()))
	for _, h := range k.hooks {
		h(slot, true)
	}
}

// --- frame end ---

func (k *Kernel) endTasks() {
	k.world.ProcessRemovals(k.cfg.Kernel.RemovalBudget)
}

func (k *Kernel) endFrame() {
	k.queues.ClearAll()
	k.peers.Advance()
}

// Close tears everything down in reverse order of construction: tasks,
// replicated bindings, queues, pools, then the peer table.
func (k *Kernel) Close() {
	k.sched.Close()
	for i := len(k.replicated) - 1; i >= 0; i-- {
		delete(k.repByPool, k.replicated[i].Handle())
	}
	k.replicated = nil
	k.queues.Close()
	k.world.Close()
	k.peers.Reset()
	k.hooks = nil
}
