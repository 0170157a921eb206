package ecs

import (
	"time"

	"github.com/l1jgo/replicore/internal/core/names"
)

// removalCheckEvery is how many removals run between budget clock reads.
const removalCheckEvery = 16

// World is the top-level ECS container. It owns the allocator, the pool
// registry, name bindings, and a deferred destruction list drained under a
// time budget at frame end.
type World struct {
	alloc    *Allocator
	registry *Registry
	names    *names.Interner
	bound    map[names.Handle]EntityID

	destroyQueue []EntityID
	cursor       int

	onDestroy []func(EntityID)

	now func() time.Time
}

func NewWorld(in *names.Interner, peers MaskSource) *World {
	return &World{
		alloc:        NewAllocator(),
		registry:     NewRegistry(in, peers),
		names:        in,
		bound:        make(map[names.Handle]EntityID, 64),
		destroyQueue: make([]EntityID, 0, 64),
		now:          time.Now,
	}
}

// SetClock replaces the time source used for the removal budget.
func (w *World) SetClock(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// OnDestroy adds a hook called for every id the removal pass destroys, while
// its pool entries are still readable.
func (w *World) OnDestroy(fn func(EntityID)) {
	w.onDestroy = append(w.onDestroy, fn)
}

func (w *World) Allocator() *Allocator { return w.alloc }
func (w *World) Registry() *Registry   { return w.registry }

// Spawn allocates an id, binding it to name when name is non-empty. A name
// already bound is silently rebound; the previous id stays alive.
func (w *World) Spawn(name string) EntityID {
	id := w.alloc.Create()
	if name != "" {
		h := w.names.Intern(name)
		w.bound[h] = id
		w.alloc.meta(id).name = h
	}
	return id
}

// Find resolves a bound name. It never interns unseen names.
func (w *World) Find(name string) EntityID {
	h, ok := w.names.Lookup(name)
	if !ok {
		return NoEntity
	}
	id, ok := w.bound[h]
	if !ok {
		return NoEntity
	}
	return id
}

func (w *World) Alive(id EntityID) bool {
	return w.alloc.Alive(id)
}

// Remove queues id for end-of-frame destruction. Stale ids and ids already
// queued are ignored.
func (w *World) Remove(id EntityID) {
	m := w.alloc.meta(id)
	if m == nil || m.removing {
		return
	}
	m.removing = true
	w.destroyQueue = append(w.destroyQueue, id)
}

// IsRemoving reports true for ids that are queued for removal or already gone.
func (w *World) IsRemoving(id EntityID) bool {
	m := w.alloc.meta(id)
	return m == nil || m.removing
}

// RemovePending is the number of queued removals not yet processed.
func (w *World) RemovePending() int {
	return len(w.destroyQueue) - w.cursor
}

// ProcessRemovals destroys queued entities from the saved cursor until the
// queue drains or budget is spent. The clock is read once per batch of 16,
// so at least one batch completes per call. budget <= 0 means unbounded.
// Returns how many ids were processed.
func (w *World) ProcessRemovals(budget time.Duration) int {
	start := w.now()
	done := 0
	for w.cursor < len(w.destroyQueue) {
		id := w.destroyQueue[w.cursor]
		w.cursor++
		done++
		w.destroy(id)

		if budget > 0 && done%removalCheckEvery == 0 && w.now().Sub(start) >= budget {
			break
		}
	}
	if w.cursor >= len(w.destroyQueue) {
		clear(w.destroyQueue)
		w.destroyQueue = w.destroyQueue[:0]
		w.cursor = 0
	}
	return done
}

func (w *World) destroy(id EntityID) {
	m := w.alloc.meta(id)
	if m == nil {
		return
	}
	for _, fn := range w.onDestroy {
		fn(id)
	}
	if m.name != names.NoHandle && w.bound[m.name] == id {
		delete(w.bound, m.name)
	}
	w.registry.RemoveAll(id)
	w.alloc.Destroy(id)
}

// Close releases every pool's contents and forgets pending removals.
func (w *World) Close() {
	w.registry.Close()
	w.destroyQueue = nil
	w.cursor = 0
	w.onDestroy = nil
}
