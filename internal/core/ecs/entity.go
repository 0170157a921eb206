package ecs

import (
	"fmt"

	"github.com/l1jgo/replicore/internal/core/names"
)

// EntityID encodes a 32-bit slot index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on destroy to invalidate stale refs.
type EntityID uint64

// NoEntity is the reserved "no id" value.
const NoEntity EntityID = ^EntityID(0)

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }
func (id EntityID) Valid() bool        { return id != NoEntity }

func (id EntityID) String() string {
	if id == NoEntity {
		return "none"
	}
	return fmt.Sprintf("%d:%d", id.Index(), id.Generation())
}

// slotMeta is the per-slot bookkeeping kept next to the generation table.
type slotMeta struct {
	generation uint32
	removing   bool         // queued in World's deferred list
	name       names.Handle // bound name, NoHandle when unbound
}

// Allocator manages entity allocation with generational indices and a free list.
// Generations start at 1 and never rest at 0, so the zero EntityID is never live.
type Allocator struct {
	slots    []slotMeta
	freeList []uint32
	live     int
}

func NewAllocator() *Allocator {
	return &Allocator{
		slots:    make([]slotMeta, 0, 1024),
		freeList: make([]uint32, 0, 256),
	}
}

func (a *Allocator) Create() EntityID {
	a.live++
	if len(a.freeList) > 0 {
		idx := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		return NewEntityID(idx, a.slots[idx].generation)
	}
	idx := uint32(len(a.slots))
	a.slots = append(a.slots, slotMeta{generation: 1, name: names.NoHandle})
	return NewEntityID(idx, 1)
}

func (a *Allocator) Alive(id EntityID) bool {
	idx := id.Index()
	if int(idx) >= len(a.slots) {
		return false
	}
	return a.slots[idx].generation == id.Generation()
}

// Destroy bumps the slot generation and recycles the index. Stale ids are ignored.
func (a *Allocator) Destroy(id EntityID) bool {
	if !a.Alive(id) {
		return false
	}
	s := &a.slots[id.Index()]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.removing = false
	s.name = names.NoHandle
	a.freeList = append(a.freeList, id.Index())
	a.live--
	return true
}

// Live returns the number of allocated, not yet destroyed ids.
func (a *Allocator) Live() int {
	return a.live
}

func (a *Allocator) meta(id EntityID) *slotMeta {
	if !a.Alive(id) {
		return nil
	}
	return &a.slots[id.Index()]
}
