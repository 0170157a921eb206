package ecs

import (
	"fmt"

	"github.com/l1jgo/replicore/internal/core/names"
)

// Registry tracks all pools, addressed by PoolID in registration order, and
// supports bulk cleanup on entity destroy.
type Registry struct {
	names  *names.Interner
	peers  MaskSource
	stores []Store
	byName map[names.Handle]PoolID
}

func NewRegistry(in *names.Interner, peers MaskSource) *Registry {
	return &Registry{
		names:  in,
		peers:  peers,
		stores: make([]Store, 0, 16),
		byName: make(map[names.Handle]PoolID, 16),
	}
}

// GetPool returns the pool registered under name, creating it on first use.
// Asking for an existing name with a different value type is a programmer
// error and panics.
func GetPool[T any](r *Registry, name string) *Pool[T] {
	h := r.names.Intern(name)
	if id, ok := r.byName[h]; ok {
		p, ok := r.stores[id].(*Pool[T])
		if !ok {
			panic(fmt.Sprintf("ecs: pool %q registered as %T, requested as %T", name, r.stores[id], (*Pool[T])(nil)))
		}
		return p
	}
	if len(r.stores) >= int(NoPool) {
		panic("ecs: pool table full")
	}
	id := PoolID(len(r.stores))
	p := NewPool[T](r.names.String(h), id, r.peers)
	r.stores = append(r.stores, p)
	r.byName[h] = id
	return p
}

// Store returns the pool with the given id, or nil.
func (r *Registry) Store(id PoolID) Store {
	if int(id) >= len(r.stores) {
		return nil
	}
	return r.stores[id]
}

// Lookup finds a pool by name without registering anything.
func (r *Registry) Lookup(name string) (Store, bool) {
	h, ok := r.names.Lookup(name)
	if !ok {
		return nil, false
	}
	id, ok := r.byName[h]
	if !ok {
		return nil, false
	}
	return r.stores[id], true
}

func (r *Registry) Len() int {
	return len(r.stores)
}

// Each visits pools in registration order.
func (r *Registry) Each(fn func(Store)) {
	for _, s := range r.stores {
		fn(s)
	}
}

// RemoveAll clears the given entity from every registered pool.
func (r *Registry) RemoveAll(id EntityID) {
	for _, s := range r.stores {
		s.Remove(id)
	}
}

// RependAll re-queues every entry of every pool, e.g. when a peer joins.
func (r *Registry) RependAll() {
	for _, s := range r.stores {
		s.RependAll()
	}
}

// ForgetPeer clears a peer slot's sync state in every pool.
func (r *Registry) ForgetPeer(peer uint8) {
	for _, s := range r.stores {
		s.ForgetPeer(peer)
	}
}

// Close releases pool contents in reverse registration order.
func (r *Registry) Close() {
	for i := len(r.stores) - 1; i >= 0; i-- {
		r.stores[i].Reset()
	}
}
