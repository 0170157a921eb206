package ecs

// PoolID addresses a pool by registration order. It is what travels in sync
// records and on the wire; pool names are only used at setup.
type PoolID uint16

// NoPool marks an unregistered pool.
const NoPool PoolID = ^PoolID(0)

// MaskSource reports the bitmask of currently connected remote peers.
type MaskSource interface {
	RemoteMask() uint64
}

type noPeers struct{}

func (noPeers) RemoteMask() uint64 { return 0 }

// Store is implemented by every Pool so the Registry, the removal pass and
// ack processing can work on pools without knowing their value type.
type Store interface {
	Name() string
	Handle() PoolID
	Len() int
	Has(id EntityID) bool
	Index(id EntityID) (int, bool)
	Remove(id EntityID)
	Unsync(id EntityID)
	Sync(peer uint8, dense int)
	SyncStamped(peer uint8, dense int, id EntityID, rev uint32)
	Stamp(dense int) (EntityID, uint32, bool)
	SyncAll(peer uint8)
	ForgetPeer(peer uint8)
	UnsyncFor(peer uint8, dense int)
	IsSyncedTo(peer uint8, dense int) bool
	IsDeliveredTo(peer uint8, dense int) bool
	Withdraw(peer uint8, dense int)
	CountUnsynced(peer uint8) int
	RependAll()
	ShrinkToFit()
	Reset()
}

const noDense = -1

// compactSlack is how far the pending list may outgrow twice the pool before
// stale occurrences are swept out without waiting for EachUnsynced.
const compactSlack = 64

// Pool is a sparse-set store for one value type with per-peer sync tracking.
//
// Dense slots hold the value, its id, a synced bitmask (bit i = peer i has the
// current value), a delivered bitmask (bit i = peer i holds some revision of
// this id) and a revision bumped whenever the value is invalidated.
// Dense indices move on swap-remove; the sparse table keyed by slot index is
// the only stable lookup and is cross-checked against the dense id.
type Pool[T any] struct {
	name   string
	handle PoolID
	peers  MaskSource

	dense     []T
	ids       []EntityID
	synced    []uint64
	delivered []uint64
	revs      []uint32
	queued    []bool   // dense entry has a live occurrence in pending
	seen      []uint32 // epoch of the last EachUnsynced pass that kept it
	sparse    []int32

	pending []EntityID
	epoch   uint32
	walking bool
}

func NewPool[T any](name string, handle PoolID, peers MaskSource) *Pool[T] {
	if peers == nil {
		peers = noPeers{}
	}
	return &Pool[T]{
		name:      name,
		handle:    handle,
		peers:     peers,
		dense:     make([]T, 0, 64),
		ids:       make([]EntityID, 0, 64),
		synced:    make([]uint64, 0, 64),
		delivered: make([]uint64, 0, 64),
		revs:      make([]uint32, 0, 64),
		queued:    make([]bool, 0, 64),
		seen:      make([]uint32, 0, 64),
		pending:   make([]EntityID, 0, 64),
	}
}

func (p *Pool[T]) Name() string   { return p.name }
func (p *Pool[T]) Handle() PoolID { return p.handle }
func (p *Pool[T]) Len() int       { return len(p.dense) }

// Index resolves id to its current dense index.
func (p *Pool[T]) Index(id EntityID) (int, bool) {
	idx := id.Index()
	if int(idx) >= len(p.sparse) {
		return noDense, false
	}
	d := p.sparse[idx]
	if d == noDense || p.ids[d] != id {
		return noDense, false
	}
	return int(d), true
}

func (p *Pool[T]) Has(id EntityID) bool {
	_, ok := p.Index(id)
	return ok
}

// Get returns a pointer into dense storage. The pointer is invalidated by the
// next Add or Remove on this pool.
func (p *Pool[T]) Get(id EntityID) (*T, bool) {
	d, ok := p.Index(id)
	if !ok {
		return nil, false
	}
	return &p.dense[d], true
}

// At returns the value at a dense index, or nil when out of range.
func (p *Pool[T]) At(dense int) *T {
	if dense < 0 || dense >= len(p.dense) {
		return nil
	}
	return &p.dense[dense]
}

// Add inserts or overwrites the value for id. Either way nobody has the new
// value yet: the synced mask is cleared and the entry is queued as pending.
func (p *Pool[T]) Add(id EntityID, v T) *T {
	if d, ok := p.Index(id); ok {
		p.dense[d] = v
		p.invalidate(d)
		return &p.dense[d]
	}

	idx := int(id.Index())
	if idx < len(p.sparse) && p.sparse[idx] != noDense {
		// Another generation of this slot; only possible for ids minted
		// elsewhere (a replica applying host ids).
		p.Remove(p.ids[p.sparse[idx]])
	}
	for idx >= len(p.sparse) {
		p.sparse = append(p.sparse, noDense)
	}
	d := len(p.dense)
	p.sparse[idx] = int32(d)
	p.dense = append(p.dense, v)
	p.ids = append(p.ids, id)
	p.synced = append(p.synced, 0)
	p.delivered = append(p.delivered, 0)
	p.revs = append(p.revs, 0)
	p.queued = append(p.queued, false)
	p.seen = append(p.seen, 0)
	p.enqueue(d)
	return &p.dense[d]
}

// Remove swap-removes id. The last dense entry takes over the vacated slot
// together with its own masks. A pending occurrence of the removed id stays in
// the list and is compacted away as stale, either by EachUnsynced or once the
// list grows well past the pool.
func (p *Pool[T]) Remove(id EntityID) {
	d, ok := p.Index(id)
	if !ok {
		return
	}
	last := len(p.dense) - 1
	if d != last {
		p.dense[d] = p.dense[last]
		p.ids[d] = p.ids[last]
		p.synced[d] = p.synced[last]
		p.delivered[d] = p.delivered[last]
		p.revs[d] = p.revs[last]
		p.queued[d] = p.queued[last]
		p.seen[d] = p.seen[last]
		p.sparse[p.ids[d].Index()] = int32(d)
	}
	var zero T
	p.dense[last] = zero
	p.dense = p.dense[:last]
	p.ids = p.ids[:last]
	p.synced = p.synced[:last]
	p.delivered = p.delivered[:last]
	p.revs = p.revs[:last]
	p.queued = p.queued[:last]
	p.seen = p.seen[:last]
	p.sparse[id.Index()] = noDense
}

// Unsync marks id as changed for every peer.
func (p *Pool[T]) Unsync(id EntityID) {
	if d, ok := p.Index(id); ok {
		p.invalidate(d)
	}
}

// Sync sets peer's bit on a dense entry. Used by ack processing.
func (p *Pool[T]) Sync(peer uint8, dense int) {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 {
		return
	}
	p.synced[dense] |= 1 << peer
	p.delivered[dense] |= 1 << peer
}

// SyncStamped is Sync guarded by the stamp recorded when the entry was sent:
// the dense slot must still hold the same id at the same revision. An ack
// for an older revision of the same id still marks the entry delivered.
func (p *Pool[T]) SyncStamped(peer uint8, dense int, id EntityID, rev uint32) {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 || p.ids[dense] != id {
		return
	}
	p.delivered[dense] |= 1 << peer
	if p.revs[dense] == rev {
		p.synced[dense] |= 1 << peer
	}
}

// Stamp returns the id and revision currently held by a dense slot.
func (p *Pool[T]) Stamp(dense int) (EntityID, uint32, bool) {
	if dense < 0 || dense >= len(p.dense) {
		return NoEntity, 0, false
	}
	return p.ids[dense], p.revs[dense], true
}

// SyncAll treats peer as fully caught up on every entry.
func (p *Pool[T]) SyncAll(peer uint8) {
	if peer >= 64 {
		return
	}
	bit := uint64(1) << peer
	for i := range p.synced {
		p.synced[i] |= bit
		p.delivered[i] |= bit
	}
}

// ForgetPeer clears peer's bit on every entry, e.g. when its slot is freed so
// the next occupant starts from nothing.
func (p *Pool[T]) ForgetPeer(peer uint8) {
	if peer >= 64 {
		return
	}
	bit := uint64(1) << peer
	for i := range p.synced {
		p.synced[i] &^= bit
		p.delivered[i] &^= bit
	}
}

// UnsyncFor clears one peer's bit and re-queues the entry.
func (p *Pool[T]) UnsyncFor(peer uint8, dense int) {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 {
		return
	}
	p.synced[dense] &^= 1 << peer
	p.enqueue(dense)
}

func (p *Pool[T]) IsSyncedTo(peer uint8, dense int) bool {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 {
		return false
	}
	return p.synced[dense]&(1<<peer) != 0
}

// IsDeliveredTo reports whether peer acked any revision of the entry, even
// one that has since been overwritten.
func (p *Pool[T]) IsDeliveredTo(peer uint8, dense int) bool {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 {
		return false
	}
	return p.delivered[dense]&(1<<peer) != 0
}

// Withdraw treats peer as no longer holding the entry at all: both bits are
// cleared and the entry is re-queued, so a later admission sends it afresh.
func (p *Pool[T]) Withdraw(peer uint8, dense int) {
	if dense < 0 || dense >= len(p.dense) || peer >= 64 {
		return
	}
	p.delivered[dense] &^= 1 << peer
	p.UnsyncFor(peer, dense)
}

// SyncedMask returns the raw synced bitmask for id.
func (p *Pool[T]) SyncedMask(id EntityID) (uint64, bool) {
	d, ok := p.Index(id)
	if !ok {
		return 0, false
	}
	return p.synced[d], true
}

// EachUnsynced walks only the pending list. Entries whose id no longer
// resolves, duplicates, and entries synced to every connected remote peer are
// dropped in place; survivors stay pending and fn is called for those whose
// bit for peer is clear. fn may mutate the value and call Unsync/UnsyncFor,
// but must not Add or Remove on this pool.
func (p *Pool[T]) EachUnsynced(peer uint8, fn func(id EntityID, v *T, dense int)) {
	p.epoch++
	if p.epoch == 0 {
		clear(p.seen)
		p.epoch = 1
	}
	p.walking = true
	defer func() { p.walking = false }()
	remote := p.peers.RemoteMask()
	var bit uint64
	if peer < 64 {
		bit = 1 << peer
	}

	n := len(p.pending)
	w := 0
	for r := 0; r < n; r++ {
		id := p.pending[r]
		d, ok := p.Index(id)
		if !ok || p.seen[d] == p.epoch {
			continue
		}
		if p.synced[d]&remote == remote {
			p.queued[d] = false
			continue
		}
		p.seen[d] = p.epoch
		p.pending[w] = id
		w++
		if bit != 0 && p.synced[d]&bit == 0 {
			fn(id, &p.dense[d], d)
		}
	}
	// fn may have queued entries past n; slide them down behind the survivors.
	p.pending = append(p.pending[:w], p.pending[n:]...)
}

// CountUnsynced reports how many entries EachUnsynced would hand to peer.
func (p *Pool[T]) CountUnsynced(peer uint8) int {
	count := 0
	p.EachUnsynced(peer, func(EntityID, *T, int) { count++ })
	return count
}

// PendingLen is the raw pending list length, stale occurrences included.
func (p *Pool[T]) PendingLen() int {
	return len(p.pending)
}

// RependAll rebuilds the pending list from every dense entry.
func (p *Pool[T]) RependAll() {
	p.pending = p.pending[:0]
	for d, id := range p.ids {
		p.pending = append(p.pending, id)
		p.queued[d] = true
	}
}

// Each iterates dense storage in dense order.
func (p *Pool[T]) Each(fn func(EntityID, *T)) {
	for i := range p.dense {
		fn(p.ids[i], &p.dense[i])
	}
}

// Resident returns the id currently stored for id's slot index, whatever its
// generation, or NoEntity.
func (p *Pool[T]) Resident(id EntityID) EntityID {
	idx := id.Index()
	if int(idx) >= len(p.sparse) || p.sparse[idx] == noDense {
		return NoEntity
	}
	return p.ids[p.sparse[idx]]
}

// DenseID returns the id stored at a dense index.
func (p *Pool[T]) DenseID(dense int) EntityID {
	if dense < 0 || dense >= len(p.ids) {
		return NoEntity
	}
	return p.ids[dense]
}

// ShrinkToFit releases spare capacity, keeping contents.
func (p *Pool[T]) ShrinkToFit() {
	p.dense = shrink(p.dense)
	p.ids = shrink(p.ids)
	p.synced = shrink(p.synced)
	p.delivered = shrink(p.delivered)
	p.revs = shrink(p.revs)
	p.queued = shrink(p.queued)
	p.seen = shrink(p.seen)
	p.pending = shrink(p.pending)
	hi := len(p.sparse)
	for hi > 0 && p.sparse[hi-1] == noDense {
		hi--
	}
	p.sparse = shrink(p.sparse[:hi])
}

// Reset drops every entry and its memory. The pool itself stays registered.
func (p *Pool[T]) Reset() {
	p.dense = nil
	p.ids = nil
	p.synced = nil
	p.delivered = nil
	p.revs = nil
	p.queued = nil
	p.seen = nil
	p.sparse = nil
	p.pending = nil
	p.epoch = 0
}

func (p *Pool[T]) invalidate(d int) {
	p.synced[d] = 0
	p.revs[d]++
	p.enqueue(d)
}

func (p *Pool[T]) enqueue(d int) {
	if p.queued[d] {
		return
	}
	if !p.walking && len(p.pending) >= 2*len(p.dense)+compactSlack {
		p.compact()
	}
	p.queued[d] = true
	p.pending = append(p.pending, p.ids[d])
}

// compact drops stale and duplicate occurrences from pending, keeping the
// first occurrence of every queued entry in order. Pools nobody walks with
// EachUnsynced (mirrors on a client, host-only pools) rely on it to stay
// bounded under churn.
func (p *Pool[T]) compact() {
	w := 0
	for _, id := range p.pending {
		d, ok := p.Index(id)
		if !ok || !p.queued[d] {
			continue
		}
		p.queued[d] = false
		p.pending[w] = id
		w++
	}
	for _, id := range p.pending[:w] {
		d, _ := p.Index(id)
		p.queued[d] = true
	}
	clear(p.pending[w:])
	p.pending = p.pending[:w]
}

func shrink[S ~[]E, E any](s S) S {
	if cap(s) == len(s) {
		return s
	}
	out := make(S, len(s))
	copy(out, s)
	return out
}
