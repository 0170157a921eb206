package peer

import (
	"github.com/l1jgo/replicore/internal/core/ecs"
)

const (
	// MaxPeers is the width of the occupancy mask.
	MaxPeers = 64
	// NoPeer means "no slot": an unassigned self, or a full table.
	NoPeer uint8 = 255
	// DefaultRingSize is the sent-packet retention window per peer.
	DefaultRingSize = 64
)

// Resolver maps a pool id carried in a sync record back to its store.
// *ecs.Registry satisfies it.
type Resolver interface {
	Store(id ecs.PoolID) ecs.Store
}

// Peer is one slot of the table.
type Peer struct {
	Connected   bool
	ConnectTick uint64
	UserData    any

	nextSeq uint16
	open    int // ring index of the packet being assembled, -1 when none
	ring    []sent
}

type record struct {
	pool  ecs.PoolID
	dense int32
	id    ecs.EntityID
	rev   uint32
}

type sent struct {
	seq     uint16
	active  bool
	records []record
}

// Table holds the 64 peer slots and their outboxes. Single-goroutine access
// only (game loop).
type Table struct {
	peers    [MaxPeers]Peer
	mask     uint64
	self     uint8
	tick     uint64
	ringSize int
	stores   Resolver
}

func NewTable(ringSize int, stores Resolver) *Table {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	t := &Table{self: NoPeer, ringSize: ringSize, stores: stores}
	for i := range t.peers {
		t.peers[i].open = -1
	}
	return t
}

func (t *Table) RingSize() int { return t.ringSize }

// SetSelf claims slot for the local kernel: 0 on a host, the slot assigned by
// the host on a client. NoPeer releases the claim.
func (t *Table) SetSelf(slot uint8) {
	if t.self < MaxPeers {
		t.mask &^= 1 << t.self
	}
	t.self = slot
	if slot < MaxPeers {
		t.mask |= 1 << slot
	}
}

func (t *Table) Self() uint8 { return t.self }

// Mask is the occupancy mask, self included.
func (t *Table) Mask() uint64 { return t.mask }

// RemoteMask is the occupancy mask without self.
func (t *Table) RemoteMask() uint64 {
	if t.self < MaxPeers {
		return t.mask &^ (1 << t.self)
	}
	return t.mask
}

// Connect takes the lowest free slot. It returns NoPeer when all 64 are taken.
func (t *Table) Connect(userData any) uint8 {
	for slot := uint8(0); slot < MaxPeers; slot++ {
		if t.mask&(1<<slot) == 0 {
			t.occupy(slot, userData)
			return slot
		}
	}
	return NoPeer
}

// ConnectAt occupies a specific slot; false if it is out of range or taken.
func (t *Table) ConnectAt(slot uint8, userData any) bool {
	if slot >= MaxPeers || t.mask&(1<<slot) != 0 {
		return false
	}
	t.occupy(slot, userData)
	return true
}

// Disconnect frees slot and drops its outbox. Self cannot be disconnected.
func (t *Table) Disconnect(slot uint8) bool {
	if slot >= MaxPeers || slot == t.self || !t.peers[slot].Connected {
		return false
	}
	t.reset(slot)
	t.mask &^= 1 << slot
	return true
}

func (t *Table) Connected(slot uint8) bool {
	return slot < MaxPeers && slot != t.self && t.peers[slot].Connected
}

// Peer returns the record for a connected remote slot.
func (t *Table) Peer(slot uint8) (*Peer, bool) {
	if !t.Connected(slot) {
		return nil, false
	}
	return &t.peers[slot], true
}

// Each visits connected remote peers in slot order.
func (t *Table) Each(fn func(slot uint8, p *Peer)) {
	for slot := uint8(0); slot < MaxPeers; slot++ {
		if t.Connected(slot) {
			fn(slot, &t.peers[slot])
		}
	}
}

// Count is the number of connected remote peers.
func (t *Table) Count() int {
	n := 0
	for m := t.RemoteMask(); m != 0; m &= m - 1 {
		n++
	}
	return n
}

// Advance moves the connect-tick counter; called once per frame.
func (t *Table) Advance() { t.tick++ }

func (t *Table) Tick() uint64 { return t.tick }

// Reset disconnects everyone and forgets self.
func (t *Table) Reset() {
	for slot := uint8(0); slot < MaxPeers; slot++ {
		t.reset(slot)
	}
	t.mask = 0
	t.self = NoPeer
}

func (t *Table) occupy(slot uint8, userData any) {
	t.reset(slot)
	p := &t.peers[slot]
	p.Connected = true
	p.ConnectTick = t.tick
	p.UserData = userData
	p.ring = make([]sent, t.ringSize)
	t.mask |= 1 << slot
}

func (t *Table) reset(slot uint8) {
	t.peers[slot] = Peer{open: -1}
}
