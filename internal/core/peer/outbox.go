package peer

import (
	"github.com/l1jgo/replicore/internal/core/ecs"
)

// SendBegin opens the next packet for slot and returns its sequence. The ring
// slot the sequence maps to is overwritten; whatever it held has expired.
func (t *Table) SendBegin(slot uint8) uint16 {
	p, ok := t.Peer(slot)
	if !ok {
		return 0
	}
	seq := p.nextSeq
	p.nextSeq++
	i := int(seq) % len(p.ring)
	s := &p.ring[i]
	s.seq = seq
	s.active = true
	clear(s.records)
	s.records = s.records[:0]
	p.open = i
	return seq
}

// SendTrack records that the open packet carries the entry at dense in pool.
// The entry's current id and revision are stamped so a later ack only
// confirms what was actually sent.
func (t *Table) SendTrack(slot uint8, pool ecs.PoolID, dense int) {
	p, ok := t.Peer(slot)
	if !ok || p.open < 0 {
		return
	}
	st := t.stores.Store(pool)
	if st == nil {
		return
	}
	id, rev, ok := st.Stamp(dense)
	if !ok {
		return
	}
	s := &p.ring[p.open]
	s.records = append(s.records, record{pool: pool, dense: int32(dense), id: id, rev: rev})
}

// SendEnd closes the open packet and returns how many records it carries.
func (t *Table) SendEnd(slot uint8) int {
	p, ok := t.Peer(slot)
	if !ok || p.open < 0 {
		return 0
	}
	n := len(p.ring[p.open].records)
	p.open = -1
	return n
}

// RecvAck confirms every record of packet seq for slot and retires it. Acks
// for sequences whose ring slot expired or was already acked are ignored.
// Returns the number of records replayed.
func (t *Table) RecvAck(slot uint8, seq uint16) int {
	p, ok := t.Peer(slot)
	if !ok {
		return 0
	}
	i := int(seq) % len(p.ring)
	s := &p.ring[i]
	if !s.active || s.seq != seq {
		return 0
	}
	for _, r := range s.records {
		if st := t.stores.Store(r.pool); st != nil {
			st.SyncStamped(slot, int(r.dense), r.id, r.rev)
		}
	}
	n := len(s.records)
	s.active = false
	clear(s.records)
	s.records = s.records[:0]
	if p.open == i {
		p.open = -1
	}
	return n
}

// RecvAckRange acks every sequence in [from, to], wrapping at 16 bits. Only
// the newest ring-size sequences of the range can still be live, so older
// ones are skipped.
func (t *Table) RecvAckRange(slot uint8, from, to uint16) int {
	if !t.Connected(slot) {
		return 0
	}
	span := int(to - from)
	if span >= t.ringSize {
		from = to - uint16(t.ringSize-1)
		span = t.ringSize - 1
	}
	n := 0
	for i := 0; i <= span; i++ {
		n += t.RecvAck(slot, from+uint16(i))
	}
	return n
}

// InFlight counts unacked packets still held in slot's ring.
func (t *Table) InFlight(slot uint8) int {
	p, ok := t.Peer(slot)
	if !ok {
		return 0
	}
	n := 0
	for i := range p.ring {
		if p.ring[i].active {
			n++
		}
	}
	return n
}

// SendCancel discards the open packet of slot and gives its sequence back.
// Used when there turned out to be nothing worth sending.
func (t *Table) SendCancel(slot uint8) {
	p, ok := t.Peer(slot)
	if !ok || p.open < 0 {
		return
	}
	s := &p.ring[p.open]
	s.active = false
	clear(s.records)
	s.records = s.records[:0]
	p.open = -1
	p.nextSeq--
}
