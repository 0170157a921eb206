package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedMask uint64

func (m *fixedMask) RemoteMask() uint64 { return uint64(*m) }

type pos struct{ X, Y float32 }

func newTestPool(mask *fixedMask) *Pool[pos] {
	return NewPool[pos]("position", 0, mask)
}

func unsyncedIDs(p *Pool[pos], peer uint8) []EntityID {
	var out []EntityID
	p.EachUnsynced(peer, func(id EntityID, _ *pos, _ int) {
		out = append(out, id)
	})
	return out
}

func TestPool_AddGetHas(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	a := NewEntityID(3, 1)

	p.Add(a, pos{X: 1})
	got, ok := p.Get(a)
	require.True(t, ok)
	assert.Equal(t, float32(1), got.X)
	assert.True(t, p.Has(a))

	stale := NewEntityID(3, 2)
	assert.False(t, p.Has(stale), "generation mismatch must not resolve")
	_, ok = p.Get(NewEntityID(99, 1))
	assert.False(t, ok)
}

func TestPool_AddClearsSyncMask(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)

	p.Add(a, pos{})
	m, _ := p.SyncedMask(a)
	assert.Zero(t, m)

	p.Sync(0, 0)
	p.Sync(1, 0)
	m, _ = p.SyncedMask(a)
	assert.Equal(t, uint64(0b11), m)

	p.Add(a, pos{X: 5})
	m, _ = p.SyncedMask(a)
	assert.Zero(t, m, "overwrite must clear every peer bit")
}

func TestPool_SyncSetsOnlyThatPeer(t *testing.T) {
	mask := fixedMask(0b111)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)
	p.Add(a, pos{})

	p.Sync(2, 0)
	m, _ := p.SyncedMask(a)
	assert.Equal(t, uint64(0b100), m)

	p.Unsync(a)
	m, _ = p.SyncedMask(a)
	assert.Zero(t, m)
}

func TestPool_SwapRemovePreservesSyncState(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a, b, c := NewEntityID(0, 1), NewEntityID(1, 1), NewEntityID(2, 1)
	p.Add(a, pos{X: 1})
	p.Add(b, pos{X: 2})
	p.Add(c, pos{X: 3})

	p.Sync(0, 0) // a synced to peer 0
	p.Sync(1, 2) // c synced to peer 1

	p.Remove(a)

	require.Equal(t, 2, p.Len())
	assert.Equal(t, c, p.DenseID(0), "last entry takes the vacated slot")
	d, ok := p.Index(c)
	require.True(t, ok)
	assert.Equal(t, 0, d)
	assert.False(t, p.IsSyncedTo(0, 0), "c must not inherit a's bit")
	assert.True(t, p.IsSyncedTo(1, 0), "c keeps its own bit")

	got, ok := p.Get(c)
	require.True(t, ok)
	assert.Equal(t, float32(3), got.X)
	assert.False(t, p.Has(a))
}

func TestPool_EachUnsyncedVisitsOnlyMissingPeer(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a, b := NewEntityID(0, 1), NewEntityID(1, 1)
	p.Add(a, pos{})
	p.Add(b, pos{})

	p.Sync(0, 0)

	assert.Equal(t, []EntityID{b}, unsyncedIDs(p, 0))
	assert.ElementsMatch(t, []EntityID{a, b}, unsyncedIDs(p, 1))
	assert.Equal(t, 2, p.PendingLen(), "both still needed by someone")
}

func TestPool_EachUnsyncedDropsFullySynced(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a, b := NewEntityID(0, 1), NewEntityID(1, 1)
	p.Add(a, pos{})
	p.Add(b, pos{})

	p.SyncAll(0)
	p.Sync(1, 0)

	assert.Equal(t, []EntityID{b}, unsyncedIDs(p, 1))
	assert.Equal(t, 1, p.PendingLen(), "a is synced to every remote and leaves pending")

	p.Unsync(a)
	assert.Equal(t, 2, p.PendingLen())
	assert.Equal(t, []EntityID{a}, unsyncedIDs(p, 0), "b is already synced to peer 0")
}

func TestPool_EachUnsyncedDropsStale(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	a, b := NewEntityID(0, 1), NewEntityID(1, 1)
	p.Add(a, pos{})
	p.Add(b, pos{})

	p.Remove(a)
	assert.Equal(t, 2, p.PendingLen(), "stale occurrence lingers until the next pass")
	assert.Equal(t, []EntityID{b}, unsyncedIDs(p, 0))
	assert.Equal(t, 1, p.PendingLen())

	// Same slot, new generation: the old id stays unresolvable.
	again := NewEntityID(0, 2)
	p.Add(again, pos{})
	assert.ElementsMatch(t, []EntityID{b, again}, unsyncedIDs(p, 0))
}

func TestPool_EachUnsyncedNoDuplicatesAfterReAdd(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)
	p.Add(a, pos{})
	p.Remove(a)
	p.Add(a, pos{X: 9})

	ids := unsyncedIDs(p, 0)
	assert.Equal(t, []EntityID{a}, ids)
	assert.Equal(t, 1, p.PendingLen())
}

func TestPool_EachUnsyncedWithoutPeersEmptiesPending(t *testing.T) {
	mask := fixedMask(0)
	p := newTestPool(&mask)
	p.Add(NewEntityID(0, 1), pos{})
	p.Add(NewEntityID(1, 1), pos{})

	assert.Empty(t, unsyncedIDs(p, 0))
	assert.Zero(t, p.PendingLen())

	// A joining peer needs everything again.
	mask = 0b1
	p.RependAll()
	assert.Len(t, unsyncedIDs(p, 0), 2)
}

func TestPool_EachUnsyncedCallbackMayUnsyncOthers(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a, b := NewEntityID(0, 1), NewEntityID(1, 1)
	p.Add(a, pos{})
	p.Add(b, pos{})
	p.SyncAll(0)
	p.SyncAll(1)
	// a is fully synced and leaves pending; b stays for peer 1.
	p.UnsyncFor(1, 1)

	var visited []EntityID
	p.EachUnsynced(1, func(id EntityID, v *pos, _ int) {
		visited = append(visited, id)
		v.X = 7
		p.Unsync(a)
	})
	assert.Equal(t, []EntityID{b}, visited)
	assert.Equal(t, 2, p.PendingLen(), "a re-queued behind survivors")
	assert.ElementsMatch(t, []EntityID{a, b}, unsyncedIDs(p, 1))

	got, _ := p.Get(b)
	assert.Equal(t, float32(7), got.X)
}

func TestPool_UnsyncForAndIsSyncedTo(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)
	p.Add(a, pos{})
	p.SyncAll(0)
	p.SyncAll(1)
	assert.Empty(t, unsyncedIDs(p, 0))
	assert.Zero(t, p.PendingLen())

	p.UnsyncFor(1, 0)
	assert.True(t, p.IsSyncedTo(0, 0))
	assert.False(t, p.IsSyncedTo(1, 0))
	assert.Empty(t, unsyncedIDs(p, 0))
	assert.Equal(t, []EntityID{a}, unsyncedIDs(p, 1))

	assert.False(t, p.IsSyncedTo(0, 5), "out of range is never synced")
}

func TestPool_ForgetPeerClearsOnlyThatBit(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)
	p.Add(a, pos{})
	p.SyncAll(0)
	p.SyncAll(1)

	p.ForgetPeer(1)
	m, ok := p.SyncedMask(a)
	require.True(t, ok)
	assert.Equal(t, uint64(0b01), m)

	p.RependAll()
	assert.Equal(t, []EntityID{a}, unsyncedIDs(p, 1))
}

func TestPool_SyncStampedRejectsChangedEntry(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	a, b := NewEntityID(0, 1), NewEntityID(1, 1)
	p.Add(a, pos{})
	p.Add(b, pos{})

	id, rev, ok := p.Stamp(0)
	require.True(t, ok)
	require.Equal(t, a, id)

	p.Unsync(a)
	p.SyncStamped(0, 0, id, rev)
	assert.False(t, p.IsSyncedTo(0, 0), "value changed after it was sent")
	assert.True(t, p.IsDeliveredTo(0, 0), "an older revision still arrived")

	id, rev, _ = p.Stamp(0)
	p.Remove(a) // b moves into dense 0
	p.SyncStamped(0, 0, id, rev)
	assert.False(t, p.IsSyncedTo(0, 0), "slot now holds a different id")
	assert.False(t, p.IsDeliveredTo(0, 0), "b did not inherit a's delivery")
}

func TestPool_WithdrawClearsDeliveryAndRequeues(t *testing.T) {
	mask := fixedMask(0b11)
	p := newTestPool(&mask)
	a := NewEntityID(0, 1)
	p.Add(a, pos{})
	p.SyncAll(0)
	p.SyncAll(1)
	assert.Empty(t, unsyncedIDs(p, 0))

	p.Withdraw(1, 0)
	assert.False(t, p.IsDeliveredTo(1, 0))
	assert.False(t, p.IsSyncedTo(1, 0))
	assert.True(t, p.IsDeliveredTo(0, 0), "other peers keep theirs")
	assert.Equal(t, []EntityID{a}, unsyncedIDs(p, 1))

	p.ForgetPeer(0)
	assert.False(t, p.IsDeliveredTo(0, 0))
}

func TestPool_PendingStaysBoundedWithoutWalks(t *testing.T) {
	mask := fixedMask(0b10)
	p := newTestPool(&mask)
	keep := []EntityID{NewEntityID(0, 1), NewEntityID(1, 1), NewEntityID(2, 1)}
	for _, id := range keep {
		p.Add(id, pos{})
	}

	for gen := uint32(1); gen <= 100_000; gen++ {
		id := NewEntityID(7, gen)
		p.Add(id, pos{})
		p.Remove(id)
	}
	// the same id removed and re-added leaves two live occurrences
	p.Remove(keep[0])
	p.Add(keep[0], pos{X: 1})
	for gen := uint32(1); gen <= 200; gen++ {
		id := NewEntityID(8, gen)
		p.Add(id, pos{})
		p.Remove(id)
	}

	assert.Equal(t, 3, p.Len())
	assert.LessOrEqual(t, p.PendingLen(), 2*(p.Len()+1)+compactSlack)
	assert.ElementsMatch(t, keep, unsyncedIDs(p, 1), "live entries survive compaction once each")
}

func TestPool_ResetAndShrink(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	for i := uint32(0); i < 100; i++ {
		p.Add(NewEntityID(i, 1), pos{})
	}
	for i := uint32(10); i < 100; i++ {
		p.Remove(NewEntityID(i, 1))
	}
	p.ShrinkToFit()
	assert.Equal(t, 10, p.Len())
	assert.Equal(t, 10, cap(p.dense))
	assert.True(t, p.Has(NewEntityID(9, 1)))

	p.Reset()
	assert.Zero(t, p.Len())
	assert.False(t, p.Has(NewEntityID(0, 1)))
	p.Add(NewEntityID(0, 1), pos{})
	assert.Equal(t, 1, p.Len(), "pool is reusable after reset")
}

func TestEach2(t *testing.T) {
	mask := fixedMask(0)
	ps := newTestPool(&mask)
	vs := NewPool[float32]("velocity", 1, &mask)
	a, b, c := NewEntityID(0, 1), NewEntityID(1, 1), NewEntityID(2, 1)
	ps.Add(a, pos{})
	ps.Add(b, pos{})
	vs.Add(b, 2)
	vs.Add(c, 3)

	var hits []EntityID
	Each2(ps, vs, func(id EntityID, p *pos, v *float32) {
		p.X += *v
		hits = append(hits, id)
	})
	assert.Equal(t, []EntityID{b}, hits)
	got, _ := ps.Get(b)
	assert.Equal(t, float32(2), got.X)
}

func TestPool_AddReplacesOtherGeneration(t *testing.T) {
	mask := fixedMask(0b1)
	p := newTestPool(&mask)
	old, fresh := NewEntityID(3, 1), NewEntityID(3, 2)
	p.Add(old, pos{X: 1})
	p.Add(fresh, pos{X: 2})

	assert.Equal(t, 1, p.Len())
	assert.False(t, p.Has(old))
	assert.Equal(t, fresh, p.Resident(old))
	p.Remove(old)
	assert.True(t, p.Has(fresh), "removing the stale id is a no-op")
}
