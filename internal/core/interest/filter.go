package interest

import (
	"fmt"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/peer"
)

// Locator measures how far id is from what peer is looking at. ok=false means
// the distance is unknown, which counts as out of range.
type Locator func(peer uint8, id ecs.EntityID) (dist float32, ok bool)

// Filter gates one replicated pool per peer with hysteresis: an entry becomes
// visible inside the enter radius and stays visible until it is beyond the
// leave radius, so entries hovering at the border do not flap.
type Filter struct {
	enter, leave float32
	known        [peer.MaxPeers]map[ecs.EntityID]struct{}
}

func NewFilter(enter, leave float32) (*Filter, error) {
	if enter <= 0 {
		return nil, fmt.Errorf("interest: enter radius %v must be positive", enter)
	}
	if leave < enter {
		return nil, fmt.Errorf("interest: leave radius %v below enter radius %v", leave, enter)
	}
	return &Filter{enter: enter, leave: leave}, nil
}

func (f *Filter) Enter() float32 { return f.enter }
func (f *Filter) Leave() float32 { return f.leave }

// Admit decides at send time whether id may go to p. Unknown entries are
// admitted only inside the enter radius. Known entries keep flowing until
// Sweep retires them, so a value lost in flight is still delivered before
// the entry is hidden.
func (f *Filter) Admit(p uint8, id ecs.EntityID, dist float32) bool {
	if p >= peer.MaxPeers {
		return false
	}
	set := f.known[p]
	if _, ok := set[id]; ok {
		return true
	}
	if dist > f.enter {
		return false
	}
	if set == nil {
		set = make(map[ecs.EntityID]struct{})
		f.known[p] = set
	}
	set[id] = struct{}{}
	return true
}

// Sweep retires entries in p's known set that moved past the leave radius.
// An entry is only retired once p has acked some revision of it
// (IsDeliveredTo), so entries that change faster than an ack round trip still
// leave. The entry is then withdrawn so re-entry resends the current value,
// and onLeave is told so the transport can hide it. Entries no longer in
// store are forgotten silently. Returns the number retired.
func (f *Filter) Sweep(p uint8, store ecs.Store, locate Locator, onLeave func(ecs.EntityID)) int {
	if p >= peer.MaxPeers {
		return 0
	}
	n := 0
	for id := range f.known[p] {
		dense, ok := store.Index(id)
		if !ok {
			delete(f.known[p], id)
			continue
		}
		if d, ok := locate(p, id); ok && d <= f.leave {
			continue
		}
		if !store.IsDeliveredTo(p, dense) {
			continue
		}
		store.Withdraw(p, dense)
		delete(f.known[p], id)
		n++
		if onLeave != nil {
			onLeave(id)
		}
	}
	return n
}

// Known reports whether id is currently visible to p.
func (f *Filter) Known(p uint8, id ecs.EntityID) bool {
	if p >= peer.MaxPeers {
		return false
	}
	_, ok := f.known[p][id]
	return ok
}

func (f *Filter) KnownLen(p uint8) int {
	if p >= peer.MaxPeers {
		return 0
	}
	return len(f.known[p])
}

// Forget drops p's known set; called when the peer disconnects.
func (f *Filter) Forget(p uint8) {
	if p < peer.MaxPeers {
		f.known[p] = nil
	}
}
