package replication

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/interest"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
	rnet "github.com/l1jgo/replicore/internal/net"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// Endpoint is the datagram socket the replication layer runs over.
// *net.Endpoint implements it.
type Endpoint interface {
	rnet.Sender
	Inbox() <-chan rnet.Datagram
	MaxPayload() int
}

// HostOptions configures NewHost.
type HostOptions struct {
	Network  config.NetworkConfig
	Interest config.InterestConfig
	// Locate measures entity distance from a peer's viewpoint. Required when
	// interest filtering is enabled.
	Locate interest.Locator
	Now    func() time.Time
}

type remote struct {
	link     *rnet.Link
	lastSend time.Time

	hides    []hide            // waiting for a packet
	inFlight map[uint16][]hide // sent, waiting for an ack
}

// Host serves replicated pools to remote peers over one endpoint.
type Host struct {
	k    *kernel.Kernel
	ep   Endpoint
	reg  *packet.Registry
	opts HostOptions
	log  *zap.Logger

	links   map[netip.AddrPort]*rnet.Link
	remotes [peer.MaxPeers]*remote
	filters map[ecs.PoolID]*interest.Filter
	graves  *graveyard

	w *packet.Writer
}

// NewHost registers the host tasks on k and makes k the host.
func NewHost(k *kernel.Kernel, ep Endpoint, opts HostOptions) (*Host, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Host{
		k:       k,
		ep:      ep,
		opts:    opts,
		log:     k.Log().Named("host"),
		links:   make(map[netip.AddrPort]*rnet.Link),
		filters: make(map[ecs.PoolID]*interest.Filter),
		w:       packet.NewWriter(),
	}
	h.reg = packet.NewRegistry(h.log)
	h.reg.Register(packet.C_OPCODE_CONNECT, []packet.LinkState{packet.StateHandshake, packet.StateConnected}, h.handleConnect)
	h.reg.Register(packet.C_OPCODE_ACK, []packet.LinkState{packet.StateConnected}, h.handleAck)
	h.reg.Register(packet.C_OPCODE_DISCONNECT, []packet.LinkState{packet.StateConnected}, h.handleDisconnect)

	if opts.Interest.Enabled && opts.Locate == nil {
		return nil, fmt.Errorf("host: interest filtering needs a locator")
	}

	k.SetHost(true)
	h.graves = newGraveyard(k, opts.Network.TombstoneTTL, opts.Now)
	k.OnPeer(h.onPeer)

	tasks := []task{
		{system.TaskSpec{Name: "replication.host.input", Priority: system.PhaseInput.Priority(), Filter: system.RunHostOnly}, h.input},
		{system.TaskSpec{Name: "replication.host.tombstones", Priority: system.PhasePreUpdate.Priority(), Filter: system.RunHostOnly}, h.graves.bury},
		{system.TaskSpec{Name: "replication.host.output", Priority: system.PhaseOutput.Priority(), Hz: opts.Network.SendRate, Filter: system.RunHostOnly}, h.output},
	}
	if opts.Interest.Enabled {
		tasks = append(tasks, task{system.TaskSpec{Name: "replication.host.sweep", Priority: system.PhasePostUpdate.Priority(), Hz: opts.Interest.SweepRate, Filter: system.RunHostOnly}, h.sweep})
	}
	if err := schedule(k, tasks); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	return h, nil
}

// Filter returns the interest filter for a replicated pool, creating it on
// first use. nil when interest filtering is disabled.
func (h *Host) Filter(pool ecs.PoolID) *interest.Filter {
	if !h.opts.Interest.Enabled {
		return nil
	}
	if f, ok := h.filters[pool]; ok {
		return f
	}
	if st := h.k.World().Registry().Store(pool); st == nil || st.Name() == TombstonePool {
		return nil
	}
	f, err := interest.NewFilter(h.opts.Interest.EnterRadius, h.opts.Interest.LeaveRadius)
	if err != nil {
		h.log.Error("interest filter disabled", zap.Error(err))
		h.opts.Interest.Enabled = false
		return nil
	}
	h.filters[pool] = f
	return f
}

// Link returns the link bound to a peer slot.
func (h *Host) Link(slot uint8) (*rnet.Link, bool) {
	if slot >= peer.MaxPeers || h.remotes[slot] == nil {
		return nil, false
	}
	return h.remotes[slot].link, true
}

// Close tells every peer the host is going away.
func (h *Host) Close() {
	bye := []byte{packet.S_OPCODE_DISCONNECT}
	for slot, r := range h.remotes {
		if r == nil {
			continue
		}
		r.link.Send(bye)
		r.link.FlushOutput()
		h.k.Disconnect(uint8(slot))
	}
}

// --- input ---

func (h *Host) input(k *kernel.Kernel, _ time.Duration) error {
	now := h.opts.Now()
	limit := h.opts.Network.MaxPacketsPerTick
	if limit <= 0 {
		limit = math.MaxInt
	}
drain:
	for n := 0; n < limit; n++ {
		select {
		case d := <-h.ep.Inbox():
			h.dispatch(d, now)
		default:
			break drain
		}
	}

	for slot, r := range h.remotes {
		if r != nil && r.link.Idle(now, h.opts.Network.PeerTimeout) {
			h.log.Info("peer timed out", zap.Int("slot", slot), zap.Stringer("addr", r.link.Addr))
			k.Disconnect(uint8(slot))
		}
	}
	return nil
}

func (h *Host) dispatch(d rnet.Datagram, now time.Time) {
	link, ok := h.links[d.Addr]
	if !ok {
		// Unknown address: only a handshake is accepted, on a throwaway link.
		link = rnet.NewLink(h.ep, d.Addr, uuid.Nil, peer.NoPeer, h.log)
	}
	link.Touch(now)
	if err := h.reg.Dispatch(link, link.State(), d.Data); err != nil {
		h.log.Debug("datagram dropped", zap.Stringer("addr", d.Addr), zap.Error(err))
	}
}

func (h *Host) handleConnect(l any, r *packet.Reader) error {
	link := l.(*rnet.Link)
	version := r.ReadH()
	nonce := readNonce(r)
	if err := r.Err(); err != nil {
		return err
	}

	if link.State() == packet.StateConnected {
		if link.Nonce == nonce {
			// Our accept was lost; say it again.
			link.Send(buildAccept(nonce, link.Slot, h.poolNames()))
			link.FlushOutput()
			return nil
		}
		// Same address, new session: the old one is gone.
		h.k.Disconnect(link.Slot)
		link = rnet.NewLink(h.ep, link.Addr, uuid.Nil, peer.NoPeer, h.log)
	}

	if version != packet.ProtocolVersion {
		link.Send(buildReject(nonce, packet.RejectVersion))
		link.FlushOutput()
		return fmt.Errorf("protocol version %d, want %d", version, packet.ProtocolVersion)
	}

	accepted := rnet.NewLink(h.ep, link.Addr, nonce, peer.NoPeer, h.log)
	slot := h.k.Connect(accepted)
	if slot == peer.NoPeer {
		link.Send(buildReject(nonce, packet.RejectFull))
		link.FlushOutput()
		return nil
	}
	accepted.Slot = slot
	accepted.SetState(packet.StateConnected)
	accepted.Touch(h.opts.Now())
	h.links[accepted.Addr] = accepted
	h.remotes[slot] = &remote{link: accepted, lastSend: h.opts.Now(), inFlight: make(map[uint16][]hide)}
	h.log.Info("peer accepted", zap.Uint8("slot", slot), zap.Stringer("addr", accepted.Addr), zap.Stringer("nonce", nonce))

	accepted.Send(buildAccept(nonce, slot, h.poolNames()))
	accepted.FlushOutput()
	return nil
}

func (h *Host) handleAck(l any, r *packet.Reader) error {
	link := l.(*rnet.Link)
	rem := h.remotes[link.Slot]
	n := int(r.ReadC())
	for i := 0; i < n; i++ {
		from, to := r.ReadH(), r.ReadH()
		if r.Err() != nil {
			break
		}
		h.k.Peers().RecvAckRange(link.Slot, from, to)
		if rem != nil {
			for seq := range rem.inFlight {
				if !seqNewer(seq, to) && !seqNewer(from, seq) {
					delete(rem.inFlight, seq)
				}
			}
		}
	}
	return nil
}

func (h *Host) handleDisconnect(l any, _ *packet.Reader) error {
	link := l.(*rnet.Link)
	h.k.Disconnect(link.Slot)
	return nil
}

// onPeer keeps links, hides and filters in step with the peer table.
func (h *Host) onPeer(slot uint8, connected bool) {
	if connected || slot >= peer.MaxPeers {
		return
	}
	if r := h.remotes[slot]; r != nil {
		r.link.Close()
		delete(h.links, r.link.Addr)
		h.remotes[slot] = nil
	}
	for _, f := range h.filters {
		f.Forget(slot)
	}
}

func (h *Host) poolNames() []poolName {
	reps := h.k.Replicated()
	out := make([]poolName, 0, len(reps))
	for _, rep := range reps {
		out = append(out, poolName{id: rep.Handle(), name: rep.Name()})
	}
	return out
}

// --- interest ---

func (h *Host) sweep(k *kernel.Kernel, _ time.Duration) error {
	for slot, r := range h.remotes {
		if r == nil {
			continue
		}
		for _, rep := range k.Replicated() {
			f := h.Filter(rep.Handle())
			if f == nil {
				continue
			}
			pool := rep.Handle()
			f.Sweep(uint8(slot), rep.Store(), h.opts.Locate, func(id ecs.EntityID) {
				r.hides = append(r.hides, hide{pool: pool, id: id})
			})
		}
	}
	return nil
}

// --- output ---

func (h *Host) output(k *kernel.Kernel, _ time.Duration) error {
	limit := h.ep.MaxPayload()
	for slot, r := range h.remotes {
		if r == nil {
			continue
		}
		h.sendDelta(k, uint8(slot), r, limit)
	}
	return nil
}

// sendDelta builds at most one S_DELTA for slot. Entries that do not fit stay
// pending for the next tick.
func (h *Host) sendDelta(k *kernel.Kernel, slot uint8, r *remote, limit int) {
	peers := k.Peers()
	seq := peers.SendBegin(slot)
	h.requeueExpired(slot, r, seq)

	w := h.w
	w.Reset()
	w.WriteC(packet.S_OPCODE_DELTA)
	w.WriteH(seq)
	countAt := w.Len()
	w.WriteH(0)

	budget := limit - deltaTrailer
	if len(r.hides) > 0 {
		budget -= min(len(r.hides), 8) * hideSize
	}
	records := 0
	full := false
	for _, rep := range k.Replicated() {
		if full {
			break
		}
		pool := rep.Handle()
		f := h.Filter(pool)
		rep.EachUnsynced(slot, func(id ecs.EntityID, dense int) {
			if full || records == math.MaxUint16 {
				return
			}
			if f != nil {
				dist, ok := h.opts.Locate(slot, id)
				if !ok {
					dist = float32(math.Inf(1))
				}
				if !f.Admit(slot, id, dist) {
					return
				}
			}
			mark := w.Len()
			w.WriteH(uint16(pool))
			w.WriteQ(uint64(id))
			sizeAt := w.Len()
			w.WriteH(0)
			rep.Encode(w, dense)
			size := w.Len() - sizeAt - 2
			if w.Len() > budget || size > math.MaxUint16 {
				w.Truncate(mark)
				full = true
				return
			}
			w.PutH(sizeAt, uint16(size))
			peers.SendTrack(slot, pool, dense)
			records++
		})
	}
	w.PutH(countAt, uint16(records))

	hidesAt := w.Len()
	w.WriteH(0)
	sent := 0
	for sent < len(r.hides) && w.Len()+hideSize <= limit {
		hd := r.hides[sent]
		w.WriteH(uint16(hd.pool))
		w.WriteQ(uint64(hd.id))
		sent++
	}
	w.PutH(hidesAt, uint16(sent))
	if sent > 0 {
		r.inFlight[seq] = append(r.inFlight[seq][:0], r.hides[:sent]...)
		r.hides = append(r.hides[:0], r.hides[sent:]...)
	}
	if records == 0 && sent == 0 && !h.heartbeatDue(r) {
		peers.SendCancel(slot)
		return
	}
	peers.SendEnd(slot)
	r.lastSend = h.opts.Now()
	r.link.Send(w.Bytes())
	r.link.FlushOutput()
}

// heartbeatDue reports whether r has gone quiet long enough that an empty
// delta should go out to keep both ends from timing out.
func (h *Host) heartbeatDue(r *remote) bool {
	timeout := h.opts.Network.PeerTimeout
	return timeout > 0 && h.opts.Now().Sub(r.lastSend) >= timeout/4
}

// requeueExpired puts back hides whose packet can no longer be acked: the
// ring slot seq is about to reuse belonged to them. Hides for entries that
// became visible again are dropped.
func (h *Host) requeueExpired(slot uint8, r *remote, seq uint16) {
	window := uint16(h.k.Peers().RingSize())
	for s, hs := range r.inFlight {
		if seq-s < window {
			continue
		}
		for _, hd := range hs {
			if f := h.filters[hd.pool]; f != nil && f.Known(slot, hd.id) {
				continue
			}
			r.hides = append(r.hides, hd)
		}
		delete(r.inFlight, s)
	}
}
