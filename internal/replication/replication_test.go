package replication

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/kernel"
	rnet "github.com/l1jgo/replicore/internal/net"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// bus delivers datagrams between in-memory endpoints without sockets.
type bus struct {
	eps  map[netip.AddrPort]*memEndpoint
	drop func(from, to netip.AddrPort, data []byte) bool
}

type memEndpoint struct {
	bus   *bus
	addr  netip.AddrPort
	inbox chan rnet.Datagram
}

func newBus() *bus { return &bus{eps: make(map[netip.AddrPort]*memEndpoint)} }

func (b *bus) endpoint(addr string) *memEndpoint {
	ep := &memEndpoint{bus: b, addr: netip.MustParseAddrPort(addr), inbox: make(chan rnet.Datagram, 256)}
	b.eps[ep.addr] = ep
	return ep
}

func (e *memEndpoint) WriteTo(addr netip.AddrPort, payload []byte) error {
	dst, ok := e.bus.eps[addr]
	if !ok {
		return nil
	}
	if e.bus.drop != nil && e.bus.drop(e.addr, addr, payload) {
		return nil
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	dst.inbox <- rnet.Datagram{Addr: e.addr, Data: data}
	return nil
}

func (e *memEndpoint) Inbox() <-chan rnet.Datagram { return e.inbox }
func (e *memEndpoint) MaxPayload() int             { return 1200 }

type position struct{ X, Y float32 }

var positionCodec = kernel.CodecFuncs[position]{
	EncodeFunc: func(w *packet.Writer, v *position) { w.WriteF(v.X); w.WriteF(v.Y) },
	DecodeFunc: func(r *packet.Reader) (position, error) {
		return position{X: r.ReadF(), Y: r.ReadF()}, nil
	},
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

const frame = 50 * time.Millisecond

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Network.SendRate = 20
	cfg.Network.HandshakeRetry = frame
	cfg.Network.TombstoneTTL = 200 * time.Millisecond
	cfg.Network.PeerTimeout = time.Second
	return cfg
}

type rig struct {
	t     *testing.T
	clock *fakeClock
	bus   *bus

	host    *kernel.Kernel
	server  *Host
	hostPos *ecs.Pool[position]
}

func newRig(t *testing.T, cfg *config.Config) *rig {
	t.Helper()
	r := &rig{t: t, clock: &fakeClock{now: time.Unix(1000, 0)}, bus: newBus()}
	r.host = kernel.New(cfg, nil)
	t.Cleanup(r.host.Close)
	r.hostPos = kernel.Replicate[position](r.host, "position", positionCodec)

	var err error
	r.server, err = NewHost(r.host, r.bus.endpoint("10.0.0.1:7777"), HostOptions{
		Network:  cfg.Network,
		Interest: cfg.Interest,
		Locate:   r.locate,
		Now:      r.clock.Now,
	})
	require.NoError(t, err)
	return r
}

// locate measures distance from the origin.
func (r *rig) locate(_ uint8, id ecs.EntityID) (float32, bool) {
	p, ok := r.hostPos.Get(id)
	if !ok {
		return 0, false
	}
	return max(abs(p.X), abs(p.Y)), true
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

type replica struct {
	k   *kernel.Kernel
	c   *Client
	pos *ecs.Pool[position]
}

func (r *rig) join(addr string) *replica {
	r.t.Helper()
	k := kernel.New(r.host.Config(), nil)
	r.t.Cleanup(k.Close)
	pos := kernel.Replicate[position](k, "position", positionCodec)
	c, err := NewClient(k, r.bus.endpoint(addr), ClientOptions{
		Network: r.host.Config().Network,
		Host:    netip.MustParseAddrPort("10.0.0.1:7777"),
		Now:     r.clock.Now,
	})
	require.NoError(r.t, err)
	return &replica{k: k, c: c, pos: pos}
}

// step runs one frame on every client, then the host.
func (r *rig) step(clients ...*replica) {
	r.clock.now = r.clock.now.Add(frame)
	for _, c := range clients {
		c.k.RunFrame(frame)
	}
	r.host.RunFrame(frame)
}

func (r *rig) steps(n int, clients ...*replica) {
	for i := 0; i < n; i++ {
		r.step(clients...)
	}
}

func TestCoalesce(t *testing.T) {
	assert.Nil(t, coalesce(nil))
	assert.Equal(t, []ackRange{{1, 3}, {5, 5}}, coalesce([]uint16{3, 1, 2, 5, 2}))
	assert.Equal(t, []ackRange{{65534, 1}}, coalesce([]uint16{0, 65535, 1, 65534}), "runs across the wrap")
}

func TestSeqNewer(t *testing.T) {
	assert.True(t, seqNewer(2, 1))
	assert.False(t, seqNewer(1, 1))
	assert.True(t, seqNewer(0, 65535))
	assert.False(t, seqNewer(65535, 0))
}

func TestBuildAck_KeepsNewestRanges(t *testing.T) {
	ranges := make([]ackRange, 300)
	for i := range ranges {
		ranges[i] = ackRange{uint16(i * 2), uint16(i * 2)}
	}
	r := packet.NewReader(buildAck(ranges))
	require.Equal(t, packet.C_OPCODE_ACK, r.Opcode())
	require.Equal(t, byte(maxAckRanges), r.ReadC())
	assert.Equal(t, uint16(90), r.ReadH(), "oldest ranges are dropped first")
}

func TestHandshakeAndFullState(t *testing.T) {
	r := newRig(t, testConfig())
	r.hostPos.Add(r.host.Spawn("a"), position{X: 1, Y: 2})
	b := r.host.Spawn("b")
	r.hostPos.Add(b, position{X: 3, Y: 4})

	c := r.join("10.0.0.2:5000")
	r.steps(3, c)

	require.True(t, c.c.Connected())
	assert.Equal(t, uint8(1), c.c.Slot())
	assert.True(t, c.k.Peers().Connected(hostSlot))
	assert.Equal(t, 1, r.host.Peers().Count())
	assert.Equal(t, 2, c.pos.Len())
	got, ok := c.pos.Get(b)
	require.True(t, ok)
	assert.Equal(t, position{X: 3, Y: 4}, *got)

	assert.Zero(t, r.hostPos.CountUnsynced(1), "acks confirmed both entries")
	assert.Zero(t, r.host.Peers().InFlight(1))
}

func TestMutationReplicates(t *testing.T) {
	r := newRig(t, testConfig())
	id := r.host.Spawn("")
	r.hostPos.Add(id, position{X: 1})
	c := r.join("10.0.0.2:5000")
	r.steps(3, c)
	require.Zero(t, r.hostPos.CountUnsynced(1))

	p, _ := r.hostPos.Get(id)
	p.X = 9
	r.hostPos.Unsync(id)
	r.steps(2, c)

	got, ok := c.pos.Get(id)
	require.True(t, ok)
	assert.Equal(t, float32(9), got.X)
}

func TestLostDeltaIsResent(t *testing.T) {
	r := newRig(t, testConfig())
	id := r.host.Spawn("")
	r.hostPos.Add(id, position{X: 5})

	dropped := 0
	r.bus.drop = func(_, _ netip.AddrPort, data []byte) bool {
		if len(data) > 0 && data[0] == packet.S_OPCODE_DELTA && dropped < 2 {
			dropped++
			return true
		}
		return false
	}
	c := r.join("10.0.0.2:5000")
	r.steps(2, c)
	assert.Zero(t, c.pos.Len())

	r.steps(3, c)
	assert.Equal(t, 2, dropped)
	assert.True(t, c.pos.Has(id))
	assert.Zero(t, r.hostPos.CountUnsynced(1))
}

func TestRemovalSendsTombstone(t *testing.T) {
	r := newRig(t, testConfig())
	id := r.host.Spawn("")
	r.hostPos.Add(id, position{X: 1})
	c := r.join("10.0.0.2:5000")
	r.steps(3, c)
	require.True(t, c.pos.Has(id))

	r.host.Remove(id)
	r.steps(4, c)
	assert.False(t, c.pos.Has(id))
	assert.Zero(t, tombstones(c.k).Len(), "replicas never store tombstones")

	graves := tombstones(r.host)
	assert.Equal(t, 1, graves.Len())
	r.steps(6, c)
	assert.Zero(t, graves.Len(), "expired tombstones are removed")
	assert.False(t, c.pos.Has(id))
}

func TestStaleRecordIsIgnored(t *testing.T) {
	r := newRig(t, testConfig())
	c := r.join("10.0.0.2:5000")
	r.steps(2, c)
	require.True(t, c.c.Connected())

	id := ecs.EntityID(1<<32 | 7)
	pool := uint16(r.hostPos.Handle())
	delta := func(seq uint16, x float32) []byte {
		w := packet.NewWriterWithOpcode(packet.S_OPCODE_DELTA)
		w.WriteH(seq)
		w.WriteH(1)
		w.WriteH(pool)
		w.WriteQ(uint64(id))
		w.WriteH(8)
		w.WriteF(x)
		w.WriteF(0)
		w.WriteH(0)
		return w.Bytes()
	}
	require.NoError(t, c.c.reg.Dispatch(c.c.link, c.c.link.State(), delta(500, 1)))
	require.NoError(t, c.c.reg.Dispatch(c.c.link, c.c.link.State(), delta(499, 2)))
	got, _ := c.pos.Get(id)
	assert.Equal(t, float32(1), got.X)

	require.NoError(t, c.c.reg.Dispatch(c.c.link, c.c.link.State(), delta(501, 3)))
	got, _ = c.pos.Get(id)
	assert.Equal(t, float32(3), got.X)
}

func TestUnknownPoolIsSkipped(t *testing.T) {
	r := newRig(t, testConfig())
	health := kernel.Replicate[position](r.host, "health", positionCodec)
	id := r.host.Spawn("")
	health.Add(id, position{X: 100})
	r.hostPos.Add(id, position{X: 1})

	c := r.join("10.0.0.2:5000")
	r.steps(3, c)
	got, ok := c.pos.Get(id)
	require.True(t, ok, "known pools apply around the unknown one")
	assert.Equal(t, float32(1), got.X)
	assert.Zero(t, health.CountUnsynced(1), "skipped records are still acked")
}

func TestRejectWhenFull(t *testing.T) {
	r := newRig(t, testConfig())
	for slot := uint8(1); slot < peer.MaxPeers; slot++ {
		require.True(t, r.host.ConnectAt(slot, nil))
	}
	c := r.join("10.0.0.2:5000")
	r.steps(2, c)

	assert.False(t, c.c.Connected())
	assert.Equal(t, packet.RejectFull, c.c.RejectReason())
	assert.NotEmpty(t, c.k.Faults())
}

func TestVersionMismatchRejected(t *testing.T) {
	r := newRig(t, testConfig())
	ep := r.bus.endpoint("10.0.0.9:1")
	nonce := uuid.New()
	w := packet.NewWriterWithOpcode(packet.C_OPCODE_CONNECT)
	w.WriteH(packet.ProtocolVersion + 1)
	writeNonce(w, nonce)
	require.NoError(t, ep.WriteTo(netip.MustParseAddrPort("10.0.0.1:7777"), w.Bytes()))
	r.host.RunFrame(frame)

	d := <-ep.Inbox()
	rd := packet.NewReader(d.Data)
	require.Equal(t, packet.S_OPCODE_REJECT, rd.Opcode())
	assert.Equal(t, nonce, readNonce(rd))
	assert.Equal(t, packet.RejectVersion, rd.ReadC())
	assert.Zero(t, r.host.Peers().Count())
}

func TestDisconnectFreesSlot(t *testing.T) {
	r := newRig(t, testConfig())
	r.hostPos.Add(r.host.Spawn(""), position{})
	c := r.join("10.0.0.2:5000")
	r.steps(3, c)
	require.True(t, c.c.Connected())

	c.c.Close()
	r.host.RunFrame(frame)
	assert.Zero(t, r.host.Peers().Count())
	_, ok := r.server.Link(1)
	assert.False(t, ok)
	assert.Zero(t, c.pos.Len(), "the replica forgets mirrored state")

	d := r.join("10.0.0.3:5000")
	r.steps(3, d)
	assert.Equal(t, uint8(1), d.c.Slot(), "slot reused")
	assert.Equal(t, 1, d.pos.Len())
}

func TestHeartbeatKeepsIdleSessionAlive(t *testing.T) {
	r := newRig(t, testConfig())
	c := r.join("10.0.0.2:5000")
	r.steps(40, c)
	assert.True(t, c.c.Connected(), "nothing replicated for two seconds")
	assert.Equal(t, 1, r.host.Peers().Count())
	assert.Empty(t, c.k.Faults())
}

func TestPeerTimeout(t *testing.T) {
	r := newRig(t, testConfig())
	c := r.join("10.0.0.2:5000")
	r.steps(2, c)
	require.Equal(t, 1, r.host.Peers().Count())

	// Client goes silent.
	r.steps(25)
	assert.Zero(t, r.host.Peers().Count())
}

func TestInterestHidesAndReadmits(t *testing.T) {
	cfg := testConfig()
	cfg.Interest.Enabled = true
	cfg.Interest.EnterRadius = 10
	cfg.Interest.LeaveRadius = 20
	cfg.Interest.SweepRate = 20
	r := newRig(t, cfg)

	near := r.host.Spawn("near")
	r.hostPos.Add(near, position{X: 5})
	far := r.host.Spawn("far")
	r.hostPos.Add(far, position{X: 15})

	c := r.join("10.0.0.2:5000")
	r.steps(3, c)
	assert.True(t, c.pos.Has(near))
	assert.False(t, c.pos.Has(far), "outside the enter radius")

	// Between the radii: still known, still replicated.
	p, _ := r.hostPos.Get(near)
	p.X = 15
	r.hostPos.Unsync(near)
	r.steps(3, c)
	got, ok := c.pos.Get(near)
	require.True(t, ok)
	assert.Equal(t, float32(15), got.X)

	// Past the leave radius: hidden.
	p.X = 30
	r.steps(3, c)
	assert.False(t, c.pos.Has(near))
	assert.False(t, r.server.Filter(r.hostPos.Handle()).Known(1, near))

	// Back inside: admitted again.
	p.X = 1
	r.hostPos.Unsync(near)
	r.steps(3, c)
	got, ok = c.pos.Get(near)
	require.True(t, ok)
	assert.Equal(t, float32(1), got.X)
}
