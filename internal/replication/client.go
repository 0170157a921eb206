package replication

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
	rnet "github.com/l1jgo/replicore/internal/net"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// hostSlot is where a client keeps the host in its own peer table.
const hostSlot uint8 = 0

// appliedHorizon is how far behind the newest delta a per-entry sequence may
// fall before it is forgotten.
const appliedHorizon = 1 << 14

var (
	// ErrRejected is recorded as a task fault when the host refuses us.
	ErrRejected = errors.New("rejected by host")
	// ErrHostLost is recorded when the host stops talking.
	ErrHostLost = errors.New("host timed out")
)

type entryKey struct {
	pool ecs.PoolID // local pool
	id   ecs.EntityID
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Network config.NetworkConfig
	Host    netip.AddrPort
	Now     func() time.Time
}

// Client joins a host and mirrors its replicated pools into the local kernel.
type Client struct {
	k    *kernel.Kernel
	ep   Endpoint
	reg  *packet.Registry
	opts ClientOptions
	log  *zap.Logger

	link  *rnet.Link
	nonce uuid.UUID

	pools   map[uint16]kernel.Replicated // host pool id -> local binding
	grave   uint16                       // host id of the tombstone pool
	hasDead bool
	acks    []uint16
	latest  uint16
	applied map[entryKey]uint16
	reason  byte
}

// NewClient registers the client tasks on k. The handshake starts on the
// first frame.
func NewClient(k *kernel.Kernel, ep Endpoint, opts ClientOptions) (*Client, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.Host.IsValid() {
		return nil, fmt.Errorf("client: invalid host address %q", opts.Host)
	}
	c := &Client{
		k:       k,
		ep:      ep,
		opts:    opts,
		log:     k.Log().Named("client"),
		nonce:   uuid.New(),
		pools:   make(map[uint16]kernel.Replicated),
		applied: make(map[entryKey]uint16),
	}
	c.link = rnet.NewLink(ep, opts.Host, c.nonce, hostSlot, c.log)
	c.link.Touch(opts.Now())

	c.reg = packet.NewRegistry(c.log)
	c.reg.Register(packet.S_OPCODE_ACCEPT, []packet.LinkState{packet.StateHandshake, packet.StateConnected}, c.handleAccept)
	c.reg.Register(packet.S_OPCODE_REJECT, []packet.LinkState{packet.StateHandshake}, c.handleReject)
	c.reg.Register(packet.S_OPCODE_DELTA, []packet.LinkState{packet.StateConnected}, c.handleDelta)
	c.reg.Register(packet.S_OPCODE_DISCONNECT, []packet.LinkState{packet.StateConnected}, c.handleDisconnect)

	k.SetHost(false)
	tombstones(k)

	retry := 0.0
	if opts.Network.HandshakeRetry > 0 {
		retry = float64(time.Second) / float64(opts.Network.HandshakeRetry)
	}
	tasks := []task{
		{system.TaskSpec{Name: "replication.client.input", Priority: system.PhaseInput.Priority(), Filter: system.RunClientOnly}, c.input},
		{system.TaskSpec{Name: "replication.client.handshake", Priority: system.PhaseInput.Priority() + 1, Hz: retry, Filter: system.RunClientOnly}, c.handshake},
		{system.TaskSpec{Name: "replication.client.ack", Priority: system.PhaseOutput.Priority(), Filter: system.RunClientOnly}, c.ack},
	}
	if err := schedule(k, tasks); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return c, nil
}

// Connected reports whether the host accepted us.
func (c *Client) Connected() bool { return c.link.State() == packet.StateConnected }

// Slot is the slot the host assigned, or peer.NoPeer before acceptance.
func (c *Client) Slot() uint8 { return c.k.Peers().Self() }

// Nonce identifies this session to the host.
func (c *Client) Nonce() uuid.UUID { return c.nonce }

// RejectReason is the reason byte of the last S_REJECT, 0 if none.
func (c *Client) RejectReason() byte { return c.reason }

// Close tells the host we are leaving.
func (c *Client) Close() {
	if c.Connected() {
		c.link.Send([]byte{packet.C_OPCODE_DISCONNECT})
		c.link.FlushOutput()
	}
	c.drop()
}

// --- tasks ---

func (c *Client) input(k *kernel.Kernel, _ time.Duration) error {
	now := c.opts.Now()
	limit := c.opts.Network.MaxPacketsPerTick
drain:
	for n := 0; limit <= 0 || n < limit; n++ {
		select {
		case d := <-c.ep.Inbox():
			if d.Addr != c.link.Addr {
				continue
			}
			c.link.Touch(now)
			if err := c.reg.Dispatch(c.link, c.link.State(), d.Data); err != nil {
				c.log.Debug("datagram dropped", zap.Error(err))
			}
		default:
			break drain
		}
	}

	if c.link.State() == packet.StateClosing {
		if c.reason != 0 {
			return fmt.Errorf("%w: reason %d", ErrRejected, c.reason)
		}
		return nil
	}
	if c.link.Idle(now, c.opts.Network.PeerTimeout) {
		c.log.Warn("host timed out", zap.Stringer("addr", c.link.Addr))
		c.drop()
		return ErrHostLost
	}
	return nil
}

func (c *Client) handshake(_ *kernel.Kernel, _ time.Duration) error {
	if c.link.State() != packet.StateHandshake {
		return nil
	}
	c.link.Send(buildConnect(c.nonce))
	c.link.FlushOutput()
	return nil
}

func (c *Client) ack(_ *kernel.Kernel, _ time.Duration) error {
	if len(c.acks) == 0 || !c.Connected() {
		return nil
	}
	c.link.Send(buildAck(coalesce(c.acks)))
	c.link.FlushOutput()
	c.acks = c.acks[:0]
	c.prune()
	return nil
}

// --- handlers ---

func (c *Client) handleAccept(_ any, r *packet.Reader) error {
	nonce := readNonce(r)
	slot := r.ReadC()
	n := int(r.ReadH())
	pools := make(map[uint16]kernel.Replicated, n)
	grave, hasDead := uint16(0), false
	for i := 0; i < n; i++ {
		id, name := r.ReadH(), r.ReadS()
		if r.Err() != nil {
			break
		}
		if name == TombstonePool {
			grave, hasDead = id, true
		}
		if rep, ok := c.k.ReplicatedByName(name); ok {
			pools[id] = rep
		} else {
			c.log.Debug("host pool not replicated here", zap.String("pool", name))
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	if nonce != c.nonce {
		return fmt.Errorf("accept for nonce %s", nonce)
	}
	if c.Connected() {
		return nil // duplicate accept
	}

	c.pools, c.grave, c.hasDead = pools, grave, hasDead
	c.k.SetSelf(slot)
	c.k.ConnectAt(hostSlot, c.link)
	c.link.SetState(packet.StateConnected)
	c.log.Info("joined host", zap.Stringer("addr", c.link.Addr), zap.Uint8("slot", slot), zap.Int("pools", len(pools)))
	return nil
}

func (c *Client) handleReject(_ any, r *packet.Reader) error {
	nonce := readNonce(r)
	reason := r.ReadC()
	if err := r.Err(); err != nil {
		return err
	}
	if nonce != c.nonce {
		return fmt.Errorf("reject for nonce %s", nonce)
	}
	c.reason = reason
	c.log.Warn("host rejected us", zap.Uint8("reason", reason))
	c.link.Close()
	return nil
}

func (c *Client) handleDisconnect(_ any, _ *packet.Reader) error {
	c.log.Info("host closed the session")
	c.drop()
	return nil
}

// handleDelta applies one S_DELTA. A record older than what an entry already
// holds is skipped, as are records for pools this kernel does not replicate.
// The packet is acked only when it decoded cleanly.
func (c *Client) handleDelta(_ any, r *packet.Reader) error {
	seq := r.ReadH()
	count := int(r.ReadH())
	for i := 0; i < count; i++ {
		pool, id, size := r.ReadH(), ecs.EntityID(r.ReadQ()), int(r.ReadH())
		body := r.ReadBytes(size)
		if err := r.Err(); err != nil {
			return err
		}
		if c.hasDead && pool == c.grave {
			c.bury(seq, packet.NewBodyReader(body))
			continue
		}
		rep, ok := c.pools[pool]
		if !ok {
			continue
		}
		if !c.fresh(entryKey{rep.Handle(), id}, seq) {
			continue
		}
		if err := rep.Apply(id, packet.NewBodyReader(body)); err != nil {
			return err
		}
	}

	hides := int(r.ReadH())
	for i := 0; i < hides; i++ {
		pool, id := r.ReadH(), ecs.EntityID(r.ReadQ())
		if r.Err() != nil {
			break
		}
		if rep, ok := c.pools[pool]; ok && c.fresh(entryKey{rep.Handle(), id}, seq) {
			rep.Drop(id)
		}
	}
	if err := r.Err(); err != nil {
		return err
	}

	if len(c.acks) == 0 || seqNewer(seq, c.latest) {
		c.latest = seq
	}
	c.acks = append(c.acks, seq)
	return nil
}

// bury drops a tombstone's target from every pool. The tombstone itself is
// never stored.
func (c *Client) bury(seq uint16, r *packet.Reader) {
	target := ecs.EntityID(r.ReadQ())
	if r.Err() != nil {
		return
	}
	for _, rep := range c.pools {
		if rep.Name() == TombstonePool {
			continue
		}
		if c.fresh(entryKey{rep.Handle(), target}, seq) {
			rep.Drop(target)
		}
	}
}

// fresh records seq for key and reports whether it is newer than the last
// one applied.
func (c *Client) fresh(key entryKey, seq uint16) bool {
	if last, ok := c.applied[key]; ok && !seqNewer(seq, last) {
		return false
	}
	c.applied[key] = seq
	return true
}

func (c *Client) prune() {
	for key, seq := range c.applied {
		if c.latest-seq >= appliedHorizon {
			delete(c.applied, key)
		}
	}
}

// drop ends the session locally and forgets everything mirrored.
func (c *Client) drop() {
	if c.link.State() == packet.StateConnected {
		c.k.Disconnect(hostSlot)
	}
	c.link.Close()
	for _, rep := range c.pools {
		rep.Store().Reset()
	}
	clear(c.applied)
	c.acks = c.acks[:0]
}
