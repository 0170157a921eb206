package net

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/net/packet"
)

// Sender writes one sealed datagram. *Endpoint implements it.
type Sender interface {
	WriteTo(addr netip.AddrPort, payload []byte) error
}

// Link is the game loop's view of one remote address. Everything on it is
// accessed only from the game loop goroutine.
type Link struct {
	Addr  netip.AddrPort
	Nonce uuid.UUID
	Slot  uint8

	state    packet.LinkState
	lastSeen time.Time
	outBuf   [][]byte
	sender   Sender
	log      *zap.Logger
}

func NewLink(sender Sender, addr netip.AddrPort, nonce uuid.UUID, slot uint8, log *zap.Logger) *Link {
	return &Link{
		Addr:   addr,
		Nonce:  nonce,
		Slot:   slot,
		state:  packet.StateHandshake,
		sender: sender,
		log:    log.With(zap.Stringer("addr", addr)),
	}
}

func (l *Link) State() packet.LinkState      { return l.state }
func (l *Link) SetState(st packet.LinkState) { l.state = st }

// Touch records inbound traffic.
func (l *Link) Touch(now time.Time) { l.lastSeen = now }

// Idle reports whether nothing arrived for longer than timeout.
func (l *Link) Idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(l.lastSeen) > timeout
}

// Send buffers a payload. It is copied, so callers may reuse their writer.
// Nothing goes out until FlushOutput.
func (l *Link) Send(data []byte) {
	if l.state == packet.StateClosing {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.outBuf = append(l.outBuf, buf)
}

// Pending is the number of buffered payloads.
func (l *Link) Pending() int { return len(l.outBuf) }

// FlushOutput writes every buffered payload. Write errors are logged and the
// payload dropped; loss is healed by the protocol. Returns how many were sent.
func (l *Link) FlushOutput() int {
	sent := 0
	for _, data := range l.outBuf {
		if err := l.sender.WriteTo(l.Addr, data); err != nil {
			l.log.Debug("write failed", zap.Error(err))
			continue
		}
		sent++
	}
	clear(l.outBuf)
	l.outBuf = l.outBuf[:0]
	return sent
}

// Close drops buffered output and marks the link closing.
func (l *Link) Close() {
	l.state = packet.StateClosing
	clear(l.outBuf)
	l.outBuf = l.outBuf[:0]
}
