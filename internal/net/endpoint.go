package net

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Datagram is one verified inbound payload.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Endpoint owns a UDP socket. A reader goroutine verifies datagrams and pushes
// them onto a bounded inbox the game loop drains; writes happen on the game
// loop goroutine.
type Endpoint struct {
	conn        *net.UDPConn
	inbox       chan Datagram
	maxDatagram int
	log         *zap.Logger

	dropped atomic.Uint64 // inbox full
	corrupt atomic.Uint64 // failed checksum

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a UDP socket. Use port 0 for an ephemeral port.
func Listen(bindAddr string, inSize, maxDatagram int, log *zap.Logger) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	if inSize <= 0 {
		inSize = 256
	}
	if maxDatagram <= 0 {
		maxDatagram = 1200
	}
	return &Endpoint{
		conn:        conn,
		inbox:       make(chan Datagram, inSize),
		maxDatagram: maxDatagram,
		log:         log.With(zap.String("endpoint", conn.LocalAddr().String())),
		closeCh:     make(chan struct{}),
	}, nil
}

// Start launches the reader goroutine.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.readLoop()
}

// Inbox is the channel of verified datagrams.
func (e *Endpoint) Inbox() <-chan Datagram {
	return e.inbox
}

// MaxPayload is the largest payload that fits one datagram.
func (e *Endpoint) MaxPayload() int {
	return e.maxDatagram - checksumLen
}

// WriteTo seals payload and sends it.
func (e *Endpoint) WriteTo(addr netip.AddrPort, payload []byte) error {
	if len(payload) > e.MaxPayload() {
		return fmt.Errorf("payload %d bytes exceeds datagram limit %d", len(payload), e.MaxPayload())
	}
	buf := Seal(make([]byte, 0, len(payload)+checksumLen), payload)
	if _, err := e.conn.WriteToUDPAddrPort(buf, addr); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// Addr returns the socket's local address.
func (e *Endpoint) Addr() netip.AddrPort {
	ap := e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }
func (e *Endpoint) Corrupt() uint64 { return e.corrupt.Load() }

// Shutdown closes the socket and waits for the reader to exit.
func (e *Endpoint) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.closeCh)
		e.conn.Close()
	})
	e.wg.Wait()
}

// readLoop runs in its own goroutine. A full inbox drops the datagram: the
// replication protocol heals loss on its own, so blocking would only add
// latency.
func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, e.maxDatagram+1)
	for {
		n, addr, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug("read error", zap.Error(err))
			continue
		}
		if n > e.maxDatagram {
			e.corrupt.Add(1)
			continue
		}
		payload, err := Open(buf[:n])
		if err != nil {
			e.corrupt.Add(1)
			e.log.Debug("datagram rejected", zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		d := Datagram{
			Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
			Data: data,
		}
		select {
		case e.inbox <- d:
		default:
			e.dropped.Add(1)
		}
	}
}
