package replication

import (
	"sort"

	"github.com/google/uuid"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// maxAckRanges is what fits in the C_ACK range count byte.
const maxAckRanges = 255

// deltaTrailer is the size of an empty hide section.
const deltaTrailer = 2

// hideSize is one {pool H, id Q} hide record.
const hideSize = 2 + 8

// recordHeader is {pool H, id Q, size H} ahead of each value.
const recordHeader = 2 + 8 + 2

type poolName struct {
	id   ecs.PoolID
	name string
}

type hide struct {
	pool ecs.PoolID
	id   ecs.EntityID
}

type ackRange struct {
	from, to uint16
}

func writeNonce(w *packet.Writer, n uuid.UUID) {
	w.WriteBytes(n[:])
}

func readNonce(r *packet.Reader) uuid.UUID {
	var n uuid.UUID
	copy(n[:], r.ReadBytes(len(n)))
	return n
}

func buildConnect(nonce uuid.UUID) []byte {
	w := packet.NewWriterWithOpcode(packet.C_OPCODE_CONNECT)
	w.WriteH(packet.ProtocolVersion)
	writeNonce(w, nonce)
	return w.Bytes()
}

func buildAccept(nonce uuid.UUID, slot uint8, pools []poolName) []byte {
	w := packet.NewWriterWithOpcode(packet.S_OPCODE_ACCEPT)
	writeNonce(w, nonce)
	w.WriteC(slot)
	w.WriteH(uint16(len(pools)))
	for _, p := range pools {
		w.WriteH(uint16(p.id))
		w.WriteS(p.name)
	}
	return w.Bytes()
}

func buildReject(nonce uuid.UUID, reason byte) []byte {
	w := packet.NewWriterWithOpcode(packet.S_OPCODE_REJECT)
	writeNonce(w, nonce)
	w.WriteC(reason)
	return w.Bytes()
}

func buildAck(ranges []ackRange) []byte {
	if len(ranges) > maxAckRanges {
		ranges = ranges[len(ranges)-maxAckRanges:]
	}
	w := packet.NewWriterWithOpcode(packet.C_OPCODE_ACK)
	w.WriteC(byte(len(ranges)))
	for _, r := range ranges {
		w.WriteH(r.from)
		w.WriteH(r.to)
	}
	return w.Bytes()
}

// seqNewer reports whether a is after b in 16-bit serial order.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// coalesce sorts sequences in serial order and merges consecutive runs into
// inclusive ranges. Duplicates collapse.
func coalesce(seqs []uint16) []ackRange {
	if len(seqs) == 0 {
		return nil
	}
	base := seqs[0]
	sort.Slice(seqs, func(i, j int) bool {
		return int16(seqs[i]-base) < int16(seqs[j]-base)
	})
	out := []ackRange{{from: seqs[0], to: seqs[0]}}
	for _, s := range seqs[1:] {
		last := &out[len(out)-1]
		switch s {
		case last.to:
		case last.to + 1:
			last.to = s
		default:
			out = append(out, ackRange{from: s, to: s})
		}
	}
	return out
}
