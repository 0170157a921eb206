package packet

// ProtocolVersion is checked during the handshake.
const ProtocolVersion uint16 = 1

// Client → host.
const (
	C_OPCODE_CONNECT    byte = 0x01 // [version H][nonce 16]
	C_OPCODE_ACK        byte = 0x02 // [ranges C]{from H, to H}
	C_OPCODE_DISCONNECT byte = 0x03
)

// Host → client.
const (
	S_OPCODE_ACCEPT     byte = 0x81 // [nonce 16][slot C][pools H]{pool H, name S}
	S_OPCODE_REJECT     byte = 0x82 // [nonce 16][reason C]
	S_OPCODE_DELTA      byte = 0x83 // [seq H][records H]{pool H, id Q, size H, value}[hides H]{pool H, id Q}
	S_OPCODE_DISCONNECT byte = 0x84
)

// Reject reasons carried by S_OPCODE_REJECT.
const (
	RejectFull    byte = 1
	RejectVersion byte = 2
)

// OpcodeName returns a readable name for logging.
func OpcodeName(op byte) string {
	switch op {
	case C_OPCODE_CONNECT:
		return "C_CONNECT"
	case C_OPCODE_ACK:
		return "C_ACK"
	case C_OPCODE_DISCONNECT:
		return "C_DISCONNECT"
	case S_OPCODE_ACCEPT:
		return "S_ACCEPT"
	case S_OPCODE_REJECT:
		return "S_REJECT"
	case S_OPCODE_DELTA:
		return "S_DELTA"
	case S_OPCODE_DISCONNECT:
		return "S_DISCONNECT"
	default:
		return "UNKNOWN"
	}
}
