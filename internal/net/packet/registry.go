package packet

import (
	"fmt"

	"go.uber.org/zap"
)

// LinkState represents a link's current protocol phase.
type LinkState int

const (
	StateHandshake LinkState = iota // nonce sent or awaited, no slot yet
	StateConnected                  // slot assigned, deltas flowing
	StateClosing
)

func (s LinkState) String() string {
	switch s {
	case StateHandshake:
		return "Handshake"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// HandlerFunc is the callback signature for packet handlers.
// The link is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(link any, r *Reader) error

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[LinkState]bool
}

// Registry maps opcodes to handlers with state-based access control.
type Registry struct {
	handlers map[byte]*handlerEntry
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[byte]*handlerEntry),
		log:      log,
	}
}

// Register maps an opcode to a handler, restricted to the given link states.
func (reg *Registry) Register(opcode byte, states []LinkState, fn HandlerFunc) {
	allowed := make(map[LinkState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	reg.handlers[opcode] = &handlerEntry{
		fn:            fn,
		allowedStates: allowed,
	}
}

// Dispatch finds the handler for the opcode in data[0], validates the link
// state, and calls the handler. Unknown opcodes are ignored. A handler error,
// a short read, or a recovered panic is returned.
func (reg *Registry) Dispatch(link any, state LinkState, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty packet")
	}
	opcode := data[0]
	if ce := reg.log.Check(zap.DebugLevel, "packet in"); ce != nil {
		ce.Write(
			zap.String("opcode", OpcodeName(opcode)),
			zap.Int("size", len(data)),
			zap.String("state", state.String()),
		)
	}

	entry, ok := reg.handlers[opcode]
	if !ok {
		reg.log.Debug("unknown opcode", zap.Uint8("opcode", opcode), zap.String("state", state.String()))
		return nil
	}

	if !entry.allowedStates[state] {
		return fmt.Errorf("opcode %s not allowed in state %s", OpcodeName(opcode), state)
	}

	r := NewReader(data)
	if err := reg.safeCall(entry.fn, link, r, opcode); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("decode %s: %w", OpcodeName(opcode), err)
	}
	return nil
}

// safeCall executes a handler with panic recovery so a single bad datagram
// cannot crash the game loop.
func (reg *Registry) safeCall(fn HandlerFunc, link any, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.String("opcode", OpcodeName(opcode)),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for opcode %d: %v", opcode, rec)
		}
	}()
	return fn(link, r)
}
