package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriterReader_Fields(t *testing.T) {
	w := NewWriterWithOpcode(S_OPCODE_DELTA)
	w.WriteC(7)
	w.WriteH(0xBEEF)
	w.WriteD(-2)
	w.WriteDU(0xDEADBEEF)
	w.WriteQ(1<<40 | 3)
	w.WriteF(1.5)
	w.WriteS("héllo")
	w.WriteBytes([]byte{9, 9})

	r := NewReader(w.Bytes())
	assert.Equal(t, S_OPCODE_DELTA, r.Opcode())
	assert.Equal(t, byte(7), r.ReadC())
	assert.Equal(t, uint16(0xBEEF), r.ReadH())
	assert.Equal(t, int32(-2), r.ReadD())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadDU())
	assert.Equal(t, uint64(1<<40|3), r.ReadQ())
	assert.Equal(t, float32(1.5), r.ReadF())
	assert.Equal(t, "héllo", r.ReadS())
	assert.Equal(t, []byte{9, 9}, r.ReadBytes(2))
	assert.Zero(t, r.Remaining())
	assert.NoError(t, r.Err())
}

func TestReader_ShortReadIsSticky(t *testing.T) {
	r := NewReader([]byte{C_OPCODE_ACK, 1})
	assert.Zero(t, r.ReadH())
	assert.ErrorIs(t, r.Err(), ErrShort)
	assert.Zero(t, r.ReadC(), "later reads return zero too")

	r = NewReader([]byte{C_OPCODE_ACK, 'a', 'b'})
	assert.Empty(t, r.ReadS(), "unterminated string")
	assert.ErrorIs(t, r.Err(), ErrShort)
}

func TestWriter_PatchAndTruncate(t *testing.T) {
	w := NewWriterWithOpcode(S_OPCODE_DELTA)
	at := w.Len()
	w.WriteH(0)
	mark := w.Len()
	w.WriteQ(42)
	w.Truncate(mark)
	w.PutH(at, 5)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint16(5), r.ReadH())
	assert.Zero(t, r.Remaining())
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	var got uint16
	reg.Register(C_OPCODE_ACK, []LinkState{StateConnected}, func(link any, r *Reader) error {
		assert.Equal(t, "link", link)
		got = r.ReadH()
		return nil
	})
	reg.Register(C_OPCODE_DISCONNECT, []LinkState{StateConnected}, func(any, *Reader) error {
		panic("bad")
	})
	reg.Register(C_OPCODE_CONNECT, []LinkState{StateHandshake}, func(any, *Reader) error {
		return errors.New("nope")
	})

	require.NoError(t, reg.Dispatch("link", StateConnected, []byte{C_OPCODE_ACK, 3, 0}))
	assert.Equal(t, uint16(3), got)

	assert.Error(t, reg.Dispatch("link", StateHandshake, []byte{C_OPCODE_ACK, 3, 0}), "state gate")
	assert.ErrorIs(t, reg.Dispatch("link", StateConnected, []byte{C_OPCODE_ACK, 3}), ErrShort)
	assert.ErrorContains(t, reg.Dispatch("link", StateConnected, []byte{C_OPCODE_DISCONNECT}), "panic")
	assert.ErrorContains(t, reg.Dispatch("link", StateHandshake, []byte{C_OPCODE_CONNECT}), "nope")
	assert.NoError(t, reg.Dispatch("link", StateConnected, []byte{0x7F}), "unknown opcodes are ignored")
	assert.Error(t, reg.Dispatch("link", StateConnected, nil))
}

func TestBodyReader_StartsAtFirstByte(t *testing.T) {
	w := NewWriter()
	w.WriteH(0x0102)
	r := NewBodyReader(w.Bytes())
	assert.Equal(t, uint16(0x0102), r.ReadH())
	assert.NoError(t, r.Err())
}
