package kernel

import (
	"fmt"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/net/packet"
)

// Codec turns a replicated value into wire bytes and back.
type Codec[T any] interface {
	Encode(w *packet.Writer, v *T)
	Decode(r *packet.Reader) (T, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	EncodeFunc func(w *packet.Writer, v *T)
	DecodeFunc func(r *packet.Reader) (T, error)
}

func (c CodecFuncs[T]) Encode(w *packet.Writer, v *T)      { c.EncodeFunc(w, v) }
func (c CodecFuncs[T]) Decode(r *packet.Reader) (T, error) { return c.DecodeFunc(r) }

// Replicated is a pool bound to a codec, seen without its value type by the
// transport.
type Replicated interface {
	Store() ecs.Store
	Name() string
	Handle() ecs.PoolID

	// EachUnsynced hands the transport every entry peer still lacks.
	EachUnsynced(peer uint8, fn func(id ecs.EntityID, dense int))
	// Encode writes the value at a dense index.
	Encode(w *packet.Writer, dense int)
	// Apply decodes one value and stores it under id, unless a newer
	// generation of id's slot is already present.
	Apply(id ecs.EntityID, r *packet.Reader) error
	// Drop removes id; used when the host hides or destroys it.
	Drop(id ecs.EntityID)
}

type replicated[T any] struct {
	pool  *ecs.Pool[T]
	codec Codec[T]
}

func (b *replicated[T]) Store() ecs.Store   { return b.pool }
func (b *replicated[T]) Name() string       { return b.pool.Name() }
func (b *replicated[T]) Handle() ecs.PoolID { return b.pool.Handle() }

func (b *replicated[T]) EachUnsynced(peer uint8, fn func(id ecs.EntityID, dense int)) {
	b.pool.EachUnsynced(peer, func(id ecs.EntityID, _ *T, dense int) {
		fn(id, dense)
	})
}

func (b *replicated[T]) Encode(w *packet.Writer, dense int) {
	if v := b.pool.At(dense); v != nil {
		b.codec.Encode(w, v)
	}
}

func (b *replicated[T]) Apply(id ecs.EntityID, r *packet.Reader) error {
	v, err := b.codec.Decode(r)
	if err != nil {
		return fmt.Errorf("decode %s: %w", b.pool.Name(), err)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("decode %s: %w", b.pool.Name(), err)
	}
	if res := b.pool.Resident(id); res != ecs.NoEntity && res.Generation() > id.Generation() {
		return nil // a newer occupant of the slot already arrived
	}
	b.pool.Add(id, v)
	return nil
}

func (b *replicated[T]) Drop(id ecs.EntityID) {
	b.pool.Remove(id)
}

// Replicate returns the pool registered under name and marks it for
// replication with codec. Calling it again for the same pool keeps the first
// codec.
func Replicate[T any](k *Kernel, name string, codec Codec[T]) *ecs.Pool[T] {
	pool := Pool[T](k, name)
	if _, ok := k.repByPool[pool.Handle()]; ok {
		return pool
	}
	b := &replicated[T]{pool: pool, codec: codec}
	k.replicated = append(k.replicated, b)
	k.repByPool[pool.Handle()] = b
	return pool
}
