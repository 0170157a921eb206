package kernel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/net/packet"
)

type stepClock struct {
	now  time.Time
	tick time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *stepClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type hp struct{ Value int32 }

var hpCodec = CodecFuncs[hp]{
	EncodeFunc: func(w *packet.Writer, v *hp) { w.WriteD(v.Value) },
	DecodeFunc: func(r *packet.Reader) (hp, error) { return hp{Value: r.ReadD()}, nil },
}

func newHost(t *testing.T) *Kernel {
	t.Helper()
	k := New(config.Default(), nil)
	k.SetHost(true)
	t.Cleanup(k.Close)
	return k
}

func TestKernel_RemovalIsDeferredToFrameEnd(t *testing.T) {
	k := newHost(t)
	health := Pool[hp](k, "health")
	id := k.Spawn("boss")
	health.Add(id, hp{Value: 100})

	var seenDuringFrame ecs.EntityID
	_, err := k.Schedule(system.TaskSpec{Name: "kill"}, func(k *Kernel, _ time.Duration) error {
		k.Remove(id)
		k.Remove(id)
		seenDuringFrame = k.Find("boss")
		assert.True(t, k.IsRemoving(id))
		assert.True(t, health.Has(id), "still readable until frame end")
		k.StopDeferred("kill")
		return nil
	})
	require.NoError(t, err)

	k.RunFrame(time.Millisecond)
	assert.Equal(t, id, seenDuringFrame)
	assert.Equal(t, ecs.NoEntity, k.Find("boss"))
	assert.False(t, k.Alive(id))
	assert.False(t, health.Has(id))
	assert.Zero(t, k.RemovePending())
}

func TestKernel_RemovalBudgetConverges(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.RemovalBudget = time.Microsecond
	clk := &stepClock{now: time.Unix(0, 0), tick: time.Millisecond}
	k := New(cfg, nil, WithClock(clk))
	defer k.Close()

	for i := 0; i < 100; i++ {
		k.Remove(k.Spawn(fmt.Sprintf("e%d", i)))
	}
	prev := k.RemovePending()
	frames := 0
	for k.RemovePending() > 0 {
		k.RunFrame(time.Millisecond)
		frames++
		now := k.RemovePending()
		require.Less(t, now, prev)
		assert.LessOrEqual(t, now, max(prev-16, 0), "at least one batch per frame")
		prev = now
	}
	assert.Greater(t, frames, 1)
}

func TestKernel_ConnectReplaysEverything(t *testing.T) {
	k := newHost(t)
	health := Replicate[hp](k, "health", hpCodec)
	a := k.Spawn("")
	health.Add(a, hp{Value: 1})

	first := k.Connect("first")
	require.Equal(t, uint8(1), first)
	health.SyncAll(first)
	assert.Zero(t, health.CountUnsynced(first))
	assert.Zero(t, health.PendingLen(), "fully synced entries leave pending")

	second := k.Connect("second")
	require.Equal(t, uint8(2), second)
	assert.Equal(t, 1, health.CountUnsynced(second), "newcomer gets history")
	assert.Zero(t, health.CountUnsynced(first))
}

func TestKernel_DisconnectClearsSlotForNextPeer(t *testing.T) {
	k := newHost(t)
	health := Replicate[hp](k, "health", hpCodec)
	health.Add(k.Spawn(""), hp{})

	var events []string
	k.OnPeer(func(slot uint8, connected bool) {
		events = append(events, fmt.Sprintf("%d:%v", slot, connected))
	})

	slot := k.Connect(nil)
	health.SyncAll(slot)
	require.True(t, k.Disconnect(slot))
	assert.False(t, k.Disconnect(slot))

	again := k.Connect(nil)
	require.Equal(t, slot, again)
	assert.Equal(t, 1, health.CountUnsynced(again))
	assert.Equal(t, []string{"1:true", "1:false", "1:true"}, events)
}

func TestKernel_FullTableReturnsNoPeer(t *testing.T) {
	k := newHost(t)
	for i := 1; i < peer.MaxPeers; i++ {
		require.NotEqual(t, peer.NoPeer, k.Connect(i))
	}
	assert.Equal(t, peer.NoPeer, k.Connect("late"))
}

func TestKernel_TaskFailureIsRecorded(t *testing.T) {
	k := newHost(t)
	_, err := k.Schedule(system.TaskSpec{Name: "flaky"}, func(*Kernel, time.Duration) error {
		return errors.New("lost the plot")
	})
	require.NoError(t, err)
	k.RunFrame(time.Millisecond)
	assert.Equal(t, []string{"flaky: lost the plot"}, k.Faults())
	_, ok := k.Task("flaky")
	assert.False(t, ok)
}

func TestKernel_QueuesClearAtFrameEnd(t *testing.T) {
	k := newHost(t)
	hits := Queue[int](k, "hits")
	var seen []int
	_, _ = k.Schedule(system.TaskSpec{Name: "producer", Priority: 0}, func(k *Kernel, _ time.Duration) error {
		Queue[int](k, "hits").Push(int(k.Frame()))
		return nil
	})
	_, _ = k.Schedule(system.TaskSpec{Name: "consumer", Priority: 1}, func(k *Kernel, _ time.Duration) error {
		Queue[int](k, "hits").Each(func(v *int) { seen = append(seen, *v) })
		return nil
	})

	k.RunFrame(time.Millisecond)
	k.RunFrame(time.Millisecond)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Zero(t, hits.Len())
}

func TestKernel_PauseAndStepThroughContext(t *testing.T) {
	k := newHost(t)
	runs := 0
	_, _ = k.Schedule(system.TaskSpec{Name: "sim", Pauseable: true}, func(k *Kernel, _ time.Duration) error {
		runs++
		assert.Equal(t, k.Paused(), k.Stepping())
		return nil
	})
	k.Pause()
	k.RunFrame(time.Millisecond)
	k.Step()
	k.RunFrame(time.Millisecond)
	k.RunFrame(time.Millisecond)
	k.TogglePause()
	k.RunFrame(time.Millisecond)
	assert.Equal(t, 2, runs)
}

func TestKernel_HostOnlyTasksFollowRole(t *testing.T) {
	k := New(nil, nil)
	defer k.Close()
	ran := 0
	_, _ = k.Schedule(system.TaskSpec{Name: "auth", Filter: system.RunHostOnly}, func(*Kernel, time.Duration) error {
		ran++
		return nil
	})
	k.RunFrame(time.Millisecond)
	assert.Zero(t, ran)
	k.SetHost(true)
	k.RunFrame(time.Millisecond)
	assert.Equal(t, 1, ran)
	assert.Equal(t, uint8(0), k.Peers().Self())
}

func TestReplicated_EncodeApply(t *testing.T) {
	host := newHost(t)
	src := Replicate[hp](host, "health", hpCodec)
	id := host.Spawn("")
	src.Add(id, hp{Value: 42})
	host.Connect(nil)

	rep, ok := host.ReplicatedByID(src.Handle())
	require.True(t, ok)
	w := packet.NewWriterWithOpcode(packet.S_OPCODE_DELTA)
	rep.EachUnsynced(1, func(eid ecs.EntityID, dense int) {
		w.WriteQ(uint64(eid))
		rep.Encode(w, dense)
	})

	client := New(nil, nil)
	defer client.Close()
	dst := Replicate[hp](client, "health", hpCodec)
	crep, _ := client.ReplicatedByID(dst.Handle())
	r := packet.NewReader(w.Bytes())
	got := ecs.EntityID(r.ReadQ())
	require.NoError(t, crep.Apply(got, r))

	v, ok := dst.Get(id)
	require.True(t, ok)
	assert.Equal(t, int32(42), v.Value)

	assert.Error(t, crep.Apply(id, packet.NewReader([]byte{packet.S_OPCODE_DELTA, 1})))
	crep.Drop(id)
	assert.False(t, dst.Has(id))
}

func TestKernel_ReplicateTwiceKeepsOneBinding(t *testing.T) {
	k := newHost(t)
	a := Replicate[hp](k, "health", hpCodec)
	b := Replicate[hp](k, "health", hpCodec)
	assert.Same(t, a, b)
	assert.Len(t, k.Replicated(), 1)
	assert.Panics(t, func() { Pool[string](k, "health") })
}
