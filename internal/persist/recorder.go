package persist

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
)

// maxBacklog bounds what is kept while the database is unreachable; the
// oldest rows go first.
const maxBacklog = 4096

const flushTimeout = 2 * time.Second

// batch is one hand-off to the writer goroutine. err is filled in on the way
// back.
type batch struct {
	faults []FaultRow
	events []PeerEvent
	err    error
}

// Recorder collects task faults and peer events from a kernel and hands them
// to a Sink once per second. The PhasePersist task only swaps buffers; the
// write itself runs on a goroutine so a slow database never stalls a frame.
// Everything except the writer goroutine is game loop only.
type Recorder struct {
	k       *kernel.Kernel
	sink    Sink
	log     *zap.Logger
	session uuid.UUID
	now     func() time.Time

	seen   int // faults already collected
	faults []FaultRow
	events []PeerEvent

	queue    chan *batch
	results  chan *batch
	inFlight *batch
	stop     context.CancelFunc
	ctx      context.Context
}

// NewRecorder hooks k's peer table, starts the writer and schedules the
// flush task. Close stops the writer.
func NewRecorder(k *kernel.Kernel, sink Sink, now func() time.Time) (*Recorder, error) {
	if now == nil {
		now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Recorder{
		k:       k,
		sink:    sink,
		log:     k.Log().Named("persist"),
		session: uuid.New(),
		now:     now,
		queue:   make(chan *batch, 1),
		results: make(chan *batch, 1),
		ctx:     ctx,
		stop:    stop,
	}
	k.OnPeer(r.onPeer)
	_, err := k.Schedule(system.TaskSpec{
		Name:     "persist.flush",
		Priority: system.PhasePersist.Priority(),
		Hz:       1,
	}, func(_ *kernel.Kernel, _ time.Duration) error {
		r.tick()
		return nil
	})
	if err != nil {
		stop()
		return nil, err
	}
	go r.write()
	r.log.Info("recording session", zap.Stringer("session", r.session))
	return r, nil
}

func (r *Recorder) Session() uuid.UUID { return r.session }

// Pending is the number of rows not yet known to be written, including a
// batch the writer is still working on.
func (r *Recorder) Pending() int {
	n := len(r.faults) + len(r.events)
	if b := r.inFlight; b != nil {
		n += len(b.faults) + len(b.events)
	}
	return n
}

func (r *Recorder) onPeer(slot uint8, connected bool) {
	r.events = append(r.events, PeerEvent{
		Session:   r.session,
		Frame:     r.k.Frame(),
		Slot:      slot,
		Connected: connected,
		At:        r.now(),
	})
	r.events = trim(r.events)
}

func (r *Recorder) collect() {
	all := r.k.Faults()
	for _, f := range all[min(r.seen, len(all)):] {
		task, msg, _ := strings.Cut(f, ": ")
		r.faults = append(r.faults, FaultRow{Session: r.session, Frame: r.k.Frame(), Task: task, Message: msg})
	}
	r.seen = len(all)
	r.faults = trim(r.faults)
}

// tick settles the last batch if the writer is done with it and hands over
// the next one. It never waits.
func (r *Recorder) tick() {
	r.collect()
	if r.inFlight != nil {
		select {
		case b := <-r.results:
			r.settle(b)
		default:
			return
		}
	}
	if len(r.faults)+len(r.events) == 0 {
		return
	}
	b := &batch{faults: r.faults, events: r.events}
	r.faults, r.events = nil, nil
	r.inFlight = b
	r.queue <- b
}

// settle puts a failed batch back in front of newer rows.
func (r *Recorder) settle(b *batch) {
	r.inFlight = nil
	if b.err == nil {
		return
	}
	r.log.Warn("flush failed", zap.Int("rows", len(b.faults)+len(b.events)), zap.Error(b.err))
	r.faults = trim(append(b.faults, r.faults...))
	r.events = trim(append(b.events, r.events...))
}

func (r *Recorder) write() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case b := <-r.queue:
			ctx, cancel := context.WithTimeout(r.ctx, flushTimeout)
			b.err = r.sink.Flush(ctx, b.faults, b.events)
			cancel()
			r.results <- b
		}
	}
}

// Flush waits for the batch in flight, then writes everything left from the
// calling goroutine. Used at shutdown; rows are kept if it fails.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.inFlight != nil {
		select {
		case b := <-r.results:
			r.settle(b)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.collect()
	if len(r.faults)+len(r.events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := r.sink.Flush(ctx, r.faults, r.events); err != nil {
		r.log.Warn("flush failed", zap.Int("pending", r.Pending()), zap.Error(err))
		return err
	}
	r.faults = r.faults[:0]
	r.events = r.events[:0]
	return nil
}

// Close stops the writer goroutine. Call Flush first to keep pending rows.
func (r *Recorder) Close() { r.stop() }

func trim[T any](rows []T) []T {
	if over := len(rows) - maxBacklog; over > 0 {
		rows = append(rows[:0], rows[over:]...)
	}
	return rows
}
