package event

import (
	"fmt"

	"github.com/l1jgo/replicore/internal/core/names"
)

// Clearer is implemented by every Queue so the registry can reset them at
// frame end without knowing their element type.
type Clearer interface {
	Name() string
	Len() int
	Clear()
}

// Queue is a per-frame event buffer. Events pushed during frame N are visible
// to every task that runs after the push in frame N, then dropped at frame end.
type Queue[T any] struct {
	name  string
	items []T
}

func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{name: name, items: make([]T, 0, 16)}
}

func (q *Queue[T]) Name() string { return q.name }
func (q *Queue[T]) Len() int     { return len(q.items) }

func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Each iterates in push order. Pushing from fn appends events that this
// iteration also visits.
func (q *Queue[T]) Each(fn func(*T)) {
	for i := 0; i < len(q.items); i++ {
		fn(&q.items[i])
	}
}

// Items exposes the backing slice; valid until the next Clear.
func (q *Queue[T]) Items() []T {
	return q.items
}

func (q *Queue[T]) Clear() {
	clear(q.items)
	q.items = q.items[:0]
}

// Queues holds every named queue. Accessed only from the game loop goroutine.
type Queues struct {
	names  *names.Interner
	order  []Clearer
	byName map[names.Handle]int
}

func NewQueues(in *names.Interner) *Queues {
	return &Queues{
		names:  in,
		order:  make([]Clearer, 0, 8),
		byName: make(map[names.Handle]int, 8),
	}
}

// GetQueue returns the queue registered under name, creating it on first use.
// Reusing a name with a different element type panics.
func GetQueue[T any](qs *Queues, name string) *Queue[T] {
	h := qs.names.Intern(name)
	if i, ok := qs.byName[h]; ok {
		q, ok := qs.order[i].(*Queue[T])
		if !ok {
			panic(fmt.Sprintf("event: queue %q registered as %T, requested as %T", name, qs.order[i], (*Queue[T])(nil)))
		}
		return q
	}
	q := NewQueue[T](qs.names.String(h))
	qs.byName[h] = len(qs.order)
	qs.order = append(qs.order, q)
	return q
}

func (qs *Queues) Len() int {
	return len(qs.order)
}

// ClearAll empties every queue. Called once at frame end.
func (qs *Queues) ClearAll() {
	for _, q := range qs.order {
		q.Clear()
	}
}

// Close clears queues in reverse registration order and forgets them.
func (qs *Queues) Close() {
	for i := len(qs.order) - 1; i >= 0; i-- {
		qs.order[i].Clear()
	}
	qs.order = nil
	clear(qs.byName)
}
