package interest

import (
	"math"

	"github.com/l1jgo/replicore/internal/core/ecs"
)

// Grid is a cell-hashed spatial index of entity ids. A 3x3 neighbourhood of
// cells around a point covers every entity within one cell size of it, so the
// cell size should be at least the largest query radius.
// Accessed only from the game loop goroutine, no locks.
type Grid struct {
	size  float32
	cells map[cellKey]map[ecs.EntityID]struct{}
	where map[ecs.EntityID]cellKey
}

type cellKey struct {
	layer int16
	cx    int32
	cy    int32
}

func NewGrid(cellSize float32) *Grid {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Grid{
		size:  cellSize,
		cells: make(map[cellKey]map[ecs.EntityID]struct{}),
		where: make(map[ecs.EntityID]cellKey),
	}
}

func (g *Grid) CellSize() float32 { return g.size }

func (g *Grid) key(x, y float32, layer int16) cellKey {
	return cellKey{
		layer: layer,
		cx:    int32(math.Floor(float64(x / g.size))),
		cy:    int32(math.Floor(float64(y / g.size))),
	}
}

// Place puts id at (x, y) on layer, moving it if it is already indexed.
func (g *Grid) Place(id ecs.EntityID, x, y float32, layer int16) {
	k := g.key(x, y, layer)
	if old, ok := g.where[id]; ok {
		if old == k {
			return
		}
		g.drop(id, old)
	}
	cell := g.cells[k]
	if cell == nil {
		cell = make(map[ecs.EntityID]struct{})
		g.cells[k] = cell
	}
	cell[id] = struct{}{}
	g.where[id] = k
}

// Remove takes id out of the grid.
func (g *Grid) Remove(id ecs.EntityID) {
	if k, ok := g.where[id]; ok {
		g.drop(id, k)
		delete(g.where, id)
	}
}

func (g *Grid) Len() int { return len(g.where) }

// Nearby appends every id in the 3x3 cells around (x, y) to dst. Caller does
// fine-grained distance filtering.
func (g *Grid) Nearby(dst []ecs.EntityID, x, y float32, layer int16) []ecs.EntityID {
	c := g.key(x, y, layer)
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			k := cellKey{layer: layer, cx: c.cx + dx, cy: c.cy + dy}
			for id := range g.cells[k] {
				dst = append(dst, id)
			}
		}
	}
	return dst
}

// Outside reports whether id is indexed in a cell beyond the 3x3
// neighbourhood of (x, y), which puts it more than one cell size away.
// Unindexed ids are never reported outside.
func (g *Grid) Outside(id ecs.EntityID, x, y float32, layer int16) bool {
	k, ok := g.where[id]
	if !ok {
		return false
	}
	c := g.key(x, y, layer)
	return k.layer != layer || abs32(k.cx-c.cx) > 1 || abs32(k.cy-c.cy) > 1
}

// Prune removes every indexed id keep rejects and returns how many went.
func (g *Grid) Prune(keep func(ecs.EntityID) bool) int {
	n := 0
	for id, k := range g.where {
		if keep(id) {
			continue
		}
		g.drop(id, k)
		delete(g.where, id)
		n++
	}
	return n
}

// Reset empties the grid.
func (g *Grid) Reset() {
	clear(g.cells)
	clear(g.where)
}

func (g *Grid) drop(id ecs.EntityID, k cellKey) {
	cell := g.cells[k]
	if cell == nil {
		return
	}
	delete(cell, id)
	if len(cell) == 0 {
		delete(g.cells, k)
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
