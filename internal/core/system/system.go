package system

import "time"

// Phase defines coarse execution bands within a single frame. Tasks carry a
// float priority; Phase.Priority maps a band onto that scale so built-in
// systems and ad-hoc tasks interleave predictably.
type Phase int

const (
	PhaseInput      Phase = iota // 0: drain datagram queues
	PhasePreUpdate               // 1: react to last frame's events
	PhaseUpdate                  // 2: simulation logic
	PhasePostUpdate              // 3: interest sweeps
	PhaseOutput                  // 4: build + send deltas
	PhasePersist                 // 5: fault/peer log flush
	PhaseCleanup                 // 6: tombstone expiry
)

// Priority returns the task priority at the start of the band.
func (p Phase) Priority() float64 {
	return float64(p) * 100
}

// System is implemented by long-lived components that run every frame.
// Register wraps a System into a non-pauseable task.
type System interface {
	Name() string
	Phase() Phase
	Update(dt time.Duration) error
}
