package system

import (
	"fmt"
	"time"
)

// Filter restricts a task to one side of the connection.
type Filter uint8

const (
	RunAll        Filter = iota
	RunHostOnly          // only while this kernel is the host
	RunClientOnly        // only while this kernel is not the host
)

func (f Filter) String() string {
	switch f {
	case RunAll:
		return "all"
	case RunHostOnly:
		return "host"
	case RunClientOnly:
		return "client"
	default:
		return fmt.Sprintf("Filter(%d)", int(f))
	}
}

func (f Filter) allows(host bool) bool {
	switch f {
	case RunHostOnly:
		return host
	case RunClientOnly:
		return !host
	default:
		return true
	}
}

// maxCatchUp caps a fixed-rate task's accumulator, in periods.
const maxCatchUp = 5

// TaskFunc is the body of a task. dt is the frame time for per-frame tasks
// and the fixed period for rate-limited ones. A non-nil error disables the task.
type TaskFunc func(dt time.Duration) error

// TaskSpec describes a task at registration.
type TaskSpec struct {
	Name      string
	Priority  float64 // lower runs first; ties keep registration order
	Hz        float64 // 0 = once per frame
	Filter    Filter
	Pauseable bool
}

// Task is a scheduled callable plus its running statistics.
type Task struct {
	TaskSpec

	fn     TaskFunc
	active bool
	acc    time.Duration

	LastDuration time.Duration
	PeakDuration time.Duration
	Runs         uint64
}

func (t *Task) Active() bool { return t.active }

func (t *Task) period() time.Duration {
	return time.Duration(float64(time.Second) / t.Hz)
}

func (t *Task) record(d time.Duration) {
	t.LastDuration = d
	if d > t.PeakDuration {
		t.PeakDuration = d
	}
	t.Runs++
}
