package system

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Options configures a Scheduler.
type Options struct {
	Log   *zap.Logger
	Clock Clock

	// LoopRate paces Run to at most this many frames per second; 0 disables pacing.
	LoopRate float64
	// MaxFrameTime clamps the measured frame time so a stall does not turn
	// into a burst of catch-up work.
	MaxFrameTime time.Duration

	// IsHost reports the current role for task filters. nil means host.
	IsHost func() bool
	// AfterTasks runs once all tasks finished (the deferred removal pass).
	AfterTasks func()
	// AfterStops runs after deferred stops were applied (queue clearing).
	AfterStops func()
}

// Scheduler runs registered tasks in priority order once per frame.
// Single-goroutine access only (game loop).
type Scheduler struct {
	opts Options
	log  *zap.Logger

	tasks  []*Task
	byName map[string]*Task
	dirty  bool

	paused        bool
	stepRequested bool
	stepping      bool

	deferredStops []string
	faults        []string

	started bool
	last    time.Time
	dt      time.Duration
	frame   uint64
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = WallClock{}
	}
	if opts.MaxFrameTime <= 0 {
		opts.MaxFrameTime = 250 * time.Millisecond
	}
	return &Scheduler{
		opts:   opts,
		log:    opts.Log.Named("scheduler"),
		tasks:  make([]*Task, 0, 16),
		byName: make(map[string]*Task, 16),
	}
}

// Schedule registers fn. A task already active under the same name is
// replaced; the old one is dropped at the next resort.
func (s *Scheduler) Schedule(spec TaskSpec, fn TaskFunc) (*Task, error) {
	if spec.Name == "" {
		return nil, errors.New("schedule: empty task name")
	}
	if fn == nil {
		return nil, fmt.Errorf("schedule %s: nil func", spec.Name)
	}
	if spec.Hz < 0 {
		return nil, fmt.Errorf("schedule %s: negative rate %v", spec.Name, spec.Hz)
	}
	if old, ok := s.byName[spec.Name]; ok {
		old.active = false
	}
	t := &Task{TaskSpec: spec, fn: fn, active: true}
	s.tasks = append(s.tasks, t)
	s.byName[spec.Name] = t
	s.dirty = true
	return t, nil
}

// Register schedules a System in its phase band. Systems are never paused.
func (s *Scheduler) Register(sys System) error {
	_, err := s.Schedule(TaskSpec{
		Name:     sys.Name(),
		Priority: sys.Phase().Priority(),
	}, sys.Update)
	return err
}

// Stop deactivates a task immediately; it will not run again, even later in
// the current frame.
func (s *Scheduler) Stop(name string) bool {
	t, ok := s.byName[name]
	if !ok {
		return false
	}
	t.active = false
	delete(s.byName, name)
	s.dirty = true
	return true
}

// StopDeferred stops a task at the end of the current frame, after the
// removal pass.
func (s *Scheduler) StopDeferred(name string) {
	s.deferredStops = append(s.deferredStops, name)
}

// Task returns the active task registered under name.
func (s *Scheduler) Task(name string) (*Task, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Tasks returns the active tasks in run order as of the last resort.
func (s *Scheduler) Tasks() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.active {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) Pause()       { s.paused = true }
func (s *Scheduler) Resume()      { s.paused = false }
func (s *Scheduler) TogglePause() { s.paused = !s.paused }
func (s *Scheduler) Paused() bool { return s.paused }

// RequestStep arms a single frame in which pauseable tasks run once while paused.
func (s *Scheduler) RequestStep() { s.stepRequested = true }

// Stepping reports whether the frame being run is a single-step frame.
func (s *Scheduler) Stepping() bool { return s.stepping }

// Frame is the number of frames run so far.
func (s *Scheduler) Frame() uint64 { return s.frame }

// Dt is the frame time of the frame being run.
func (s *Scheduler) Dt() time.Duration { return s.dt }

// Faults returns "task: message" for every task that failed so far.
func (s *Scheduler) Faults() []string {
	out := make([]string, len(s.faults))
	copy(out, s.faults)
	return out
}

// Run measures elapsed wall time since the previous Run, paces to LoopRate,
// and runs one frame.
func (s *Scheduler) Run() {
	now := s.opts.Clock.Now()
	if !s.started {
		s.started = true
		s.last = now
	} else if s.opts.LoopRate > 0 {
		period := time.Duration(float64(time.Second) / s.opts.LoopRate)
		if wait := s.last.Add(period).Sub(now); wait > 0 {
			s.opts.Clock.Sleep(wait)
			now = s.opts.Clock.Now()
		}
	}
	dt := now.Sub(s.last)
	s.last = now
	s.RunFrame(dt)
}

// RunFrame runs one frame with an explicit frame time.
func (s *Scheduler) RunFrame(dt time.Duration) {
	if dt < 0 {
		dt = 0
	}
	if dt > s.opts.MaxFrameTime {
		dt = s.opts.MaxFrameTime
	}
	s.dt = dt
	s.frame++
	s.stepping = s.stepRequested
	s.stepRequested = false

	if s.dirty {
		s.resort()
	}

	host := s.opts.IsHost == nil || s.opts.IsHost()
	for _, t := range s.tasks {
		if !t.active || !t.Filter.allows(host) {
			continue
		}
		held := t.Pauseable && s.paused
		if held && !s.stepping {
			continue
		}
		if t.Hz <= 0 {
			s.invoke(t, dt)
			continue
		}
		period := t.period()
		if held {
			// Single step: exactly one tick, no accumulation.
			s.invoke(t, period)
			continue
		}
		t.acc += dt
		if limit := maxCatchUp * period; t.acc > limit {
			t.acc = limit
		}
		for t.acc >= period && t.active {
			t.acc -= period
			s.invoke(t, period)
		}
	}

	if s.opts.AfterTasks != nil {
		s.opts.AfterTasks()
	}
	for _, name := range s.deferredStops {
		s.Stop(name)
	}
	s.deferredStops = s.deferredStops[:0]
	if s.opts.AfterStops != nil {
		s.opts.AfterStops()
	}
	s.stepping = false
}

// Close deactivates every task in reverse registration order.
func (s *Scheduler) Close() {
	for i := len(s.tasks) - 1; i >= 0; i-- {
		s.tasks[i].active = false
	}
	s.tasks = s.tasks[:0]
	clear(s.byName)
	s.deferredStops = s.deferredStops[:0]
}

// resort drops inactive tasks and stable-sorts the rest by priority.
func (s *Scheduler) resort() {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.active {
			kept = append(kept, t)
		}
	}
	clear(s.tasks[len(kept):])
	s.tasks = kept
	sort.SliceStable(s.tasks, func(i, j int) bool {
		return s.tasks[i].Priority < s.tasks[j].Priority
	})
	s.dirty = false
}

func (s *Scheduler) invoke(t *Task, dt time.Duration) {
	start := s.opts.Clock.Now()
	err := s.safeCall(t, dt)
	t.record(s.opts.Clock.Now().Sub(start))
	if err == nil {
		return
	}
	t.active = false
	if s.byName[t.Name] == t {
		delete(s.byName, t.Name)
	}
	s.dirty = true
	fault := fmt.Sprintf("%s: %s", t.Name, err.Error())
	s.faults = append(s.faults, fault)
	s.log.Warn("task disabled", zap.String("task", t.Name), zap.Error(err))
}

// safeCall executes a task with panic recovery so a single bad task cannot
// take down the frame.
func (s *Scheduler) safeCall(t *Task, dt time.Duration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.fn(dt)
}
