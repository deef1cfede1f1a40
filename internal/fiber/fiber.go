package fiber

import (
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/me/fibersched/internal/execctx"
)

// Task is the work a fiber runs. It suspends itself through the owning
// Scheduler's Yield and SleepCurrent.
type Task func()

// State is the lifecycle state of a Fiber.
type State int

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal reports whether the task has returned.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed
}

// Fiber pairs a task with an execution context. It is owned by the
// Scheduler that created it; sched is a back-reference only.
type Fiber struct {
	handle execctx.Handle
	id     uuid.UUID
	name   string
	task   Task
	sched  *Scheduler

	state    State
	sleeping bool
	wakeAt   time.Time // zero unless sleeping

	queued     bool
	seq        uint64
	slot       int // index in the sleep heap, -1 when not there
	released   bool
	dispatches int
	err        error
}

// Handle returns the fiber's execution context.
func (f *Fiber) Handle() execctx.Handle { return f.handle }

// ID returns the fiber's unique id.
func (f *Fiber) ID() uuid.UUID { return f.id }

// Name returns the name given at submission, or a prefix of the id.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return f.state }

// Sleeping reports whether a sleep is pending and when it ends.
func (f *Fiber) Sleeping() (bool, time.Time) { return f.sleeping, f.wakeAt }

// Dispatches reports how many times the fiber has been switched to.
func (f *Fiber) Dispatches() int { return f.dispatches }

// Err returns the *TaskPanicError of a failed fiber, or nil.
func (f *Fiber) Err() error { return f.err }

// Sleep marks the fiber ineligible to run until d has elapsed. It does not
// suspend; the fiber still has to yield.
func (f *Fiber) Sleep(d time.Duration) {
	if f.state.IsTerminal() {
		return
	}
	f.sleeping = true
	f.wakeAt = f.sched.clock.Now().Add(d)
	f.state = StateSleeping
	if f.queued {
		f.sched.ready.reposition(f)
	}
	f.sched.emit(Event{Kind: EventSleep, Fiber: f, WakeAt: f.wakeAt})
}

func (f *Fiber) wake() bool {
	was := f.sleeping
	f.sleeping = false
	f.wakeAt = time.Time{}
	return was
}

// run is the entry point of the fiber's execution context.
func (f *Fiber) run() {
	f.invoke()
	f.sched.finish(f)
}

// invoke runs the task, turning an escaping panic into the fiber's error.
func (f *Fiber) invoke() {
	defer func() {
		if r := recover(); r != nil {
			f.err = &TaskPanicError{Fiber: f.name, Value: r, Stack: debug.Stack()}
		}
	}()
	f.task()
}
