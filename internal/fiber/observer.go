package fiber

import "time"

// EventKind classifies a scheduler event.
type EventKind string

const (
	EventSubmit     EventKind = "submit"
	EventDispatch   EventKind = "dispatch"
	EventYield      EventKind = "yield"
	EventSleep      EventKind = "sleep"
	EventWake       EventKind = "wake"
	EventFinish     EventKind = "finish"
	EventFail       EventKind = "fail"
	EventMainKilled EventKind = "main_killed"
	EventReturnMain EventKind = "return_main"
	EventHalt       EventKind = "halt"
	EventTeardown   EventKind = "teardown"
)

// Event describes one step of the scheduler. Fiber is nil for events that
// concern the main context or the scheduler as a whole.
type Event struct {
	Kind   EventKind
	Fiber  *Fiber
	At     time.Time
	WakeAt time.Time
	Err    error
}

// Observer receives events synchronously on the running context. It must
// not block or switch contexts.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
