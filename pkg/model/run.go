package model

import "time"

// Run is the recorded trace of one scheduler run.
type Run struct {
	ID          string         `json:"id"`
	Workload    string         `json:"workload"`
	Shuffle     bool           `json:"shuffle"`
	KillMain    bool           `json:"kill_main"`
	ReadySet    string         `json:"ready_set"`
	Seed        uint64         `json:"seed,omitempty"`
	State       RunState       `json:"state"`
	Fibers      []FiberSummary `json:"fibers,omitempty"`
	Summary     FiberCounts    `json:"summary"` // Computed field, not stored
	Dispatches  int            `json:"dispatches"`
	EventCount  int            `json:"event_count"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// FiberSummary is the final state of one fiber in a run.
type FiberSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Handle     uint64 `json:"handle"`
	State      string `json:"state"`
	Dispatches int    `json:"dispatches"`
	Error      string `json:"error,omitempty"`
}

// FiberCounts aggregates fiber states within a Run.
type FiberCounts struct {
	Total    int `json:"total"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"` // Never finished: ready, sleeping or cut off by teardown
}

// ComputeFiberCounts calculates FiberCounts from fiber summaries.
func ComputeFiberCounts(fibers []FiberSummary) FiberCounts {
	c := FiberCounts{Total: len(fibers)}
	for _, f := range fibers {
		switch f.State {
		case "finished":
			c.Finished++
		case "failed":
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

// EventKind names a scheduler event.
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

// ValidEventKind reports whether k is a known event kind.
func ValidEventKind(k string) bool {
	switch EventKind(k) {
	case EventSubmit, EventDispatch, EventYield, EventSleep, EventWake, EventFinish,
		EventFail, EventMainKilled, EventReturnMain, EventHalt, EventTeardown:
		return true
	}
	return false
}

// Event is one entry of a run's trace.
type Event struct {
	RunID     string     `json:"run_id"`
	Seq       int        `json:"seq"`
	Kind      EventKind  `json:"kind"`
	FiberID   string     `json:"fiber_id,omitempty"`
	FiberName string     `json:"fiber_name,omitempty"`
	Handle    uint64     `json:"handle,omitempty"`
	WakeAt    *time.Time `json:"wake_at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	At        time.Time  `json:"at"`
}
