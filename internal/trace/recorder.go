// Package trace turns scheduler events into a persisted run record.
package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/me/fibersched/internal/fiber"
	"github.com/me/fibersched/pkg/model"
)

// Recorder is a fiber.Observer that buffers events in memory. Observe runs
// on the scheduler's thread and never does I/O; the buffered run is written
// out after teardown. Other goroutines may read snapshots at any time.
type Recorder struct {
	mu      sync.Mutex
	run     model.Run
	events  []model.Event
	limit   int
	dropped int
	seq     int
}

// NewRecorder starts recording run, which must be in RunStateRunning.
// limit caps the buffered events; zero keeps everything.
func NewRecorder(run model.Run, limit int) *Recorder {
	if run.State == "" {
		run.State = model.RunStateRunning
	}
	return &Recorder{run: run, limit: limit}
}

// Observe implements fiber.Observer.
func (r *Recorder) Observe(ev fiber.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if r.limit > 0 && len(r.events) >= r.limit {
		r.dropped++
		return
	}
	r.events = append(r.events, toModel(r.run.ID, r.seq, ev))
}

func toModel(runID string, seq int, ev fiber.Event) model.Event {
	out := model.Event{
		RunID: runID,
		Seq:   seq,
		Kind:  model.EventKind(ev.Kind),
		At:    ev.At,
	}
	if f := ev.Fiber; f != nil {
		out.FiberID = f.ID().String()
		out.FiberName = f.Name()
		out.Handle = uint64(f.Handle())
	}
	switch ev.Kind {
	case fiber.EventSleep:
		wake := ev.WakeAt
		out.WakeAt = &wake
		out.Detail = "for " + ev.WakeAt.Sub(ev.At).String()
	case fiber.EventDispatch:
		if ev.Fiber != nil {
			out.Detail = fmt.Sprintf("dispatch #%d", ev.Fiber.Dispatches())
		}
	case fiber.EventFail:
		if ev.Err != nil {
			out.Detail = ev.Err.Error()
		}
	}
	return out
}

// Events returns a copy of the buffered events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Dropped reports how many events exceeded the limit.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run returns a snapshot of the run record.
func (r *Recorder) Run() model.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Recorder) snapshot() model.Run {
	run := r.run
	run.Fibers = append([]model.FiberSummary(nil), r.run.Fibers...)
	run.EventCount = r.seq
	run.Summary = model.ComputeFiberCounts(run.Fibers)
	return run
}

// Outcome is how a run ended.
type Outcome struct {
	State      model.RunState
	Fibers     []*fiber.Fiber
	Dispatches int
	Err        error
	At         time.Time
}

// Finish moves the run to its terminal state and returns the final record.
func (r *Recorder) Finish(o Outcome) (model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.run.State.CanTransitionTo(o.State) {
		return r.snapshot(), &model.InvalidTransitionError{
			Entity: "Run",
			ID:     r.run.ID,
			From:   r.run.State.String(),
			To:     o.State.String(),
		}
	}
	r.run.State = o.State
	r.run.Fibers = Summarize(o.Fibers)
	r.run.Dispatches = o.Dispatches
	if o.Err != nil {
		r.run.Error = o.Err.Error()
	}
	at := o.At
	r.run.CompletedAt = &at
	return r.snapshot(), nil
}

// Summarize records the final state of each fiber.
func Summarize(fibers []*fiber.Fiber) []model.FiberSummary {
	out := make([]model.FiberSummary, 0, len(fibers))
	for _, f := range fibers {
		s := model.FiberSummary{
			ID:         f.ID().String(),
			Name:       f.Name(),
			Handle:     uint64(f.Handle()),
			State:      f.State().String(),
			Dispatches: f.Dispatches(),
		}
		if err := f.Err(); err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	return out
}
