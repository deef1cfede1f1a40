// Package fiber implements a cooperative scheduler that multiplexes
// stackful fibers onto one logical thread. Fibers run until they yield,
// sleep-then-yield, or return; nothing is preempted.
//
// All scheduler state is mutated only by whichever context is running, so
// it carries no locks. A Scheduler must only be used from its own contexts.
package fiber

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/me/fibersched/internal/execctx"
)

// Scheduler owns a set of fibers and decides which one runs next.
type Scheduler struct {
	platform execctx.Platform
	clock    Clock
	rand     *rand.Rand // shuffles the ready set
	ready    readySet   // fibers waiting to run, including sleepers

	// registry resolves the running context to its fiber. order keeps
	// every submitted fiber in submission order for teardown and
	// introspection; finished fibers stay in both.
	registry map[execctx.Handle]*Fiber
	order    []*Fiber

	// main is the context bound by New. It is None once killed or unbound.
	main execctx.Handle

	shuffle  bool
	killMain bool
	kind     ReadySetKind

	// seq stamps each enqueue so the heap ready set breaks equal wake
	// times, and restores ready order, the way the linear scan would.
	seq uint64

	observer Observer
	logger   *slog.Logger

	dispatches int

	// halted is set when the last fiber ended the thread with main gone;
	// its context is already destroyed. closed is set by Close and makes
	// every later Submit, Start and Close fail or no-op.
	halted bool
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand sets the source used to shuffle the ready set.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rand = r }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithObserver registers an observer for scheduler events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithShuffle sets the initial shuffle policy. Shuffle is on by default.
func WithShuffle(on bool) Option {
	return func(s *Scheduler) { s.shuffle = on }
}

// WithKillMain sets the initial main-termination policy. See Configure.
func WithKillMain(on bool) Option {
	return func(s *Scheduler) { s.killMain = on }
}

// WithReadySet selects the ready-set implementation.
func WithReadySet(kind ReadySetKind) Option {
	return func(s *Scheduler) { s.kind = kind }
}

// New creates a Scheduler and binds the calling context as main.
func New(p execctx.Platform, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		platform: p,
		clock:    SystemClock,
		registry: make(map[execctx.Handle]*Fiber),
		shuffle:  true,
		kind:     ReadySetLinear,
		observer: nopObserver{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.ready = newReadySet(s.kind)
	s.logger = s.logger.With("component", "fiber-scheduler")

	main, err := p.Bind()
	if err != nil {
		return nil, fmt.Errorf("bind main context: %w", err)
	}
	s.main = main
	s.logger.Debug("scheduler created", "main", main, "ready_set", s.kind)
	return s, nil
}

// Configure sets the shuffle and main-termination policies.
//
// With killMain enabled, the first yield that happens while main still
// exists destroys main for good: Start never returns and Close can no longer
// restore the calling thread. Do not enable it while the embedder still
// needs main, or while anything main's stack owns, the Scheduler included,
// must outlive it.
func (s *Scheduler) Configure(shuffle, killMain bool) {
	s.shuffle = shuffle
	s.killMain = killMain
}

// Submit creates a fiber for task and enqueues it without running it.
func (s *Scheduler) Submit(task Task) (*Fiber, error) {
	return s.SubmitNamed("", task)
}

// SubmitNamed is Submit with a name used in logs and traces.
func (s *Scheduler) SubmitNamed(name string, task Task) (*Fiber, error) {
	if s.closed {
		return nil, ErrClosed
	}
	f := &Fiber{
		id:    uuid.New(),
		name:  name,
		task:  task,
		sched: s,
		slot:  -1,
	}
	if f.name == "" {
		f.name = "fiber-" + f.id.String()[:8]
	}

	h, err := s.platform.Create(f.run)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", f.name, err)
	}
	f.handle = h
	s.registry[h] = f
	s.order = append(s.order, f)
	s.push(f)

	s.logger.Debug("fiber submitted", "fiber", f.name, "fiber_id", f.id, "handle", h)
	s.emit(Event{Kind: EventSubmit, Fiber: f})
	return f, nil
}

// Start performs the first dispatch and returns once control comes back
// to main. With nothing submitted it returns immediately.
func (s *Scheduler) Start() error {
	switch {
	case s.closed:
		return ErrClosed
	case s.main == execctx.None:
		return ErrMainDestroyed
	case s.platform.Current() != s.main:
		return ErrNotMain
	}
	if s.ready.len() == 0 {
		return nil
	}
	s.logger.Info("scheduler starting", "fibers", len(s.registry), "shuffle", s.shuffle, "kill_main", s.killMain)
	if next := s.nextReadyOrMain(); next != execctx.None {
		s.switchTo(next)
	}
	return nil
}

// Yield suspends the calling fiber, puts it back in the ready set and runs
// the next one. Called outside a fiber it does nothing.
func (s *Scheduler) Yield() {
	f := s.Current()
	if f == nil {
		s.logger.Debug("yield outside a fiber ignored", "handle", s.platform.Current())
		return
	}

	if f.sleeping {
		f.state = StateSleeping
	} else {
		f.state = StateReady
	}
	s.push(f)
	s.emit(Event{Kind: EventYield, Fiber: f})

	if s.killMain && s.main != execctx.None {
		s.destroyMain()
	}

	next := s.nextReadyOrMain()
	if next == execctx.None {
		return
	}
	s.switchTo(next)
}

// SleepCurrent puts the calling fiber to sleep for d and yields.
func (s *Scheduler) SleepCurrent(d time.Duration) {
	f := s.Current()
	if f == nil {
		s.logger.Debug("sleep outside a fiber ignored", "handle", s.platform.Current())
		return
	}
	f.Sleep(d)
	s.Yield()
}

// Close destroys every fiber's execution context exactly once and, if main
// still exists, returns the calling thread to ordinary execution. Fibers
// still ready or sleeping never run again.
func (s *Scheduler) Close() error {
	if s.closed {
		return nil
	}
	if _, inFiber := s.registry[s.platform.Current()]; inFiber && !s.halted {
		return ErrNotMain
	}
	s.closed = true

	released := 0
	for _, f := range s.order {
		if f.released {
			continue
		}
		s.platform.Destroy(f.handle)
		f.released = true
		f.queued = false
		released++
	}
	s.ready.clear()

	if s.main != execctx.None {
		s.platform.Unbind(s.main)
		s.main = execctx.None
	}
	s.logger.Info("scheduler torn down", "released", released, "fibers", len(s.order))
	s.emit(Event{Kind: EventTeardown})
	return nil
}

// push enqueues f. Enqueueing a fiber twice or after it finished is a bug.
func (s *Scheduler) push(f *Fiber) {
	if f.queued {
		panic(fmt.Sprintf("fiber: %s is already in the ready set", f.name))
	}
	if f.state.IsTerminal() {
		panic(fmt.Sprintf("fiber: %s has terminated and cannot be enqueued", f.name))
	}
	s.seq++
	f.seq = s.seq
	f.queued = true
	s.ready.push(f)
}

// nextReadyOrMain selects the context to run next and removes it from the
// ready set. It returns main when nothing is queued; with main gone it
// destroys the running fiber, ending the thread, and returns None.
func (s *Scheduler) nextReadyOrMain() execctx.Handle {
	if s.ready.len() == 0 {
		if s.main != execctx.None {
			return s.main
		}
		s.halt()
		return execctx.None
	}

	if s.shuffle {
		s.ready.shuffle(s.rand)
	}

	now := s.clock.Now()
	if f := s.ready.pickRunnable(now); f != nil {
		s.dequeued(f)
		return f.handle
	}

	// Everything is asleep and nothing else can run: block the thread.
	f := s.ready.earliest()
	if f == nil {
		panic("fiber: ready set holds neither runnable nor sleeping fibers")
	}
	wait := f.wakeAt.Sub(now)
	s.logger.Debug("all fibers sleeping", "fiber", f.name, "wait", wait)
	s.clock.Sleep(wait)
	s.ready.remove(f)
	s.dequeued(f)
	return f.handle
}

func (s *Scheduler) dequeued(f *Fiber) {
	f.queued = false
	if f.wake() {
		s.emit(Event{Kind: EventWake, Fiber: f})
	}
}

func (s *Scheduler) switchTo(h execctx.Handle) {
	if f, ok := s.registry[h]; ok {
		f.state = StateRunning
		f.dispatches++
		s.dispatches++
		s.emit(Event{Kind: EventDispatch, Fiber: f})
	} else if h == s.main {
		s.logger.Debug("returning to main", "main", h)
		s.emit(Event{Kind: EventReturnMain})
	}
	s.platform.SwitchTo(h)
}

// finish runs on a fiber whose task has returned.
func (s *Scheduler) finish(f *Fiber) {
	if f.err != nil {
		f.state = StateFailed
		s.logger.Error("fiber task panicked", "fiber", f.name, "fiber_id", f.id, "error", f.err)
		s.emit(Event{Kind: EventFail, Fiber: f, Err: f.err})
	} else {
		f.state = StateFinished
		s.logger.Debug("fiber finished", "fiber", f.name, "fiber_id", f.id, "dispatches", f.dispatches)
		s.emit(Event{Kind: EventFinish, Fiber: f})
	}

	if next := s.nextReadyOrMain(); next != execctx.None {
		s.switchTo(next)
	}
}

func (s *Scheduler) destroyMain() {
	main := s.main
	s.main = execctx.None
	s.platform.Destroy(main)
	s.logger.Info("main context destroyed", "main", main)
	s.emit(Event{Kind: EventMainKilled})
}

// halt destroys the running fiber's context once neither main nor any
// other fiber is left. With a real platform it does not return.
func (s *Scheduler) halt() {
	cur := s.platform.Current()
	f, ok := s.registry[cur]
	if !ok {
		return
	}
	s.halted = true
	f.released = true
	s.logger.Info("out of work, ending thread", "fiber", f.name)
	s.emit(Event{Kind: EventHalt, Fiber: f})
	s.platform.Destroy(cur)
}

func (s *Scheduler) emit(ev Event) {
	ev.At = s.clock.Now()
	s.observer.Observe(ev)
}

// --- introspection ---

// Current returns the running fiber, or nil when main is running.
func (s *Scheduler) Current() *Fiber {
	return s.registry[s.platform.Current()]
}

// Lookup returns the fiber registered under h.
func (s *Scheduler) Lookup(h execctx.Handle) (*Fiber, bool) {
	f, ok := s.registry[h]
	return f, ok
}

// Fibers returns every fiber in submission order.
func (s *Scheduler) Fibers() []*Fiber {
	return append([]*Fiber(nil), s.order...)
}

// Len reports how many fibers are waiting in the ready set.
func (s *Scheduler) Len() int { return s.ready.len() }

// MainAlive reports whether the main context still exists.
func (s *Scheduler) MainAlive() bool { return s.main != execctx.None }

// Halted reports whether the scheduler ended its thread for lack of work.
func (s *Scheduler) Halted() bool { return s.halted }

// Stats summarizes the scheduler.
type Stats struct {
	Fibers     int
	Ready      int
	Sleeping   int
	Running    int
	Finished   int
	Failed     int
	Dispatches int
	MainAlive  bool
}

// Stats counts fibers by state.
func (s *Scheduler) Stats() Stats {
	st := Stats{Fibers: len(s.order), Dispatches: s.dispatches, MainAlive: s.main != execctx.None}
	for _, f := range s.order {
		switch f.state {
		case StateReady:
			st.Ready++
		case StateSleeping:
			st.Sleeping++
		case StateRunning:
			st.Running++
		case StateFinished:
			st.Finished++
		case StateFailed:
			st.Failed++
		}
	}
	return st
}
