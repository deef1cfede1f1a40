package workload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/me/fibersched/internal/fiber"
)

// errStopped interrupts a script once its run has been asked to stop.
var errStopped = errors.New("workload: run stopped")

// Env is shared by every task of one run.
type Env struct {
	Out    io.Writer
	Logger *slog.Logger

	stop atomic.Bool

	mu  sync.Mutex
	vms map[*goja.Runtime]struct{} // live script runtimes, interrupted by Stop
}

// NewEnv returns an Env writing task output to out.
func NewEnv(out io.Writer, logger *slog.Logger) *Env {
	return &Env{Out: out, Logger: logger.With("component", "workload")}
}

// Stop asks every task to return at its next step and interrupts running
// scripts. Safe from any goroutine.
func (e *Env) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop.Store(true)
	for vm := range e.vms {
		vm.Interrupt(errStopped)
	}
}

// track registers vm for Stop. It reports false once the run is stopping.
func (e *Env) track(vm *goja.Runtime) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop.Load() {
		return false
	}
	if e.vms == nil {
		e.vms = make(map[*goja.Runtime]struct{})
	}
	e.vms[vm] = struct{}{}
	return true
}

func (e *Env) untrack(vm *goja.Runtime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vms, vm)
}

// running reports how many script runtimes are live.
func (e *Env) running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// Stopped reports whether Stop has been called.
func (e *Env) Stopped() bool { return e.stop.Load() }

// Submit creates one fiber per task copy, in task order.
func Submit(s *fiber.Scheduler, w *Workload, env *Env) ([]*fiber.Fiber, error) {
	var fibers []*fiber.Fiber
	for _, spec := range w.Tasks {
		count := max(spec.Count, 1)
		for i := 0; i < count; i++ {
			name := spec.Name
			if count > 1 {
				name = fmt.Sprintf("%s-%d", spec.Name, i+1)
			}
			task, err := build(s, env, spec, name)
			if err != nil {
				return fibers, err
			}
			f, err := s.SubmitNamed(name, task)
			if err != nil {
				return fibers, err
			}
			fibers = append(fibers, f)
		}
	}
	return fibers, nil
}

func build(s *fiber.Scheduler, env *Env, spec TaskSpec, name string) (fiber.Task, error) {
	switch spec.Kind {
	case KindSleep:
		return stepLoop(env, spec, name, func() { s.SleepCurrent(spec.Duration) }), nil
	case KindYield:
		return stepLoop(env, spec, name, s.Yield), nil
	case KindScript:
		prog, err := goja.Compile(name, spec.Script, false)
		if err != nil {
			return nil, fmt.Errorf("compile script %s: %w", name, err)
		}
		return scriptTask(s, env, prog, name), nil
	}
	return nil, fmt.Errorf("task %s: unknown kind %q", name, spec.Kind)
}

// stepLoop prints "Step 1", suspends, prints "Step 2", and repeats.
func stepLoop(env *Env, spec TaskSpec, name string, suspend func()) fiber.Task {
	return func() {
		for i := 0; spec.Forever() || i < spec.Iterations; i++ {
			if env.Stopped() {
				return
			}
			fmt.Fprintf(env.Out, "%s: Step 1\n", name)
			suspend()
			fmt.Fprintf(env.Out, "%s: Step 2\n", name)
		}
	}
}

// scriptTask runs prog in a runtime owned by the fiber. The script sees
// yield_now(), sleep_now(ms), log(msg), stopped() and the constant NAME.
// A script error fails the fiber; a stop request ends it quietly.
func scriptTask(s *fiber.Scheduler, env *Env, prog *goja.Program, name string) fiber.Task {
	return func() {
		vm := goja.New()
		suspend := func(fn func()) {
			if env.Stopped() {
				vm.Interrupt(errStopped)
				return
			}
			fn()
		}
		vm.Set("NAME", name)
		vm.Set("yield_now", func() { suspend(s.Yield) })
		vm.Set("sleep_now", func(ms int64) {
			suspend(func() { s.SleepCurrent(time.Duration(ms) * time.Millisecond) })
		})
		vm.Set("log", func(msg string) { fmt.Fprintf(env.Out, "%s: %s\n", name, msg) })
		vm.Set("stopped", env.Stopped)

		if !env.track(vm) {
			return
		}
		defer env.untrack(vm)

		_, err := vm.RunProgram(prog)
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && interrupted.Value() == errStopped {
			env.Logger.Debug("script stopped", "fiber", name)
			return
		}
		if err != nil {
			panic(fmt.Errorf("script %s: %w", name, err))
		}
	}
}
