// Package runner drives one workload through a fiber scheduler on its own
// logical thread and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/execctx"
	"github.com/me/fibersched/internal/fiber"
	"github.com/me/fibersched/internal/logging"
	"github.com/me/fibersched/internal/store"
	"github.com/me/fibersched/internal/trace"
	"github.com/me/fibersched/internal/workload"
	"github.com/me/fibersched/pkg/model"
)

// Runner executes workloads. A Runner may be reused; each Run gets a fresh
// platform and scheduler.
type Runner struct {
	sched      config.SchedulerConfig
	run        config.RunConfig
	store      store.Store
	out        io.Writer
	clock      fiber.Clock
	traceLimit int
	logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists finished runs when RunConfig.Persist is set.
func WithStore(st store.Store) Option {
	return func(r *Runner) { r.store = st }
}

// WithOutput sets where task output goes. The default discards it.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock replaces the scheduler clock.
func WithClock(c fiber.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithTraceLimit caps the events kept per run. Zero keeps everything.
func WithTraceLimit(n int) Option {
	return func(r *Runner) { r.traceLimit = n }
}

// New creates a Runner with the given defaults.
func New(sched config.SchedulerConfig, run config.RunConfig, opts ...Option) *Runner {
	r := &Runner{
		sched:      sched,
		run:        run,
		out:        io.Discard,
		clock:      fiber.SystemClock,
		traceLimit: 100000,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Result is a finished run and its buffered trace.
type Result struct {
	Run     model.Run
	Events  []model.Event
	Dropped int
}

// threadResult is what the scheduler thread reports when Start returns.
type threadResult struct {
	err error
}

// Run executes w until every task has returned, main has been retired and
// the last fiber has ended the thread, or the run times out. A run that
// times out first asks tasks to stop and gives them the grace period to
// return; a thread still busy after that is abandoned.
func (r *Runner) Run(ctx context.Context, w *workload.Workload) (*Result, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	cfg := w.Apply(r.sched)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := "run_" + uuid.New().String()
	logger := logging.WithRun(r.logger, runID)
	startedAt := time.Now().UTC()
	rec := trace.NewRecorder(model.Run{
		ID:        runID,
		Workload:  w.Name,
		Shuffle:   cfg.Shuffle,
		KillMain:  cfg.KillMain,
		ReadySet:  readySetName(cfg.ReadySet),
		Seed:      cfg.Seed,
		State:     model.RunStateRunning,
		StartedAt: startedAt,
	}, r.traceLimit)

	persist := r.store != nil && r.run.Persist
	if persist {
		initial := rec.Run()
		if err := r.store.CreateRun(ctx, &initial); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	if r.run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.run.Timeout)
		defer cancel()
	}

	platform := execctx.NewGoroutines(cfg.MaxFibers, logger)
	env := workload.NewEnv(r.out, logger)
	opts := []fiber.Option{
		fiber.WithShuffle(cfg.Shuffle),
		fiber.WithKillMain(cfg.KillMain),
		fiber.WithReadySet(fiber.ReadySetKind(readySetName(cfg.ReadySet))),
		fiber.WithClock(r.clock),
		fiber.WithObserver(rec),
		fiber.WithLogger(logger),
	}
	if cfg.Seed != 0 {
		opts = append(opts, fiber.WithRand(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))))
	}

	logger.Info("run starting", "workload", w.Name, "tasks", len(w.Tasks),
		"shuffle", cfg.Shuffle, "kill_main", cfg.KillMain, "ready_set", readySetName(cfg.ReadySet))

	created := make(chan *fiber.Scheduler, 1)
	returned := make(chan threadResult, 1)
	go func() {
		s, err := fiber.New(platform, opts...)
		if err != nil {
			returned <- threadResult{err: err}
			return
		}
		created <- s
		if _, err := workload.Submit(s, w, env); err != nil {
			s.Close()
			returned <- threadResult{err: fmt.Errorf("submit: %w", err)}
			return
		}
		err = s.Start()
		s.Close()
		returned <- threadResult{err: err}
	}()

	var (
		sched    *fiber.Scheduler
		state    model.RunState
		runErr   error
		finished bool
	)
	select {
	case sched = <-created:
	case res := <-returned:
		runErr = res.err
	}

	if sched != nil {
		state, finished, runErr = r.wait(ctx, logger, env, platform, sched, returned)
	} else {
		state, finished = model.RunStateFailed, true
	}

	outcome := trace.Outcome{State: state, Err: runErr, At: time.Now().UTC()}
	if sched != nil && finished {
		// The thread is gone; its state is safe to read.
		outcome.Fibers = sched.Fibers()
		outcome.Dispatches = sched.Stats().Dispatches
		if state != model.RunStateTimedOut && runErr == nil {
			if err := failedFibers(outcome.Fibers); err != nil {
				outcome.State, outcome.Err = model.RunStateFailed, err
			}
		}
	}

	run, err := rec.Finish(outcome)
	if err != nil {
		return nil, err
	}
	res := &Result{Run: run, Events: rec.Events(), Dropped: rec.Dropped()}
	logger.Info("run finished", "state", run.State, "dispatches", run.Dispatches,
		"events", run.EventCount, "duration", run.Duration())

	if persist {
		if err := r.store.SaveRun(context.WithoutCancel(ctx), &res.Run, res.Events); err != nil {
			return res, fmt.Errorf("save run: %w", err)
		}
	}
	return res, nil
}

// wait blocks until the scheduler thread returns to main, ends itself, or
// the context expires.
func (r *Runner) wait(ctx context.Context, logger *slog.Logger, env *workload.Env,
	platform *execctx.Goroutines, sched *fiber.Scheduler, returned <-chan threadResult,
) (state model.RunState, finished bool, err error) {
	select {
	case res := <-returned:
		if res.err != nil {
			return model.RunStateFailed, true, res.err
		}
		return model.RunStateReturned, true, nil
	case <-platform.Done():
		return model.RunStateHalted, true, r.closeHalted(sched)
	case <-ctx.Done():
	}

	logger.Warn("run timed out, stopping tasks", "grace", r.run.Grace)
	env.Stop()
	grace := time.NewTimer(r.run.Grace)
	defer grace.Stop()

	cause := ctx.Err()
	select {
	case <-returned:
		return model.RunStateTimedOut, true, cause
	case <-platform.Done():
		if err := r.closeHalted(sched); err != nil {
			cause = errors.Join(cause, err)
		}
		return model.RunStateTimedOut, true, cause
	case <-grace.C:
		logger.Error("scheduler thread still busy after grace period, abandoning it")
		return model.RunStateTimedOut, false, fmt.Errorf("%w: thread abandoned after %v", cause, r.run.Grace)
	}
}

// closeHalted tears down a scheduler whose thread ended itself.
func (r *Runner) closeHalted(sched *fiber.Scheduler) error {
	if err := sched.Close(); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

func failedFibers(fibers []*fiber.Fiber) error {
	var errs []error
	for _, f := range fibers {
		if f.State() == fiber.StateFailed {
			errs = append(errs, f.Err())
		}
	}
	return errors.Join(errs...)
}

func readySetName(s string) string {
	if s == "" {
		return string(fiber.ReadySetLinear)
	}
	return s
}
