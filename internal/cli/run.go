package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/runner"
	"github.com/me/fibersched/internal/workload"
	"github.com/me/fibersched/pkg/model"
)

// runFlags are the run bounds shared by demo and run.
type runFlags struct {
	timeout   time.Duration
	grace     time.Duration
	noPersist bool
	trace     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Wall-clock limit for the run (default from config, 1m)")
	cmd.Flags().DurationVar(&f.grace, "grace", 0, "Time tasks get to stop after the timeout (default from config, 5s)")
	cmd.Flags().BoolVar(&f.noPersist, "no-persist", false, "Do not save the trace to the database")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "Print the scheduler trace after the run")
}

// runConfig overlays the flags that were set onto the configured defaults.
func (f *runFlags) runConfig(cmd *cobra.Command) config.RunConfig {
	rc := cfg.Run
	if cmd.Flags().Changed("timeout") {
		rc.Timeout = f.timeout
	}
	if cmd.Flags().Changed("grace") {
		rc.Grace = f.grace
	}
	if f.noPersist {
		rc.Persist = false
	}
	return rc
}

func newDemoCmd() *cobra.Command {
	var iterations int
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in three-task demo",
		Long: `Runs three looping tasks on one thread: Task 1 and Task 3 sleep 500ms
between steps, Task 2 yields. Shuffle is off and main is retired on the first
yield, so the last task to finish ends the thread. --iterations 0 loops until
the timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if iterations < 0 {
				return fmt.Errorf("--iterations must not be negative")
			}
			return executeLocal(cmd, workload.Demo(iterations), cfg.Scheduler, rf.runConfig(cmd), rf.trace)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 3, "Steps per task, 0 for unbounded")
	rf.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		shuffle   bool
		killMain  bool
		readySet  string
		seed      uint64
		maxFibers int
		rf        runFlags
	)

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Run a workload file",
		Long: `Runs the tasks of a YAML workload file on one scheduler thread and records
the trace. Policy flags override the workload file, which overrides the config.
With --server the workload is sent to a fibersched server and run there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := workload.Load(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("shuffle") {
				w.Shuffle = &shuffle
			}
			if flags.Changed("kill-main") {
				w.KillMain = killMain
			}
			if flags.Changed("ready-set") {
				w.ReadySet = readySet
			}
			if err := w.Validate(); err != nil {
				return fmt.Errorf("workload %s: %w", args[0], err)
			}

			if flagServer != "" {
				if flags.Changed("seed") || flags.Changed("max-fibers") || flags.Changed("timeout") || flags.Changed("grace") {
					return errors.New("--seed, --max-fibers, --timeout and --grace are server settings when --server is set")
				}
				return executeRemote(cmd, w)
			}

			sched := cfg.Scheduler
			if flags.Changed("kill-main") {
				sched.KillMain = killMain
			}
			if flags.Changed("seed") {
				sched.Seed = seed
			}
			if flags.Changed("max-fibers") {
				sched.MaxFibers = maxFibers
			}
			return executeLocal(cmd, w, sched, rf.runConfig(cmd), rf.trace)
		},
	}

	cmd.Flags().BoolVar(&shuffle, "shuffle", true, "Shuffle the ready set before each pick")
	cmd.Flags().BoolVar(&killMain, "kill-main", false, "Retire main on the first yield")
	cmd.Flags().StringVar(&readySet, "ready-set", "linear", "Ready-set implementation (linear, heap)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Shuffle seed, 0 for a random one")
	cmd.Flags().IntVar(&maxFibers, "max-fibers", 0, "Live fiber limit, 0 for unbounded")
	rf.register(cmd)
	return cmd
}

// executeLocal runs w in this process, streaming task output to stdout.
func executeLocal(cmd *cobra.Command, w *workload.Workload, sched config.SchedulerConfig, rc config.RunConfig, showTrace bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	opts := []runner.Option{runner.WithOutput(out), runner.WithLogger(logger)}
	if rc.Persist {
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, runner.WithStore(st))
	}

	res, err := runner.New(sched, rc, opts...).Run(ctx, w)
	if err != nil {
		if res == nil {
			return err
		}
		logger.Error("run finished but could not be saved", "run_id", res.Run.ID, "error", err)
	}

	fmt.Fprintln(out)
	printRun(out, &res.Run)
	if showTrace {
		fmt.Fprintln(out)
		events := make([]*model.Event, len(res.Events))
		for i := range res.Events {
			events[i] = &res.Events[i]
		}
		printEvents(out, events)
		if res.Dropped > 0 {
			fmt.Fprintf(out, "(%d events dropped over the trace limit)\n", res.Dropped)
		}
	}
	return runError(&res.Run)
}

// executeRemote posts w to the server and prints the finished run.
func executeRemote(cmd *cobra.Command, w *workload.Workload) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workload: %w", err)
	}
	resp, err := NewClient(flagServer, logger).PostYAML(ctx, "/api/v1/runs/", body)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	printRun(cmd.OutOrStdout(), &run)
	return runError(&run)
}

// runError turns a failed run into a command error. Timeouts are an
// expected way for unbounded workloads to end and are not errors.
func runError(run *model.Run) error {
	if run.State == model.RunStateFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	}
	return nil
}

func printRun(out io.Writer, run *model.Run) {
	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "  Workload:   %s\n", run.Workload)
	fmt.Fprintf(out, "  State:      %s\n", run.State)
	fmt.Fprintf(out, "  Policy:     shuffle=%v kill_main=%v ready_set=%s", run.Shuffle, run.KillMain, run.ReadySet)
	if run.Seed != 0 {
		fmt.Fprintf(out, " seed=%d", run.Seed)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Fibers:     %d total, %d finished, %d failed, %d pending\n",
		run.Summary.Total, run.Summary.Finished, run.Summary.Failed, run.Summary.Pending)
	fmt.Fprintf(out, "  Dispatches: %d\n", run.Dispatches)
	fmt.Fprintf(out, "  Events:     %s\n", humanize.Comma(int64(run.EventCount)))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "  Duration:   %s\n", run.Duration().Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  Error:      %s\n", run.Error)
	}
}
