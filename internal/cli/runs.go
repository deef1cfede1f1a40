package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/fibersched/pkg/model"
)

func newRunsCmd() *cobra.Command {
	var opts model.ListOptions

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.State != "" {
				if _, ok := model.ParseRunState(opts.State); !ok {
					return fmt.Errorf("unknown run state %q", opts.State)
				}
			}
			src, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()

			runs, pg, err := src.ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tWORKLOAD\tFIBERS\tDISPATCHES\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.State, r.Workload,
					r.Summary.Total, r.Dispatches, humanize.Time(r.StartedAt))
			}
			tw.Flush()

			if pg != nil && pg.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), pg.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "Only runs in this state")
	cmd.Flags().StringVar(&opts.Workload, "workload", "", "Only runs of this workload")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Runs to skip")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run and its fibers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()

			run, err := src.GetRun(cmd.Context(), args[0])
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("run %s not found", args[0])
				}
				return fmt.Errorf("get run: %w", err)
			}

			out := cmd.OutOrStdout()
			printRun(out, run)
			if len(run.Fibers) > 0 {
				fmt.Fprintln(out, "  Fibers:")
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, f := range run.Fibers {
					line := fmt.Sprintf("    %s\t%s\t%s\t%d dispatches", f.ID, f.Name, f.State, f.Dispatches)
					if f.Error != "" {
						line += "\t" + f.Error
					}
					fmt.Fprintln(tw, line)
				}
				tw.Flush()
			}
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var opts model.ListOptions

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the scheduler trace of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Kind != "" && !model.ValidEventKind(opts.Kind) {
				return fmt.Errorf("unknown event kind %q", opts.Kind)
			}
			src, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()

			events, pg, err := src.ListEvents(cmd.Context(), args[0], opts)
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("run %s not found", args[0])
				}
				return fmt.Errorf("list events: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}
			printEvents(out, events)
			if pg != nil && pg.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown, use --offset %d for more)\n",
					len(events), pg.Total, opts.Offset+len(events))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "Only events of this kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", 1000, "Maximum events to print")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Events to skip")
	return cmd
}

func printEvents(out io.Writer, events []*model.Event) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tFIBER\tDETAIL")
	for _, ev := range events {
		fiberName := "-"
		if ev.FiberID != "" {
			fiberName = ev.FiberName
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Kind, fiberName, ev.Detail)
	}
	tw.Flush()
}
