package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/fibersched/internal/trace"
	"github.com/me/fibersched/pkg/model"
)

// eventPage is the page size used when collecting a whole trace.
const eventPage = 1000

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a finished run and its trace to a CBOR archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			src, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()

			run, err := src.GetRun(cmd.Context(), id)
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("run %s not found", id)
				}
				return fmt.Errorf("get run: %w", err)
			}
			events, err := collectEvents(cmd.Context(), src, id)
			if err != nil {
				return err
			}

			if output == "" {
				output = id + ".cbor"
			}
			var w io.Writer = cmd.OutOrStdout()
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create archive: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := trace.WriteArchive(w, run, events, time.Now()); err != nil {
				return err
			}
			if output != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (%d events) to %s\n", id, len(events), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Archive path, - for stdout (default <run-id>.cbor)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive.cbor>",
		Short: "Load a trace archive into the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagServer != "" {
				return fmt.Errorf("import writes to the local database and cannot be used with --server")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			a, err := trace.ReadArchive(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			existing, err := st.GetRun(ctx, a.Run.ID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if existing != nil {
				return fmt.Errorf("run %s already exists", a.Run.ID)
			}
			if err := st.SaveRun(ctx, &a.Run, a.Events); err != nil {
				return fmt.Errorf("save run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d events, exported %s)\n",
				a.Run.ID, len(a.Events), a.ExportedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// collectEvents pages through the whole trace of a run.
func collectEvents(ctx context.Context, src traceSource, runID string) ([]model.Event, error) {
	var out []model.Event
	opts := model.ListOptions{Limit: eventPage}
	for {
		page, pg, err := src.ListEvents(ctx, runID, opts)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, ev := range page {
			out = append(out, *ev)
		}
		opts.Offset += len(page)
		if len(page) == 0 || pg == nil || !pg.HasMore {
			return out, nil
		}
	}
}
