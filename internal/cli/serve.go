package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/fibersched/internal/runner"
	"github.com/me/fibersched/internal/server"
	"github.com/me/fibersched/internal/store"
)

func newServeCmd() *cobra.Command {
	var addr string
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the trace API over HTTP",
		Long: `Serves recorded runs and their traces over a JSON API, runs workloads
posted to it, and sweeps stale and expired runs in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srvCfg := cfg.Server
			if cmd.Flags().Changed("addr") || srvCfg.Addr == "" {
				srvCfg.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var sweeper *runner.Sweeper
			if !noSweep {
				sweeper = runner.NewSweeper(st, cfg.Sweep, logger)
			}
			srv := buildServer(st, sweeper)

			httpServer := &http.Server{
				Addr:              srvCfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			srv.StartSweeper(ctx)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", srvCfg.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			if sweeper != nil {
				sweeper.Stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Disable the background trace sweeper")
	return cmd
}

// buildServer wires the API server over st. Posted workloads run with the
// configured scheduler defaults and are always persisted.
func buildServer(st store.Store, sweeper *runner.Sweeper) *server.Server {
	rc := cfg.Run
	rc.Persist = true
	rn := runner.New(cfg.Scheduler, rc, runner.WithStore(st), runner.WithLogger(logger))

	opts := []server.Option{server.WithRunner(rn)}
	if sweeper != nil {
		opts = append(opts, server.WithSweeper(sweeper))
	}
	return server.New(cfg.Server, st, logger, opts...)
}
