package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/store"
	"github.com/me/fibersched/pkg/model"
)

// Sweeper periodically tidies the trace store: it fails runs left RUNNING
// by a process that died mid-run and deletes finished runs past retention.
type Sweeper struct {
	store  store.Store
	config config.SweepConfig
	now    func() time.Time
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper over st.
func NewSweeper(st store.Store, cfg config.SweepConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultSweepConfig().Interval
	}
	return &Sweeper{
		store:  st,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "sweeper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs sweeps until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.config.Interval,
		"retention", s.config.Retention, "stale_after", s.config.StaleAfter)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping (context cancelled)")
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("sweeper stopping (stop called)")
			close(s.doneCh)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("sweep error", "error", err)
			}
		}
	}
}

// Stop shuts the sweeper down and waits for the current sweep to finish.
func (s *Sweeper) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Tick runs a single sweep.
func (s *Sweeper) Tick(ctx context.Context) error {
	// Phase 1: fail runs that have been RUNNING for too long.
	if err := s.failStale(ctx); err != nil {
		return fmt.Errorf("phase 1 (stale): %w", err)
	}
	// Phase 2: delete finished runs past retention.
	if err := s.prune(ctx); err != nil {
		return fmt.Errorf("phase 2 (prune): %w", err)
	}
	return nil
}

func (s *Sweeper) failStale(ctx context.Context) error {
	if s.config.StaleAfter <= 0 {
		return nil
	}
	now := s.now()
	cutoff := now.Add(-s.config.StaleAfter)

	runs, err := s.collect(ctx, model.ListOptions{State: string(model.RunStateRunning)}, func(r *model.Run) bool {
		return r.StartedAt.Before(cutoff)
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		run.State = model.RunStateFailed
		run.Error = "run abandoned: still RUNNING after " + s.config.StaleAfter.String()
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			s.logger.Error("fail stale run", "run_id", run.ID, "error", err)
			continue
		}
		s.logger.Warn("stale run failed", "run_id", run.ID, "started_at", run.StartedAt)
	}
	return nil
}

func (s *Sweeper) prune(ctx context.Context) error {
	if s.config.Retention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.config.Retention)

	runs, err := s.collect(ctx, model.ListOptions{}, func(r *model.Run) bool {
		return r.State.IsTerminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := s.store.DeleteRun(ctx, run.ID); err != nil {
			s.logger.Error("prune run", "run_id", run.ID, "error", err)
			continue
		}
		s.logger.Debug("run pruned", "run_id", run.ID, "completed_at", run.CompletedAt)
	}
	if len(runs) > 0 {
		s.logger.Info("pruned runs", "count", len(runs))
	}
	return nil
}

// collect pages through the runs matching opts and keeps those for which
// keep returns true. Matches are collected before any are modified so that
// paging is not disturbed.
func (s *Sweeper) collect(ctx context.Context, opts model.ListOptions, keep func(*model.Run) bool) ([]*model.Run, error) {
	opts.Limit = 1000
	var out []*model.Run
	for {
		page, total, err := s.store.ListRuns(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if keep(r) {
				out = append(out, r)
			}
		}
		opts.Offset += len(page)
		if len(page) == 0 || opts.Offset >= total {
			return out, nil
		}
	}
}
