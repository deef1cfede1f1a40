package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/me/fibersched/internal/store"
	"github.com/me/fibersched/pkg/model"
)

// traceSource is where the query commands read recorded runs from: the
// local database or a remote server.
type traceSource interface {
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, *model.Pagination, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]*model.Event, *model.Pagination, error)
	Close() error
}

// openSource picks the remote server when --server is set.
func openSource(ctx context.Context) (traceSource, error) {
	if flagServer != "" {
		return &remoteSource{client: NewClient(flagServer, logger)}, nil
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return &localSource{store: st}, nil
}

type localSource struct {
	store store.Store
}

func (s *localSource) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, *model.Pagination, error) {
	opts.Clamp()
	runs, total, err := s.store.ListRuns(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return runs, model.NewPagination(opts, len(runs), total), nil
}

func (s *localSource) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, model.NewNotFoundError("run", id)
	}
	return run, nil
}

func (s *localSource) ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]*model.Event, *model.Pagination, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}
	opts.Clamp()
	events, total, err := s.store.ListEvents(ctx, runID, opts)
	if err != nil {
		return nil, nil, err
	}
	return events, model.NewPagination(opts, len(events), total), nil
}

func (s *localSource) Close() error { return s.store.Close() }

type remoteSource struct {
	client *Client
}

func (s *remoteSource) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, *model.Pagination, error) {
	resp, err := s.client.Get(ctx, "/api/v1/runs/"+listQuery(opts))
	if err != nil {
		return nil, nil, err
	}
	var runs []*model.Run
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return nil, nil, fmt.Errorf("parse response: %w", err)
	}
	return runs, resp.Pagination, nil
}

func (s *remoteSource) GetRun(ctx context.Context, id string) (*model.Run, error) {
	resp, err := s.client.Get(ctx, "/api/v1/runs/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &run, nil
}

func (s *remoteSource) ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]*model.Event, *model.Pagination, error) {
	resp, err := s.client.Get(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/events"+listQuery(opts))
	if err != nil {
		return nil, nil, err
	}
	var events []*model.Event
	if err := json.Unmarshal(resp.Data, &events); err != nil {
		return nil, nil, fmt.Errorf("parse response: %w", err)
	}
	return events, resp.Pagination, nil
}

func (s *remoteSource) Close() error { return nil }

// isNotFound reports whether err is a NOT_FOUND API error.
func isNotFound(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrNotFound
}
