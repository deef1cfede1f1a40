package store

import (
	"context"

	"github.com/me/fibersched/pkg/model"
)

// Store defines the persistence layer for recorded scheduler runs.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	AppendEvents(ctx context.Context, runID string, events []model.Event) error
	ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]*model.Event, int, error)

	// SaveRun writes a finished run and its events in one transaction.
	SaveRun(ctx context.Context, run *model.Run, events []model.Event) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
