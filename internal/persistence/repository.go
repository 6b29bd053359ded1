// Package persistence stores source quotes and replay-run records.
package persistence

import (
	"context"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Repository defines the interface for quote and run storage.
type Repository interface {
	// Quote operations
	SaveQuotes(ctx context.Context, symbol string, quotes []series.Quote) (int, error)
	DeleteQuote(ctx context.Context, symbol string, ts time.Time) (bool, error)
	GetQuotes(ctx context.Context, symbol string, from, to time.Time) ([]series.Quote, error)
	CountQuotes(ctx context.Context, symbol string) (int, error)
	Symbols(ctx context.Context) ([]string, error)

	// Run operations
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// RunStatus is the outcome of a replay run.
type RunStatus string

// Run statuses.
const (
	RunConverged RunStatus = "converged"
	RunDiverged  RunStatus = "diverged"
	RunFailed    RunStatus = "failed"
	RunUnchecked RunStatus = "unchecked"
)

// Run is one replay of a feed through a pipeline.
type Run struct {
	ID         string
	Symbol     string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Events     int
	Rejected   int
	Rebuilds   int
	Nodes      int
	Mismatches int
	Status     RunStatus
	Detail     string
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
