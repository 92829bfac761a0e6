package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"

	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/state"
	"medication-dispenser/internal/store"
	"medication-dispenser/internal/summary"
)

// StateSource returns the latest published snapshot.
type StateSource interface {
	Latest() (state.Snapshot, bool)
}

// PendingReports lists queued offline reports.
type PendingReports interface {
	Pending(ctx context.Context) ([]offline.Record, error)
}

// Summaries returns cached display summaries.
type Summaries interface {
	Get(kind summary.Kind) (summary.Entry, bool)
}

// Handler holds shared dependencies for API handlers. Any of them may be nil;
// the routes that need a missing one answer 503.
type Handler struct {
	state     StateSource
	statePath string
	offline   PendingReports
	summaries Summaries
	store     store.Store
	webpush   *webpush.Options
}

// Deps wires a Handler.
type Deps struct {
	State StateSource
	// StatePath is read when State has nothing yet, e.g. when the API runs
	// in a different process from the dispense loop.
	StatePath string
	Offline   PendingReports
	Summaries Summaries
	Store     store.Store
	WebPush   *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		state:     d.State,
		statePath: d.StatePath,
		offline:   d.Offline,
		summaries: d.Summaries,
		store:     d.Store,
		webpush:   d.WebPush,
	}
}
