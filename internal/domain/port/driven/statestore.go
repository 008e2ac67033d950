package driven

import (
	"context"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// StateStore persists queue membership and speculative-train state so the
// orchestrator can restore after a crash. Writes happen at the end of each
// reconciliation tick; reads happen once at startup.
type StateStore interface {
	SaveEntry(ctx context.Context, entry model.QueueEntry) error
	DeleteEntry(ctx context.Context, pr model.PRKey) error
	ListEntries(ctx context.Context) ([]model.QueueEntry, error)

	SaveState(ctx context.Context, state model.SpeculativeState) error
	DeleteState(ctx context.Context, id string) error
	ListStates(ctx context.Context) ([]model.SpeculativeState, error)
}
