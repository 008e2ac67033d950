package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// Promotion reports a batch committed to the target branch.
type Promotion struct {
	Queue   string
	Entries []*model.QueueEntry
	NewTip  string
}

// BatchCoordinator decides when a validated speculative prefix becomes a
// batch and commits it. A batch forms when the prefix reaches BatchSize, or
// when BatchMaxWaitTime has elapsed since the front of the train validated.
//
// Commits are all-or-nothing: fast-forward uses a compare-and-swap ref
// update, and any precondition failure (the tip moved under the train)
// invalidates the train for a rebuild instead of partially applying.
type BatchCoordinator struct {
	host driven.HostClient
}

// NewBatchCoordinator creates a coordinator using host for branch writes.
func NewBatchCoordinator(host driven.HostClient) *BatchCoordinator {
	return &BatchCoordinator{host: host}
}

// MaybePromote commits the ready batch for the engine's queue, if any.
// A nil Promotion with nil error means nothing was ready, or the train was
// invalidated by a tip race and will rebuild on the next tick.
func (b *BatchCoordinator) MaybePromote(ctx context.Context, eng *SpeculativeEngine, now time.Time) (*Promotion, error) {
	def := eng.def
	validated := eng.ValidatedPrefix()
	if validated == 0 {
		return nil, nil
	}

	count := validated
	if count > def.BatchSize {
		count = def.BatchSize
	}

	if validated < def.BatchSize {
		oldest := eng.OldestValidatedAt()
		if now.Sub(oldest) < def.BatchMaxWaitTime {
			return nil, nil // still accumulating toward batch_size
		}
	}

	state := eng.states[count-1]
	trainBase := eng.states[0].BaseSHA
	var newTip string

	switch def.MergeMethod {
	case model.MergeMethodFastForward:
		err := b.host.CompareAndSwapBranch(ctx, eng.repo, eng.branch, trainBase, state.MergeSHA)
		if errors.Is(err, driven.ErrTipMoved) {
			slog.Info("branch tip moved during commit, rebuilding train",
				"queue", def.Name, "branch", eng.branch)
			eng.Reset(ctx)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fast-forward %s to %s: %w", eng.branch, state.MergeSHA, err)
		}
		newTip = state.MergeSHA

	case model.MergeMethodMerge, model.MergeMethodSquash:
		moved, err := b.tipMoved(ctx, eng, trainBase)
		if err != nil {
			return nil, err
		}
		if moved {
			eng.Reset(ctx)
			return nil, nil
		}

		merged, mergeErr := b.mergeEach(ctx, eng, count)
		if merged == 0 {
			if mergeErr != nil {
				return nil, mergeErr
			}
			// The front entry refused to merge (closed or conflicting);
			// drop it so the queue does not wedge behind it.
			front := eng.queue.Entries()[0]
			eng.Reset(ctx)
			eng.queue.Dequeue(front.PR)
			slog.Warn("front entry refused merge, evicted",
				"queue", def.Name, "pr", front.PR.String())
			return nil, nil
		}
		count = merged

		if tip, err := b.host.GetBranchTip(ctx, eng.repo, eng.branch); err == nil {
			newTip = tip
		}

		entries := eng.CommitAdvance(ctx, count)
		// The API merges produced real merge commits distinct from the
		// speculative SHAs, so the rest of the train is stale.
		eng.Reset(ctx)
		b.logPromotion(def, eng.branch, entries, newTip)
		return &Promotion{Queue: def.Name, Entries: entries, NewTip: newTip}, mergeErr
	}

	entries := eng.CommitAdvance(ctx, count)
	b.logPromotion(def, eng.branch, entries, newTip)
	return &Promotion{Queue: def.Name, Entries: entries, NewTip: newTip}, nil
}

func (b *BatchCoordinator) logPromotion(def *model.QueueDefinition, branch string, entries []*model.QueueEntry, newTip string) {
	slog.Info("batch promoted",
		"queue", def.Name,
		"branch", branch,
		"size", len(entries),
		"method", string(def.MergeMethod),
		"new_tip", newTip,
	)
}

// tipMoved re-validates the commit precondition immediately before writing.
func (b *BatchCoordinator) tipMoved(ctx context.Context, eng *SpeculativeEngine, expected string) (bool, error) {
	var tip string
	err := withRetry(ctx, "get branch tip", func() error {
		var err error
		tip, err = b.host.GetBranchTip(ctx, eng.repo, eng.branch)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check tip of %s/%s: %w", eng.repo, eng.branch, err)
	}
	if tip != expected {
		slog.Info("branch tip moved before commit, rebuilding train",
			"queue", eng.def.Name, "branch", eng.branch, "expected", expected, "actual", tip)
		return true, nil
	}
	return false, nil
}

// mergeEach merges the first count entries one pull request at a time, in
// queue order. Each entry merges with its own method when the enqueuing rule
// set one, the queue's method otherwise. A refusal mid-batch stops the walk:
// already-merged entries are committed (returned count), the refused entry is
// left to the speculative engine's next sync, and nothing is silently
// dropped.
func (b *BatchCoordinator) mergeEach(ctx context.Context, eng *SpeculativeEngine, count int) (int, error) {
	for i := 0; i < count; i++ {
		entry := eng.queue.Entries()[i]
		method := entry.MergeMethod
		if method == "" {
			method = eng.def.MergeMethod
		}
		err := withRetry(ctx, "merge pull request", func() error {
			return b.host.MergePullRequest(ctx, eng.repo, entry.PR.Number, entry.HeadSHA, method)
		})
		if errors.Is(err, driven.ErrNotMergeable) {
			slog.Warn("pull request refused merge mid-batch",
				"queue", eng.def.Name, "pr", entry.PR.String())
			return i, nil
		}
		if err != nil {
			return i, fmt.Errorf("merge %s: %w", entry.PR, err)
		}
	}
	return count, nil
}
