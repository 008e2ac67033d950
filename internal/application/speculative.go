package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// Eviction reports an entry removed from its queue because its speculative
// validation failed. The orchestrator turns evictions into status comments.
type Eviction struct {
	PR     model.PRKey
	Queue  string
	Reason string
}

// SpeculativeEngine maintains the speculative train for one queue on one
// target branch: up to SpeculativeChecks stacked states, where state i is
// the hypothetical merge of the queue's first i entries. State i is built
// atop state i-1's merge commit, not atop the real branch tip, so validation
// pipelines CI latency while preserving queue order.
//
// The engine performs host I/O (draft refs, merges) but never decides
// promotion; that is the batch coordinator's job. All methods are called
// from the single branch-orchestrator goroutine.
type SpeculativeEngine struct {
	host   driven.HostClient
	def    *model.QueueDefinition
	repo   string
	branch string
	queue  *Queue

	required []string // check names that must succeed, from the queue conditions
	states   []*model.SpeculativeState
}

// NewSpeculativeEngine creates an engine for the given queue and branch.
func NewSpeculativeEngine(host driven.HostClient, def *model.QueueDefinition, repo, branch string, queue *Queue) *SpeculativeEngine {
	return &SpeculativeEngine{
		host:     host,
		def:      def,
		repo:     repo,
		branch:   branch,
		queue:    queue,
		required: model.RequiredChecks(def.Conditions),
	}
}

// States returns the current train, ordered by position.
func (e *SpeculativeEngine) States() []*model.SpeculativeState {
	return e.states
}

// Advance reconciles the train with the queue: discards states whose entries
// left the queue, then builds missing states up to the concurrency limit.
// Entries whose speculative merge conflicts are evicted and reported.
func (e *SpeculativeEngine) Advance(ctx context.Context, now time.Time) ([]Eviction, error) {
	e.syncWithQueue(ctx)

	var evictions []Eviction
	limit := e.def.SpeculativeChecks
	if l := e.queue.Len(); l < limit {
		limit = l
	}

	for len(e.states) < limit {
		pos := len(e.states) + 1
		entry := e.queue.Entries()[pos-1]

		base, err := e.baseFor(ctx, pos)
		if err != nil {
			return evictions, err
		}

		state, err := e.buildState(ctx, entry, pos, base, now)
		if err != nil {
			if ev, ok := e.conflictEviction(ctx, entry, now, err); ok {
				evictions = append(evictions, ev)
				limit = min(e.def.SpeculativeChecks, e.queue.Len())
				continue
			}
			return evictions, err
		}

		e.states = append(e.states, state)
		entry.SpeculativePosition = pos
		e.refreshStatus(state, now)
	}

	return evictions, nil
}

// baseFor returns the SHA position pos stacks on: the previous state's merge
// commit, or the real branch tip for position 1.
func (e *SpeculativeEngine) baseFor(ctx context.Context, pos int) (string, error) {
	if pos > 1 {
		return e.states[pos-2].MergeSHA, nil
	}
	var tip string
	err := withRetry(ctx, "get branch tip", func() error {
		var err error
		tip, err = e.host.GetBranchTip(ctx, e.repo, e.branch)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve base for %s/%s: %w", e.repo, e.branch, err)
	}
	return tip, nil
}

// buildState creates the draft ref for a new speculative position and merges
// the entry's head into it.
func (e *SpeculativeEngine) buildState(ctx context.Context, entry *model.QueueEntry, pos int, base string, now time.Time) (*model.SpeculativeState, error) {
	id := uuid.NewString()
	ref := fmt.Sprintf("refs/heads/mergetrain/%s/%s", e.def.Name, id[:8])

	if err := withRetry(ctx, "create draft ref", func() error {
		return e.host.CreateRef(ctx, e.repo, ref, base)
	}); err != nil {
		return nil, fmt.Errorf("create speculative ref %s: %w", ref, err)
	}

	message := fmt.Sprintf("mergetrain: speculative merge of %s (queue %s, position %d)", entry.PR, e.def.Name, pos)
	mergeSHA, err := e.host.MergeIntoRef(ctx, e.repo, ref, entry.HeadSHA, message)
	if err != nil {
		e.deleteRef(ctx, ref)
		return nil, fmt.Errorf("speculative merge of %s: %w", entry.PR, err)
	}

	entries := make([]model.PRKey, pos)
	for i, prev := range e.queue.Entries()[:pos] {
		entries[i] = prev.PR
	}

	state := &model.SpeculativeState{
		ID:           id,
		QueueName:    e.def.Name,
		Repo:         e.repo,
		TargetBranch: e.branch,
		Position:     pos,
		Entries:      entries,
		BaseSHA:      base,
		MergeSHA:     mergeSHA,
		RefName:      ref,
		Status:       model.SpeculativePending,
		Checks:       make(map[string]model.CheckState),
		CreatedAt:    now,
	}

	// Inplace reuse: when the entry's own head already carries successes for
	// every required check and the queue allows it, the fresh speculative
	// state inherits those results instead of waiting for a new run.
	if e.def.AllowInplaceChecks && e.reusableResults(entry) {
		for _, name := range e.required {
			state.Checks[name] = model.CheckStateSuccess
		}
		slog.Info("reusing inplace check results",
			"queue", e.def.Name, "pr", entry.PR.String(), "position", pos)
	}

	slog.Info("speculative state built",
		"queue", e.def.Name,
		"pr", entry.PR.String(),
		"position", pos,
		"base", base,
		"merge_sha", mergeSHA,
	)
	return state, nil
}

// conflictEviction handles a failed speculative merge. A merge conflict is a
// property of the entry, so the entry is evicted (or held for retry) and the
// engine moves on; transient host failures propagate instead.
func (e *SpeculativeEngine) conflictEviction(ctx context.Context, entry *model.QueueEntry, now time.Time, err error) (Eviction, bool) {
	if ctx.Err() != nil {
		return Eviction{}, false
	}
	ev := e.evict(entry, now, fmt.Sprintf("speculative merge failed: %v", err))
	if ev == nil {
		return Eviction{}, true // held for retry, no report
	}
	return *ev, true
}

// ApplyCheckResult records a CI result reported against a commit. Results
// for SHAs outside the train (including already-promoted states) are
// ignored, which makes replayed events no-ops. Returns the evictions caused
// by a failing required check.
func (e *SpeculativeEngine) ApplyCheckResult(ctx context.Context, sha, check string, result model.CheckState, now time.Time) []Eviction {
	var state *model.SpeculativeState
	for _, s := range e.states {
		if s.MergeSHA == sha {
			state = s
			break
		}
	}
	if state == nil || state.Status != model.SpeculativePending {
		return nil
	}

	state.Checks[check] = result

	if result == model.CheckStateFailure && e.isRequired(check) {
		return e.failAt(ctx, state.Position, now, fmt.Sprintf("check %q failed", check))
	}

	e.refreshStatus(state, now)
	return nil
}

// refreshStatus promotes a pending state to passed once every required check
// has succeeded. A queue with no required checks validates immediately.
func (e *SpeculativeEngine) refreshStatus(state *model.SpeculativeState, now time.Time) {
	if state.Status != model.SpeculativePending {
		return
	}
	for _, name := range e.required {
		if state.Checks[name] != model.CheckStateSuccess {
			return
		}
	}
	state.Status = model.SpeculativePassed
	state.CompletedAt = now
	slog.Info("speculative state validated",
		"queue", e.def.Name, "position", state.Position, "merge_sha", state.MergeSHA)
}

// failAt discards state pos and everything stacked on it, then applies the
// eviction policy to the entry that position added. Deeper entries are not
// penalized; their states rebuild from the last good state on the next
// Advance.
func (e *SpeculativeEngine) failAt(ctx context.Context, pos int, now time.Time, reason string) []Eviction {
	entry := e.queue.Get(e.states[pos-1].Last())
	e.discardFrom(ctx, pos, model.SpeculativeFailed)

	if entry == nil {
		return nil
	}
	if ev := e.evict(entry, now, reason); ev != nil {
		return []Eviction{*ev}
	}
	return nil
}

// evict applies the queue's eviction policy. Returns nil when the entry was
// held for retry instead of removed.
func (e *SpeculativeEngine) evict(entry *model.QueueEntry, now time.Time, reason string) *Eviction {
	entry.Attempts++
	if e.def.OnCheckFailure == model.HoldForRetry && entry.Attempts <= e.def.MaxRetries {
		// Send to the back of the queue for another attempt.
		entry.EnqueuedAt = now
		entry.SpeculativePosition = 0
		e.queue.Reorder()
		slog.Info("entry held for retry",
			"queue", e.def.Name, "pr", entry.PR.String(), "attempt", entry.Attempts, "reason", reason)
		return nil
	}

	e.queue.Dequeue(entry.PR)
	slog.Warn("entry evicted from queue",
		"queue", e.def.Name, "pr", entry.PR.String(), "reason", reason)
	return &Eviction{PR: entry.PR, Queue: e.def.Name, Reason: reason}
}

// Preempt cancels all in-flight (pending) states so a higher-priority queue
// can use the CI resource. Validated prefixes are kept; cancelled entries
// stay queued with their original enqueue time, so they requeue without
// penalty. Returns the number of cancelled states.
func (e *SpeculativeEngine) Preempt(ctx context.Context) int {
	for i, s := range e.states {
		if s.Status == model.SpeculativePending {
			cancelled := len(e.states) - i
			e.discardFrom(ctx, i+1, model.SpeculativeCancelled)
			slog.Info("speculative checks preempted",
				"queue", e.def.Name, "cancelled", cancelled)
			return cancelled
		}
	}
	return 0
}

// InvalidateEntry discards the state that includes pr and everything stacked
// deeper, e.g. after the pull request's head moved under its state.
func (e *SpeculativeEngine) InvalidateEntry(ctx context.Context, pr model.PRKey) {
	for i, s := range e.states {
		if s.Last() == pr {
			e.discardFrom(ctx, i+1, model.SpeculativeCancelled)
			return
		}
	}
}

// Reset discards the entire train, e.g. after the branch tip moved under it.
func (e *SpeculativeEngine) Reset(ctx context.Context) {
	e.discardFrom(ctx, 1, model.SpeculativeCancelled)
}

// ValidatedPrefix returns the number of leading states that have passed.
// Later successes never unblock earlier pending or failed positions.
func (e *SpeculativeEngine) ValidatedPrefix() int {
	n := 0
	for _, s := range e.states {
		if s.Status != model.SpeculativePassed {
			break
		}
		n++
	}
	return n
}

// OldestValidatedAt returns when the front state passed validation; the
// batch coordinator measures batch_max_wait_time from this instant. Zero
// when the front state has not passed.
func (e *SpeculativeEngine) OldestValidatedAt() time.Time {
	if len(e.states) == 0 || e.states[0].Status != model.SpeculativePassed {
		return time.Time{}
	}
	return e.states[0].CompletedAt
}

// CommitAdvance removes the first n entries and states after a successful
// batch commit. Remaining states shift down: they were built atop the
// promoted state's merge commit, which is now the real branch tip, so they
// stay valid.
func (e *SpeculativeEngine) CommitAdvance(ctx context.Context, n int) []*model.QueueEntry {
	promoted := make([]*model.QueueEntry, 0, n)
	for _, s := range e.states[:n] {
		e.deleteRef(ctx, s.RefName)
		if entry := e.queue.Dequeue(s.Last()); entry != nil {
			promoted = append(promoted, entry)
		}
	}

	e.states = append([]*model.SpeculativeState(nil), e.states[n:]...)
	for i, s := range e.states {
		s.Position = i + 1
		s.Entries = append([]model.PRKey(nil), s.Entries[n:]...)
		if entry := e.queue.Get(s.Last()); entry != nil {
			entry.SpeculativePosition = s.Position
		}
	}
	return promoted
}

// syncWithQueue discards states that no longer mirror the queue prefix,
// which happens when an entry is dequeued by a rule unmatch or a manual
// removal while its state was in flight.
func (e *SpeculativeEngine) syncWithQueue(ctx context.Context) {
	entries := e.queue.Entries()
	for i, s := range e.states {
		if i >= len(entries) || entries[i].PR != s.Last() {
			e.discardFrom(ctx, i+1, model.SpeculativeCancelled)
			return
		}
	}
}

// discardFrom drops states at positions >= pos, deleting their draft refs
// and clearing the affected entries' positions.
func (e *SpeculativeEngine) discardFrom(ctx context.Context, pos int, status model.SpeculativeStatus) {
	for _, s := range e.states[pos-1:] {
		s.Status = status
		e.deleteRef(ctx, s.RefName)
		if entry := e.queue.Get(s.Last()); entry != nil {
			entry.SpeculativePosition = 0
		}
	}
	e.states = e.states[:pos-1]
}

// deleteRef removes a draft ref, best effort: a leaked ref is untidy, not
// incorrect, and startup cleanup sweeps leftovers.
func (e *SpeculativeEngine) deleteRef(ctx context.Context, ref string) {
	if err := e.host.DeleteRef(ctx, e.repo, ref); err != nil {
		slog.Warn("failed to delete draft ref", "ref", ref, "error", err)
	}
}

// reusableResults reports whether the entry's last known head results
// already satisfy every required check.
func (e *SpeculativeEngine) reusableResults(entry *model.QueueEntry) bool {
	if len(e.required) == 0 || entry.CheckResults == nil {
		return false
	}
	for _, name := range e.required {
		if entry.CheckResults[name] != model.CheckStateSuccess {
			return false
		}
	}
	return true
}

func (e *SpeculativeEngine) isRequired(check string) bool {
	for _, name := range e.required {
		if name == check {
			return true
		}
	}
	return false
}
