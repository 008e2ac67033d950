package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
	"github.com/dceleste/mergetrain/internal/rules"
)

// branchKey identifies one target branch of one repository. Each key owns an
// independent control loop.
type branchKey struct {
	repo   string
	branch string
}

// Orchestrator owns process-wide merge-queue state: the active rule set, one
// control loop per target branch, and the persistence used for crash
// recovery. All queue mutation for a branch happens inside that branch's
// single loop goroutine; loops for different branches run in parallel.
type Orchestrator struct {
	host  driven.HostClient
	store driven.StateStore

	mu      sync.RWMutex
	ruleSet *rules.RuleSet

	events chan model.Event
	tick   time.Duration

	loops    map[branchKey]*branchLoop
	restored map[branchKey][]model.QueueEntry
}

// NewOrchestrator creates an orchestrator with the given dependencies. Call
// Start to restore persisted state and begin processing.
func NewOrchestrator(host driven.HostClient, store driven.StateStore, rs *rules.RuleSet, tick time.Duration) *Orchestrator {
	return &Orchestrator{
		host:     host,
		store:    store,
		ruleSet:  rs,
		events:   make(chan model.Event, 256),
		tick:     tick,
		loops:    make(map[branchKey]*branchLoop),
		restored: make(map[branchKey][]model.QueueEntry),
	}
}

// Submit hands an inbound event to the orchestrator. It blocks only when the
// event buffer is full, and returns the context error on cancellation.
func (o *Orchestrator) Submit(ctx context.Context, ev model.Event) error {
	select {
	case o.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplaceRules swaps in a freshly loaded rule set. Branch loops pick it up
// on their next tick.
func (o *Orchestrator) ReplaceRules(rs *rules.RuleSet) {
	o.mu.Lock()
	o.ruleSet = rs
	o.mu.Unlock()
	slog.Info("rule set replaced", "queues", len(rs.Queues), "rules", len(rs.Rules))
}

func (o *Orchestrator) rulesNow() *rules.RuleSet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ruleSet
}

// Start restores persisted state, then runs the event dispatcher and all
// branch loops until the context is canceled, after which in-flight draft
// refs are cleaned up and final state is flushed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.restore(ctx); err != nil {
		return fmt.Errorf("restore persisted state: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	// Loops for branches with restored entries start immediately; others are
	// created on demand by the dispatcher.
	for key := range o.restored {
		o.spawnLoop(gctx, group, key)
	}

	group.Go(func() error {
		o.dispatch(gctx, group)
		return nil
	})

	err := group.Wait()
	o.teardown()
	slog.Info("orchestrator stopped")
	return err
}

// dispatch routes inbound events to branch loops. It is the only goroutine
// that touches the loops map after Start, so no locking is needed there.
func (o *Orchestrator) dispatch(ctx context.Context, group *errgroup.Group) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.route(ctx, group, ev)
		}
	}
}

func (o *Orchestrator) route(ctx context.Context, group *errgroup.Group, ev model.Event) {
	switch ev.Kind {
	case model.EventCheckCompleted:
		// Check results carry only a commit SHA; every loop of the repo gets
		// a chance to match it against its speculative train.
		for key, loop := range o.loops {
			if key.repo == ev.Repo {
				loop.deliver(ctx, ev)
			}
		}

	case model.EventBranchPushed:
		key := branchKey{repo: ev.Repo, branch: ev.Branch}
		if loop, ok := o.loops[key]; ok {
			loop.deliver(ctx, ev)
		}

	case model.EventPRClosed:
		key := branchKey{repo: ev.Repo, branch: ev.Branch}
		if loop, ok := o.loops[key]; ok {
			loop.deliver(ctx, ev)
		}

	default:
		// PR lifecycle events may create a new branch loop.
		key := branchKey{repo: ev.Repo, branch: ev.Branch}
		loop, ok := o.loops[key]
		if !ok {
			loop = o.spawnLoop(ctx, group, key)
		}
		loop.deliver(ctx, ev)
	}
}

func (o *Orchestrator) spawnLoop(ctx context.Context, group *errgroup.Group, key branchKey) *branchLoop {
	loop := newBranchLoop(o, key, o.restored[key])
	delete(o.restored, key)
	o.loops[key] = loop
	group.Go(func() error {
		loop.run(ctx)
		return nil
	})
	slog.Info("branch loop started", "repo", key.repo, "branch", key.branch)
	return loop
}

// restore reloads persisted queue entries. Persisted speculative states are
// not resumed: their draft refs are swept and the trains rebuild from
// scratch, which is always safe. Entries referencing queues that are no
// longer configured are dropped with a warning, never a crash.
func (o *Orchestrator) restore(ctx context.Context) error {
	states, err := o.store.ListStates(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if err := o.host.DeleteRef(ctx, s.Repo, s.RefName); err != nil {
			slog.Warn("failed to sweep stale draft ref", "ref", s.RefName, "error", err)
		}
		if err := o.store.DeleteState(ctx, s.ID); err != nil {
			slog.Warn("failed to delete persisted state", "id", s.ID, "error", err)
		}
	}

	entries, err := o.store.ListEntries(ctx)
	if err != nil {
		return err
	}

	rs := o.rulesNow()
	var kept int
	for _, entry := range entries {
		if _, ok := rs.Queues[entry.QueueName]; !ok {
			slog.Warn("dropping persisted entry for unconfigured queue",
				"pr", entry.PR.String(), "queue", entry.QueueName)
			if err := o.store.DeleteEntry(ctx, entry.PR); err != nil {
				slog.Warn("failed to delete orphaned entry", "pr", entry.PR.String(), "error", err)
			}
			continue
		}
		entry.SpeculativePosition = 0
		key := branchKey{repo: entry.PR.Repo, branch: entry.BaseBranch}
		o.restored[key] = append(o.restored[key], entry)
		kept++
	}

	slog.Info("persisted state restored",
		"entries", kept, "dropped", len(entries)-kept, "swept_refs", len(states))
	return nil
}

// teardown cancels in-flight speculative refs (their CI runs become moot)
// and flushes queue membership. Runs after all loops have exited, so
// touching their state is race-free.
func (o *Orchestrator) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, loop := range o.loops {
		for _, eng := range loop.engines {
			eng.Reset(ctx)
		}
		loop.persistAll(ctx)
	}
}
