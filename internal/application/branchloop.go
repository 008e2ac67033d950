package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/rules"
)

// branchLoop is the single logical owner of all queue state for one target
// branch. Every mutation -- enqueue, eviction, promotion, speculative
// bookkeeping -- happens on this goroutine, so the engine needs no locks
// around queue state. CI runs themselves happen externally and in parallel;
// only their results are applied here.
type branchLoop struct {
	orch   *Orchestrator
	repo   string
	branch string

	events      chan model.Event
	ruleEngine  *RuleEngine
	coordinator *BatchCoordinator

	queues  map[string]*Queue
	engines map[string]*SpeculativeEngine
	defs    map[string]*model.QueueDefinition // defs the runtimes were built from

	snapshots map[model.PRKey]model.PullRequestSnapshot

	// restored holds crash-recovered entries awaiting their first reconcile.
	restored []model.QueueEntry

	// persistedEntries and persistedStates mirror what is currently in the
	// store, so each tick can delete rows for removed entries and states.
	persistedEntries map[model.PRKey]bool
	persistedStates  map[string]bool
}

func newBranchLoop(orch *Orchestrator, key branchKey, restored []model.QueueEntry) *branchLoop {
	return &branchLoop{
		orch:             orch,
		repo:             key.repo,
		branch:           key.branch,
		events:           make(chan model.Event, 64),
		ruleEngine:       NewRuleEngine(),
		coordinator:      NewBatchCoordinator(orch.host),
		queues:           make(map[string]*Queue),
		engines:          make(map[string]*SpeculativeEngine),
		defs:             make(map[string]*model.QueueDefinition),
		snapshots:        make(map[model.PRKey]model.PullRequestSnapshot),
		restored:         restored,
		persistedEntries: make(map[model.PRKey]bool),
		persistedStates:  make(map[string]bool),
	}
}

// deliver hands an event to the loop, blocking only against cancellation.
func (l *branchLoop) deliver(ctx context.Context, ev model.Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (l *branchLoop) run(ctx context.Context) {
	// An immediate reconcile admits restored entries without waiting a tick.
	l.reconcile(ctx, time.Now())

	ticker := time.NewTicker(l.orch.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.handleEvent(ctx, ev, time.Now())
		case <-ticker.C:
			l.reconcile(ctx, time.Now())
		}
	}
}

// handleEvent applies one inbound event, then runs a full reconcile so its
// consequences (admissions, promotions, evictions) land immediately.
func (l *branchLoop) handleEvent(ctx context.Context, ev model.Event, now time.Time) {
	switch ev.Kind {
	case model.EventCheckCompleted:
		l.applyCheckResult(ctx, ev, now)

	case model.EventPRClosed:
		l.forgetPR(ctx, ev.PR)

	case model.EventBranchPushed:
		// A push we did not make invalidates any train built on the old tip.
		for _, eng := range l.engines {
			if states := eng.States(); len(states) > 0 && states[0].BaseSHA != ev.CommitSHA {
				eng.Reset(ctx)
			}
		}

	default:
		// PR opened/updated, review, label events: refresh the snapshot.
		l.refreshSnapshot(ctx, ev.PR)
	}

	l.reconcile(ctx, now)
}

// applyCheckResult records a CI result against speculative trains and, when
// the commit is a queued PR's own head, against the entry's known results
// (feeding inplace-check reuse). Results for unknown SHAs -- including
// replays for already-promoted entries -- are no-ops.
func (l *branchLoop) applyCheckResult(ctx context.Context, ev model.Event, now time.Time) {
	for _, eng := range l.engines {
		for _, eviction := range eng.ApplyCheckResult(ctx, ev.CommitSHA, ev.CheckName, ev.CheckState, now) {
			l.reportEviction(ctx, eviction)
		}
	}

	for _, q := range l.queues {
		for _, entry := range q.Entries() {
			if entry.HeadSHA == ev.CommitSHA {
				if entry.CheckResults == nil {
					entry.CheckResults = make(map[string]model.CheckState)
				}
				entry.CheckResults[ev.CheckName] = ev.CheckState
			}
		}
	}

	if snap, ok := l.snapshotBySHA(ev.CommitSHA); ok {
		checks := make(map[string]model.CheckState, len(snap.Checks)+1)
		for k, v := range snap.Checks {
			checks[k] = v
		}
		checks[ev.CheckName] = ev.CheckState
		snap.Checks = checks
		snap.CapturedAt = now
		l.snapshots[snap.Key()] = snap
	}
}

func (l *branchLoop) snapshotBySHA(sha string) (model.PullRequestSnapshot, bool) {
	for _, snap := range l.snapshots {
		if snap.HeadSHA == sha {
			return snap, true
		}
	}
	return model.PullRequestSnapshot{}, false
}

// refreshSnapshot fetches the latest platform state for a pull request and
// reacts to head movement: a queued entry whose head changed gets its
// in-flight speculative state invalidated.
func (l *branchLoop) refreshSnapshot(ctx context.Context, pr model.PRKey) {
	var snap *model.PullRequestSnapshot
	err := withRetry(ctx, "fetch pull request", func() error {
		var err error
		snap, err = l.orch.host.FetchPullRequest(ctx, pr.Repo, pr.Number)
		return err
	})
	if err != nil {
		slog.Error("failed to fetch pull request snapshot", "pr", pr.String(), "error", err)
		return
	}
	l.snapshots[pr] = *snap

	for name, q := range l.queues {
		if entry := q.Get(pr); entry != nil && entry.HeadSHA != snap.HeadSHA {
			entry.HeadSHA = snap.HeadSHA
			entry.CheckResults = nil
			entry.Attempts = 0
			l.engines[name].InvalidateEntry(ctx, pr)
		}
	}
}

// forgetPR drops every trace of a closed or merged pull request.
func (l *branchLoop) forgetPR(ctx context.Context, pr model.PRKey) {
	for name, q := range l.queues {
		if q.Dequeue(pr) != nil {
			l.engines[name].InvalidateEntry(ctx, pr)
		}
	}
	l.ruleEngine.Forget(pr)
	delete(l.snapshots, pr)
}

// reconcile is one tick of the control loop: sync rule membership, advance
// speculative validation, check batch promotion, persist. Component errors
// are logged and contained; the loop never halts over a single entry.
func (l *branchLoop) reconcile(ctx context.Context, now time.Time) {
	rs := l.orch.rulesNow()
	l.ensureRuntimes(ctx, rs)
	l.admitRestored(ctx)

	// 1. Rule membership sync over every known snapshot.
	for _, snap := range l.snapshots {
		for _, effect := range l.ruleEngine.SyncPR(rs.Rules, snap, now) {
			l.applyEffect(ctx, rs, effect, now)
		}
	}

	// 2. Preemption, then speculative advancement, in declaration order.
	// Blocked queues keep their entries but do not build states until the
	// priority queue's demand drains.
	blocked := l.preempt(ctx, rs)
	for _, name := range rs.QueueOrder {
		eng, ok := l.engines[name]
		if !ok || blocked[name] {
			continue
		}
		evictions, err := eng.Advance(ctx, now)
		for _, eviction := range evictions {
			l.reportEviction(ctx, eviction)
		}
		if err != nil {
			slog.Error("speculative advance failed", "queue", name, "error", err)
		}
	}

	// 3. Batch promotion, gated on the queue's merge windows.
	for _, name := range rs.QueueOrder {
		eng, ok := l.engines[name]
		if !ok || !l.insideMergeWindows(rs.Queues[name], now) {
			continue
		}
		promotion, err := l.coordinator.MaybePromote(ctx, eng, now)
		if err != nil {
			slog.Error("batch promotion failed", "queue", name, "error", err)
		}
		if promotion != nil {
			l.finishPromotion(ctx, promotion)
		}
	}

	// 4. Persist the updated state snapshot for crash recovery.
	l.persistAll(ctx)
}

// ensureRuntimes aligns queue runtimes with the current rule set: new queues
// get runtimes, redefined queues rebuild their engines, and removed queues
// drop their entries with a warning.
func (l *branchLoop) ensureRuntimes(ctx context.Context, rs *rules.RuleSet) {
	for name, def := range rs.Queues {
		prev, known := l.defs[name]
		if known && prev == def {
			continue
		}
		if known {
			// Definition changed on reload: keep the entries, restart
			// validation under the new policy.
			l.engines[name].Reset(ctx)
			l.queues[name].Def = def
		} else {
			l.queues[name] = NewQueue(def)
		}
		l.engines[name] = NewSpeculativeEngine(l.orch.host, def, l.repo, l.branch, l.queues[name])
		l.defs[name] = def
	}

	for name := range l.queues {
		if _, ok := rs.Queues[name]; ok {
			continue
		}
		l.engines[name].Reset(ctx)
		for _, entry := range l.queues[name].Entries() {
			slog.Warn("dropping entry for removed queue", "queue", name, "pr", entry.PR.String())
		}
		delete(l.queues, name)
		delete(l.engines, name)
		delete(l.defs, name)
	}
}

// admitRestored re-admits crash-recovered entries on the first reconcile
// that has their queue configured.
func (l *branchLoop) admitRestored(ctx context.Context) {
	if len(l.restored) == 0 {
		return
	}
	pending := l.restored
	l.restored = nil

	for i := range pending {
		entry := pending[i]
		q, ok := l.queues[entry.QueueName]
		if !ok {
			slog.Warn("dropping restored entry for unconfigured queue",
				"queue", entry.QueueName, "pr", entry.PR.String())
			continue
		}
		q.Enqueue(&entry)
		l.persistedEntries[entry.PR] = true
		l.refreshSnapshot(ctx, entry.PR)
		slog.Info("restored entry re-admitted", "queue", entry.QueueName, "pr", entry.PR.String())
	}
}

// applyEffect executes one rule-engine effect against queue state.
func (l *branchLoop) applyEffect(ctx context.Context, rs *rules.RuleSet, effect Effect, now time.Time) {
	if effect.Dequeue {
		for name, q := range l.queues {
			if q.Dequeue(effect.PR) != nil {
				l.engines[name].InvalidateEntry(ctx, effect.PR)
				slog.Info("compensating dequeue",
					"rule", effect.Rule, "queue", name, "pr", effect.PR.String())
				l.comment(ctx, effect.PR, fmt.Sprintf(
					"Removed from the merge queue: rule %q no longer matches.", effect.Rule))
			}
		}
		return
	}

	action := effect.Enqueue
	def, ok := rs.Queues[action.Queue]
	if !ok {
		slog.Warn("rule action references unconfigured queue",
			"rule", effect.Rule, "queue", action.Queue)
		return
	}

	if l.findEntry(effect.PR) != nil {
		// An entry belongs to at most one queue at a time; the action is
		// satisfied as far as this rule is concerned.
		l.ruleEngine.MarkApplied(effect.PR, effect.Rule)
		return
	}

	snap, ok := l.snapshots[effect.PR]
	if !ok {
		return
	}
	if !def.Admits(snap, now) {
		// Matched but not yet admissible (e.g. a check still pending). The
		// rule stays matched and the enqueue retries on a later sync.
		slog.Info("queue conditions not met, not enqueued",
			"queue", def.Name, "pr", effect.PR.String())
		return
	}

	checks := make(map[string]model.CheckState, len(snap.Checks))
	for k, v := range snap.Checks {
		checks[k] = v
	}
	l.queues[def.Name].Enqueue(&model.QueueEntry{
		PR:           effect.PR,
		QueueName:    def.Name,
		BaseBranch:   l.branch,
		HeadSHA:      snap.HeadSHA,
		EnqueuedAt:   now,
		MergeMethod:  action.Method,
		CheckResults: checks,
	})
	l.ruleEngine.MarkApplied(effect.PR, effect.Rule)
	slog.Info("entry enqueued", "rule", effect.Rule, "queue", def.Name, "pr", effect.PR.String())
	l.comment(ctx, effect.PR, fmt.Sprintf(
		"Queued for merge in %q (rule %q).", def.Name, effect.Rule))
}

// preempt cancels in-flight checks of queues that defer to a busier
// higher-priority queue on this branch, and returns the set of queues that
// must not build new states this tick.
func (l *branchLoop) preempt(ctx context.Context, rs *rules.RuleSet) map[string]bool {
	blocked := make(map[string]bool)
	for name, eng := range l.engines {
		def := rs.Queues[name]
		if def == nil {
			continue
		}
		for _, priorityName := range def.DisallowInterruptionFrom {
			priorityQueue, ok := l.queues[priorityName]
			if !ok {
				continue
			}
			priorityEngine := l.engines[priorityName]
			// The priority queue needs CI capacity while it still has
			// entries awaiting validation.
			if priorityQueue.Len() > priorityEngine.ValidatedPrefix() {
				blocked[name] = true
				if cancelled := eng.Preempt(ctx); cancelled > 0 {
					slog.Info("queue preempted by priority queue",
						"queue", name, "priority_queue", priorityName, "cancelled", cancelled)
				}
				break
			}
		}
	}
	return blocked
}

// insideMergeWindows reports whether every schedule window in the queue's
// conditions contains the instant. Queues without schedule conditions always
// promote.
func (l *branchLoop) insideMergeWindows(def *model.QueueDefinition, now time.Time) bool {
	for _, window := range model.ScheduleWindows(def.Conditions) {
		if !window.Contains(now) {
			return false
		}
	}
	return true
}

// finishPromotion cleans up after a committed batch: persistence rows,
// rule-engine state, and a status comment per merged pull request.
func (l *branchLoop) finishPromotion(ctx context.Context, promotion *Promotion) {
	for _, entry := range promotion.Entries {
		if err := l.orch.store.DeleteEntry(ctx, entry.PR); err != nil {
			slog.Warn("failed to delete promoted entry", "pr", entry.PR.String(), "error", err)
		}
		delete(l.persistedEntries, entry.PR)
		l.stripRuleLabels(ctx, entry.PR)
		l.ruleEngine.Forget(entry.PR)
		delete(l.snapshots, entry.PR)
		l.comment(ctx, entry.PR, fmt.Sprintf(
			"Merged by queue %q at %s.", promotion.Queue, promotion.NewTip))
	}
}

func (l *branchLoop) reportEviction(ctx context.Context, eviction Eviction) {
	l.stripRuleLabels(ctx, eviction.PR)
	l.comment(ctx, eviction.PR, fmt.Sprintf(
		"Removed from queue %q: %s.", eviction.Queue, eviction.Reason))
}

// stripRuleLabels removes the labels that routed the pull request into its
// queue. Labels then mirror queue membership, and re-adding one after an
// eviction requeues cleanly through a fresh rule match. Best effort.
func (l *branchLoop) stripRuleLabels(ctx context.Context, pr model.PRKey) {
	active := make(map[string]bool)
	for _, name := range l.ruleEngine.ActiveRules(pr) {
		active[name] = true
	}
	for _, rule := range l.orch.rulesNow().Rules {
		if !active[rule.Name] {
			continue
		}
		for _, label := range model.RequiredLabels(rule.Conditions) {
			if err := l.orch.host.RemoveLabel(ctx, pr.Repo, pr.Number, label); err != nil {
				slog.Warn("failed to remove queue label",
					"pr", pr.String(), "label", label, "error", err)
			}
		}
	}
}

// comment posts a status comment, best effort: feedback must never block or
// fail queue processing.
func (l *branchLoop) comment(ctx context.Context, pr model.PRKey, body string) {
	if err := l.orch.host.PostComment(ctx, pr.Repo, pr.Number, body); err != nil {
		slog.Warn("failed to post status comment", "pr", pr.String(), "error", err)
	}
}

func (l *branchLoop) findEntry(pr model.PRKey) *model.QueueEntry {
	for _, q := range l.queues {
		if entry := q.Get(pr); entry != nil {
			return entry
		}
	}
	return nil
}

// persistAll writes the current entries and speculative states and removes
// rows for anything that left the queue since the previous tick.
func (l *branchLoop) persistAll(ctx context.Context) {
	liveEntries := make(map[model.PRKey]bool)
	for _, q := range l.queues {
		for _, entry := range q.Entries() {
			liveEntries[entry.PR] = true
			if err := l.orch.store.SaveEntry(ctx, *entry); err != nil {
				slog.Warn("failed to persist entry", "pr", entry.PR.String(), "error", err)
			}
		}
	}
	for pr := range l.persistedEntries {
		if !liveEntries[pr] {
			if err := l.orch.store.DeleteEntry(ctx, pr); err != nil {
				slog.Warn("failed to delete persisted entry", "pr", pr.String(), "error", err)
			}
		}
	}
	l.persistedEntries = liveEntries

	liveStates := make(map[string]bool)
	for _, eng := range l.engines {
		for _, s := range eng.States() {
			liveStates[s.ID] = true
			if err := l.orch.store.SaveState(ctx, *s); err != nil {
				slog.Warn("failed to persist speculative state", "id", s.ID, "error", err)
			}
		}
	}
	for id := range l.persistedStates {
		if !liveStates[id] {
			if err := l.orch.store.DeleteState(ctx, id); err != nil {
				slog.Warn("failed to delete persisted state", "id", id, "error", err)
			}
		}
	}
	l.persistedStates = liveStates
}
