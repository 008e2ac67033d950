package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/rules"
)

func testRuleSet() *rules.RuleSet {
	return &rules.RuleSet{
		Queues:     map[string]*model.QueueDefinition{"default": specDef("default")},
		QueueOrder: []string{"default"},
	}
}

func TestRestore_SweepsStaleSpeculativeStates(t *testing.T) {
	host := newFakeHost()
	store := newMemoryStore()
	ctx := context.Background()

	// Two draft refs survived a crash.
	for _, s := range []model.SpeculativeState{
		{ID: "s1", Repo: "owner/repo", RefName: "refs/heads/mergetrain/default/aaaa1111", Status: model.SpeculativePending},
		{ID: "s2", Repo: "owner/repo", RefName: "refs/heads/mergetrain/default/bbbb2222", Status: model.SpeculativePassed},
	} {
		require.NoError(t, store.SaveState(ctx, s))
	}

	o := NewOrchestrator(host, store, testRuleSet(), time.Second)
	require.NoError(t, o.restore(ctx))

	assert.ElementsMatch(t, []string{
		"refs/heads/mergetrain/default/aaaa1111",
		"refs/heads/mergetrain/default/bbbb2222",
	}, host.deletedRefs)

	states, err := store.ListStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states, "swept states removed from persistence")
}

func TestRestore_GroupsEntriesByBranch(t *testing.T) {
	host := newFakeHost()
	store := newMemoryStore()
	ctx := context.Background()

	entries := []model.QueueEntry{
		{PR: pr(1), QueueName: "default", BaseBranch: "main", SpeculativePosition: 2},
		{PR: pr(2), QueueName: "default", BaseBranch: "main"},
		{PR: model.PRKey{Repo: "owner/other", Number: 7}, QueueName: "default", BaseBranch: "release"},
	}
	for _, e := range entries {
		require.NoError(t, store.SaveEntry(ctx, e))
	}

	o := NewOrchestrator(host, store, testRuleSet(), time.Second)
	require.NoError(t, o.restore(ctx))

	require.Len(t, o.restored, 2)
	mainEntries := o.restored[branchKey{repo: "owner/repo", branch: "main"}]
	require.Len(t, mainEntries, 2)
	for _, e := range mainEntries {
		assert.Zero(t, e.SpeculativePosition, "trains rebuild from scratch after restart")
	}
	assert.Len(t, o.restored[branchKey{repo: "owner/other", branch: "release"}], 1)
}

func TestRestore_DropsEntriesForUnconfiguredQueues(t *testing.T) {
	host := newFakeHost()
	store := newMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveEntry(ctx, model.QueueEntry{
		PR: pr(1), QueueName: "default", BaseBranch: "main",
	}))
	require.NoError(t, store.SaveEntry(ctx, model.QueueEntry{
		PR: pr(2), QueueName: "removed-from-config", BaseBranch: "main",
	}))

	o := NewOrchestrator(host, store, testRuleSet(), time.Second)
	require.NoError(t, o.restore(ctx))

	restored := o.restored[branchKey{repo: "owner/repo", branch: "main"}]
	require.Len(t, restored, 1)
	assert.Equal(t, pr(1), restored[0].PR)

	persisted, err := store.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1, "orphaned entry deleted, not kept around")
	assert.Equal(t, pr(1), persisted[0].PR)
}

func TestReplaceRules(t *testing.T) {
	o := NewOrchestrator(newFakeHost(), newMemoryStore(), testRuleSet(), time.Second)

	next := &rules.RuleSet{
		Queues:     map[string]*model.QueueDefinition{"urgent": specDef("urgent")},
		QueueOrder: []string{"urgent"},
	}
	o.ReplaceRules(next)

	assert.Same(t, next, o.rulesNow())
}

func TestSubmit_ReturnsContextError(t *testing.T) {
	o := NewOrchestrator(newFakeHost(), newMemoryStore(), testRuleSet(), time.Second)

	// Fill the buffer so Submit has to block, then cancel.
	for i := 0; i < cap(o.events); i++ {
		require.NoError(t, o.Submit(context.Background(), model.Event{Kind: model.EventPRUpdated}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Submit(ctx, model.Event{Kind: model.EventPRUpdated})
	assert.ErrorIs(t, err, context.Canceled)
}
