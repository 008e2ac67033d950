// Package application contains the merge-queue engine: queues, the rule
// dispatcher, speculative validation, batch promotion, and the orchestrator
// loop that owns them.
package application

import (
	"sort"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// Queue is the ordered set of merge candidates for one queue definition on
// one target branch. Ordering is FIFO by enqueue time with an explicit
// priority override sorting earlier. All mutation goes through the branch
// orchestrator; Queue itself is not safe for concurrent use.
type Queue struct {
	Def     *model.QueueDefinition
	entries []*model.QueueEntry
}

// NewQueue creates an empty queue governed by def.
func NewQueue(def *model.QueueDefinition) *Queue {
	return &Queue{Def: def}
}

// Enqueue inserts an entry and restores ordering. Returns false when the
// pull request is already queued here.
func (q *Queue) Enqueue(entry *model.QueueEntry) bool {
	if q.Get(entry.PR) != nil {
		return false
	}
	entry.QueueName = q.Def.Name
	q.entries = append(q.entries, entry)
	q.Reorder()
	return true
}

// Dequeue removes and returns the entry for the given pull request, or nil
// when it is not queued.
func (q *Queue) Dequeue(pr model.PRKey) *model.QueueEntry {
	for i, e := range q.entries {
		if e.PR == pr {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// Get returns the queued entry for pr, or nil.
func (q *Queue) Get(pr model.PRKey) *model.QueueEntry {
	for _, e := range q.entries {
		if e.PR == pr {
			return e
		}
	}
	return nil
}

// PeekFront returns up to n entries from the front without removing them.
func (q *Queue) PeekFront(n int) []*model.QueueEntry {
	if n > len(q.entries) {
		n = len(q.entries)
	}
	return q.entries[:n]
}

// Entries returns the full ordered entry list.
func (q *Queue) Entries() []*model.QueueEntry {
	return q.entries
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Reorder restores the ordering invariant: priority override descending,
// then enqueue time ascending. The sort is stable so equal entries keep
// their relative order.
func (q *Queue) Reorder() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
}
