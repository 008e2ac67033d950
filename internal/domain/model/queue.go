package model

import "time"

// MergeMethod is the integration strategy used when a queue commits a batch
// to its target branch.
type MergeMethod string

const (
	MergeMethodMerge       MergeMethod = "merge"
	MergeMethodSquash      MergeMethod = "squash"
	MergeMethodFastForward MergeMethod = "fast-forward"
)

// Valid reports whether m is a recognized merge method.
func (m MergeMethod) Valid() bool {
	switch m {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodFastForward:
		return true
	}
	return false
}

// EvictionPolicy governs what happens to a queue entry whose speculative
// check fails.
type EvictionPolicy string

const (
	// EvictImmediately removes the entry from the queue on first failure.
	EvictImmediately EvictionPolicy = "evict"
	// HoldForRetry sends the entry to the back of the queue and retries,
	// up to the queue's retry limit.
	HoldForRetry EvictionPolicy = "retry"
)

// QueueDefinition is the static policy for one named merge queue. Definitions
// come from configuration and are immutable after load.
type QueueDefinition struct {
	Name       string
	Conditions []Condition // all must hold for admission and continued membership

	AllowInplaceChecks bool
	SpeculativeChecks  int // max concurrently validated stacked states, >= 1
	BatchSize          int // >= 1; 1 degenerates to pure FIFO
	BatchMaxWaitTime   time.Duration
	MergeMethod        MergeMethod

	// DisallowInterruptionFrom names queues whose in-flight checks this
	// queue may not preempt; equivalently, those queues have priority over
	// this one. The relation across all queues must be acyclic.
	DisallowInterruptionFrom []string

	OnCheckFailure EvictionPolicy
	MaxRetries     int // used when OnCheckFailure is HoldForRetry
}

// Admits reports whether all of the queue's admission conditions hold for
// the snapshot.
func (d *QueueDefinition) Admits(snap PullRequestSnapshot, now time.Time) bool {
	for _, c := range d.Conditions {
		if !c.Eval(snap, now) {
			return false
		}
	}
	return true
}

// QueueEntry is a pull request's membership in a queue. An entry belongs to
// at most one queue at a time and is removed on merge, condition failure, or
// manual dequeue. Entries are mutated only by the branch orchestrator.
type QueueEntry struct {
	PR         PRKey
	QueueName  string
	BaseBranch string
	HeadSHA    string
	EnqueuedAt time.Time
	Priority   int // explicit override; higher sorts earlier, default 0

	// MergeMethod is the per-entry override from the enqueuing rule's action.
	// Empty defers to the queue definition's method.
	MergeMethod MergeMethod

	// SpeculativePosition is the entry's 1-based ordinal in the current
	// speculative stack, 0 when not yet stacked.
	SpeculativePosition int

	// CheckResults holds the last known per-check results on the entry's
	// own head commit, feeding inplace-check reuse.
	CheckResults map[string]CheckState

	// Attempts counts speculative validation attempts that ended in failure,
	// for the HoldForRetry eviction policy.
	Attempts int
}
