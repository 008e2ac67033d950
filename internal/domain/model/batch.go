package model

import "time"

// SpeculativeStatus is the lifecycle state of one speculative stacked state.
type SpeculativeStatus string

const (
	SpeculativePending   SpeculativeStatus = "pending"
	SpeculativePassed    SpeculativeStatus = "passed"
	SpeculativeFailed    SpeculativeStatus = "failed"
	SpeculativeCancelled SpeculativeStatus = "cancelled"
)

// SpeculativeState is one car of a queue's speculative train: the
// hypothetical merge of the first Position queue entries stacked atop
// BaseSHA (the branch tip the train was built from). The state's draft ref
// points at MergeSHA and carries an independent CI run.
//
// States are transient: they exist between creation and either promotion
// (the batch commits) or discard (a failure or a branch-tip race).
type SpeculativeState struct {
	ID           string
	QueueName    string
	Repo         string
	TargetBranch string

	// Position is the 1-based depth of the state in the train; the state
	// includes the first Position entries of the queue.
	Position int
	Entries  []PRKey // prefix of the queue, len == Position

	BaseSHA  string // tip of the previous state, or the real branch tip for position 1
	MergeSHA string // head of the draft ref after merging entry Position
	RefName  string

	Status      SpeculativeStatus
	Checks      map[string]CheckState // per-check results reported against MergeSHA
	CreatedAt   time.Time
	CompletedAt time.Time // set when Status leaves pending
}

// Last returns the deepest entry in the state, the one this position added
// on top of the previous state.
func (s *SpeculativeState) Last() PRKey {
	return s.Entries[len(s.Entries)-1]
}
