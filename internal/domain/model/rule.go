package model

import "time"

// EnqueueAction routes a matching pull request into a named queue. The
// method overrides the queue's default only for entries this rule enqueues;
// an empty method defers to the queue definition.
type EnqueueAction struct {
	Queue  string
	Method MergeMethod
}

// PullRequestRule maps a condition list onto actions. Rules are evaluated in
// declaration order; every rule whose conditions all hold applies its
// actions (multiple rules may act on the same pull request).
type PullRequestRule struct {
	Name       string
	Conditions []Condition
	Actions    []EnqueueAction
}

// Matches reports whether every condition of the rule holds for the snapshot.
func (r *PullRequestRule) Matches(snap PullRequestSnapshot, now time.Time) bool {
	for _, c := range r.Conditions {
		if !c.Eval(snap, now) {
			return false
		}
	}
	return true
}

// RuleMatchState tracks where a (pull request, rule) pair sits in the match
// lifecycle. Transitioning from applied back to unmatched triggers the
// compensating dequeue.
type RuleMatchState string

const (
	RuleUnmatched RuleMatchState = "unmatched"
	RuleMatched   RuleMatchState = "matched"
	RuleApplied   RuleMatchState = "applied"
)
