package application

import (
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// Effect is one action the rule engine asks the orchestrator to apply.
// Enqueue and Dequeue are mutually exclusive.
type Effect struct {
	Rule    string
	PR      model.PRKey
	Enqueue *model.EnqueueAction
	Dequeue bool
}

// RuleEngine tracks a match-state machine per (pull request, rule) pair:
// unmatched -> matched -> applied, and back to unmatched when a later
// snapshot no longer satisfies the rule, which emits a compensating dequeue.
//
// Every matching rule fires, in declaration order; queues stay mutually
// exclusive through their own conditions, not through the engine.
type RuleEngine struct {
	states map[ruleKey]model.RuleMatchState
}

type ruleKey struct {
	pr   model.PRKey
	rule string
}

// NewRuleEngine creates an engine with no recorded matches.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{states: make(map[ruleKey]model.RuleMatchState)}
}

// SyncPR evaluates every rule against the snapshot and returns the effects
// of state transitions since the last sync. A matching rule sits in the
// matched state and re-emits its enqueue effects every sync until the caller
// confirms them with MarkApplied; applied rules produce nothing further, so
// replaying an identical snapshot is a no-op.
func (re *RuleEngine) SyncPR(ruleList []*model.PullRequestRule, snap model.PullRequestSnapshot, now time.Time) []Effect {
	var effects []Effect
	pr := snap.Key()

	for _, rule := range ruleList {
		key := ruleKey{pr: pr, rule: rule.Name}
		matched := rule.Matches(snap, now)

		switch prev := re.states[key]; {
		case matched && prev != model.RuleApplied:
			re.states[key] = model.RuleMatched
			for i := range rule.Actions {
				effects = append(effects, Effect{
					Rule:    rule.Name,
					PR:      pr,
					Enqueue: &rule.Actions[i],
				})
			}
		case !matched && (prev == model.RuleMatched || prev == model.RuleApplied):
			re.states[key] = model.RuleUnmatched
			effects = append(effects, Effect{Rule: rule.Name, PR: pr, Dequeue: true})
		}
	}

	return effects
}

// MarkApplied moves a matched (pull request, rule) pair to applied, ending
// the re-emission of its enqueue effects. Called once the action has taken
// effect, e.g. the entry was admitted to its queue.
func (re *RuleEngine) MarkApplied(pr model.PRKey, rule string) {
	key := ruleKey{pr: pr, rule: rule}
	if re.states[key] == model.RuleMatched {
		re.states[key] = model.RuleApplied
	}
}

// ActiveRules returns the names of rules currently matched or applied for a
// pull request.
func (re *RuleEngine) ActiveRules(pr model.PRKey) []string {
	var names []string
	for key, st := range re.states {
		if key.pr == pr && (st == model.RuleMatched || st == model.RuleApplied) {
			names = append(names, key.rule)
		}
	}
	return names
}

// Forget drops all match state for a pull request. Called when the pull
// request closes or merges so a reopened PR starts from unmatched.
func (re *RuleEngine) Forget(pr model.PRKey) {
	for key := range re.states {
		if key.pr == pr {
			delete(re.states, key)
		}
	}
}
