// Package rules loads and compiles the declarative merge-queue configuration:
// queue definitions, pull request rules, and shared condition fragments.
package rules

import (
	"fmt"
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// Document is the YAML shape of the rules file. Condition nodes may
// reference entries of SharedConditions by name; referents share the
// compiled condition value, so every referencing rule sees the same tree.
type Document struct {
	SharedConditions map[string][]ConditionNode `yaml:"shared_conditions"`
	QueueRules       []QueueRule                `yaml:"queue_rules"`
	PullRequestRules []PullRequestRule          `yaml:"pull_request_rules"`
}

// QueueRule is one entry of queue_rules.
type QueueRule struct {
	Name                     string          `yaml:"name"`
	Conditions               []ConditionNode `yaml:"conditions"`
	AllowInplaceChecks       bool            `yaml:"allow_inplace_checks"`
	SpeculativeChecks        int             `yaml:"speculative_checks"`
	BatchSize                int             `yaml:"batch_size"`
	BatchMaxWaitTime         string          `yaml:"batch_max_wait_time"`
	QueueBranchMergeMethod   string          `yaml:"queue_branch_merge_method"`
	DisallowInterruptionFrom []string        `yaml:"disallow_checks_interruption_from_queues"`
	OnCheckFailure           string          `yaml:"on_check_failure"`
	MaxRetries               int             `yaml:"max_retries"`
}

// PullRequestRule is one entry of pull_request_rules.
type PullRequestRule struct {
	Name       string          `yaml:"name"`
	Conditions []ConditionNode `yaml:"conditions"`
	Actions    Actions         `yaml:"actions"`
}

// Actions holds the supported rule actions. Only queue routing is owned by
// this engine.
type Actions struct {
	Queue *QueueAction `yaml:"queue"`
}

// QueueAction enqueues the matching pull request into a named queue.
type QueueAction struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
}

// ConditionNode is one condition in YAML form. Exactly one of the predicate
// fields must be set; Timezone only accompanies Schedule.
type ConditionNode struct {
	Use string `yaml:"use"` // reference to a shared_conditions fragment

	CheckSuccess   string     `yaml:"check_success"`
	Label          string     `yaml:"label"`
	LabelAbsent    string     `yaml:"label_absent"`
	Base           string     `yaml:"base"`
	Author         []string   `yaml:"author"`
	Draft          *bool      `yaml:"draft"`
	Approvals      *Threshold `yaml:"approvals"`
	ChangeRequests *Threshold `yaml:"change_requests"`
	Schedule       string     `yaml:"schedule"`
	Timezone       string     `yaml:"timezone"`

	And []ConditionNode `yaml:"and"`
	Or  []ConditionNode `yaml:"or"`
	Not *ConditionNode  `yaml:"not"`
}

// Threshold is a numeric comparison; exactly one field must be set.
type Threshold struct {
	AtLeast  *int `yaml:"at_least"`
	MoreThan *int `yaml:"more_than"`
	AtMost   *int `yaml:"at_most"`
	LessThan *int `yaml:"less_than"`
	Exactly  *int `yaml:"exactly"`
}

func (t *Threshold) compare() (model.CompareOp, int, error) {
	type candidate struct {
		op  model.CompareOp
		val *int
	}
	candidates := []candidate{
		{model.OpGE, t.AtLeast},
		{model.OpGT, t.MoreThan},
		{model.OpLE, t.AtMost},
		{model.OpLT, t.LessThan},
		{model.OpEQ, t.Exactly},
	}

	var found *candidate
	for i := range candidates {
		if candidates[i].val == nil {
			continue
		}
		if found != nil {
			return "", 0, fmt.Errorf("threshold sets more than one comparison")
		}
		found = &candidates[i]
	}
	if found == nil {
		return "", 0, fmt.Errorf("threshold sets no comparison")
	}
	return found.op, *found.val, nil
}

// Problem records a queue or rule disabled at load time. Load-time problems
// disable only the affected definition; the rest of the document stays
// operational.
type Problem struct {
	Kind   string // "queue" or "rule"
	Name   string
	Reason string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %q disabled: %s", p.Kind, p.Name, p.Reason)
}

// RuleSet is the compiled, validated configuration the orchestrator runs on.
type RuleSet struct {
	Queues     map[string]*model.QueueDefinition
	QueueOrder []string // declaration order of enabled queues
	Rules      []*model.PullRequestRule

	// Fragments maps fragment name to its single shared condition value.
	Fragments map[string]model.Condition

	// Problems lists definitions disabled during compilation.
	Problems []Problem
}

const defaultBatchMaxWait = 5 * time.Minute
