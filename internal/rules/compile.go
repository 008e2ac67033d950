package rules

import (
	"fmt"
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// Compile turns a parsed Document into a RuleSet. Definitions that fail to
// compile are recorded as Problems and skipped; they never abort the load.
// The interruption-priority relation across the surviving queues must be
// acyclic, checked here so a cycle is a load-time error rather than a
// runtime surprise.
func Compile(doc *Document) (*RuleSet, error) {
	rs := &RuleSet{
		Queues:    make(map[string]*model.QueueDefinition),
		Fragments: make(map[string]model.Condition),
	}

	// Fragments compile first so rules and queues can reference them. Each
	// fragment compiles to exactly one condition value; referents alias it.
	for name, nodes := range doc.SharedConditions {
		cond, err := compileAll(nodes, rs.Fragments)
		if err != nil {
			return nil, fmt.Errorf("shared condition %q: %w", name, err)
		}
		rs.Fragments[name] = cond
	}

	for _, qr := range doc.QueueRules {
		def, err := compileQueue(qr, rs.Fragments)
		if err != nil {
			rs.Problems = append(rs.Problems, Problem{Kind: "queue", Name: qr.Name, Reason: err.Error()})
			continue
		}
		if _, dup := rs.Queues[def.Name]; dup {
			rs.Problems = append(rs.Problems, Problem{Kind: "queue", Name: qr.Name, Reason: "duplicate queue name"})
			continue
		}
		rs.Queues[def.Name] = def
		rs.QueueOrder = append(rs.QueueOrder, def.Name)
	}

	// A cycle in the priority relation disables every queue on the cycle.
	for _, name := range cyclicQueues(rs.Queues) {
		rs.Problems = append(rs.Problems, Problem{
			Kind:   "queue",
			Name:   name,
			Reason: "cyclic disallow_checks_interruption_from_queues relation",
		})
		delete(rs.Queues, name)
	}
	rs.QueueOrder = filterEnabled(rs.QueueOrder, rs.Queues)

	for _, pr := range doc.PullRequestRules {
		rule, err := compileRule(pr, rs)
		if err != nil {
			rs.Problems = append(rs.Problems, Problem{Kind: "rule", Name: pr.Name, Reason: err.Error()})
			continue
		}
		rs.Rules = append(rs.Rules, rule)
	}

	return rs, nil
}

func compileQueue(qr QueueRule, fragments map[string]model.Condition) (*model.QueueDefinition, error) {
	if qr.Name == "" {
		return nil, fmt.Errorf("queue has no name")
	}

	conds, err := compileNodes(qr.Conditions, fragments)
	if err != nil {
		return nil, err
	}

	spec := qr.SpeculativeChecks
	if spec == 0 {
		spec = 1
	}
	if spec < 1 {
		return nil, fmt.Errorf("speculative_checks must be >= 1, got %d", spec)
	}

	batch := qr.BatchSize
	if batch == 0 {
		batch = 1
	}
	if batch < 1 {
		return nil, fmt.Errorf("batch_size must be >= 1, got %d", batch)
	}

	wait := defaultBatchMaxWait
	if qr.BatchMaxWaitTime != "" {
		wait, err = time.ParseDuration(qr.BatchMaxWaitTime)
		if err != nil {
			return nil, fmt.Errorf("batch_max_wait_time: %w", err)
		}
	}

	method := model.MergeMethod(qr.QueueBranchMergeMethod)
	if method == "" {
		method = model.MergeMethodMerge
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown queue_branch_merge_method %q", qr.QueueBranchMergeMethod)
	}

	eviction := model.EvictionPolicy(qr.OnCheckFailure)
	if eviction == "" {
		eviction = model.EvictImmediately
	}
	if eviction != model.EvictImmediately && eviction != model.HoldForRetry {
		return nil, fmt.Errorf("unknown on_check_failure %q", qr.OnCheckFailure)
	}

	retries := qr.MaxRetries
	if eviction == model.HoldForRetry && retries == 0 {
		retries = 1
	}

	return &model.QueueDefinition{
		Name:                     qr.Name,
		Conditions:               conds,
		AllowInplaceChecks:       qr.AllowInplaceChecks,
		SpeculativeChecks:        spec,
		BatchSize:                batch,
		BatchMaxWaitTime:         wait,
		MergeMethod:              method,
		DisallowInterruptionFrom: qr.DisallowInterruptionFrom,
		OnCheckFailure:           eviction,
		MaxRetries:               retries,
	}, nil
}

func compileRule(pr PullRequestRule, rs *RuleSet) (*model.PullRequestRule, error) {
	if pr.Name == "" {
		return nil, fmt.Errorf("rule has no name")
	}

	conds, err := compileNodes(pr.Conditions, rs.Fragments)
	if err != nil {
		return nil, err
	}

	if pr.Actions.Queue == nil {
		return nil, fmt.Errorf("rule has no queue action")
	}
	target := pr.Actions.Queue.Name
	if _, ok := rs.Queues[target]; !ok {
		return nil, fmt.Errorf("action references unknown queue %q", target)
	}

	method := model.MergeMethod(pr.Actions.Queue.Method)
	if method != "" && !method.Valid() {
		return nil, fmt.Errorf("unknown merge method %q", pr.Actions.Queue.Method)
	}
	if method == model.MergeMethodFastForward {
		// Fast-forward is a whole-batch ref update, a queue-level strategy;
		// it cannot apply to a single entry's merge.
		return nil, fmt.Errorf("merge method %q is only valid as a queue_branch_merge_method", pr.Actions.Queue.Method)
	}

	return &model.PullRequestRule{
		Name:       pr.Name,
		Conditions: conds,
		Actions:    []model.EnqueueAction{{Queue: target, Method: method}},
	}, nil
}

// compileNodes compiles a condition list; each node must hold.
func compileNodes(nodes []ConditionNode, fragments map[string]model.Condition) ([]model.Condition, error) {
	conds := make([]model.Condition, 0, len(nodes))
	for i := range nodes {
		c, err := compileNode(&nodes[i], fragments)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// compileAll compiles a node list into a single condition, wrapping multiple
// nodes in an And so a fragment is one shareable value.
func compileAll(nodes []ConditionNode, fragments map[string]model.Condition) (model.Condition, error) {
	conds, err := compileNodes(nodes, fragments)
	if err != nil {
		return nil, err
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return &model.And{Children: conds}, nil
}

func compileNode(n *ConditionNode, fragments map[string]model.Condition) (model.Condition, error) {
	var compiled []model.Condition
	add := func(c model.Condition) { compiled = append(compiled, c) }

	if n.Use != "" {
		frag, ok := fragments[n.Use]
		if !ok {
			return nil, fmt.Errorf("undefined condition fragment %q", n.Use)
		}
		add(frag) // shared value, not a copy
	}
	if n.CheckSuccess != "" {
		add(&model.CheckSuccess{Name: n.CheckSuccess})
	}
	if n.Label != "" {
		add(&model.HasLabel{Name: n.Label})
	}
	if n.LabelAbsent != "" {
		add(&model.Not{Inner: &model.HasLabel{Name: n.LabelAbsent}})
	}
	if n.Base != "" {
		add(&model.BaseBranch{Name: n.Base})
	}
	if len(n.Author) > 0 {
		add(&model.AuthorIn{Logins: n.Author})
	}
	if n.Draft != nil {
		add(&model.Draft{Value: *n.Draft})
	}
	if n.Approvals != nil {
		op, count, err := n.Approvals.compare()
		if err != nil {
			return nil, fmt.Errorf("approvals: %w", err)
		}
		add(&model.Approvals{Op: op, Count: count})
	}
	if n.ChangeRequests != nil {
		op, count, err := n.ChangeRequests.compare()
		if err != nil {
			return nil, fmt.Errorf("change_requests: %w", err)
		}
		add(&model.ChangeRequests{Op: op, Count: count})
	}
	if n.Schedule != "" {
		window, err := model.ParseTimeWindow(n.Schedule, n.Timezone)
		if err != nil {
			return nil, err
		}
		add(&model.Schedule{Window: window})
	}
	if len(n.And) > 0 {
		inner, err := compileNodes(n.And, fragments)
		if err != nil {
			return nil, err
		}
		add(&model.And{Children: inner})
	}
	if len(n.Or) > 0 {
		inner, err := compileNodes(n.Or, fragments)
		if err != nil {
			return nil, err
		}
		add(&model.Or{Children: inner})
	}
	if n.Not != nil {
		inner, err := compileNode(n.Not, fragments)
		if err != nil {
			return nil, err
		}
		add(&model.Not{Inner: inner})
	}

	switch len(compiled) {
	case 0:
		return nil, fmt.Errorf("condition sets no predicate")
	case 1:
		return compiled[0], nil
	default:
		return nil, fmt.Errorf("condition sets %d predicates, want exactly one", len(compiled))
	}
}

func filterEnabled(order []string, queues map[string]*model.QueueDefinition) []string {
	kept := order[:0]
	for _, name := range order {
		if _, ok := queues[name]; ok {
			kept = append(kept, name)
		}
	}
	return kept
}
