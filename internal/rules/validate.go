package rules

import (
	"sort"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// cyclicQueues returns the names of queues involved in a cycle of the
// interruption-priority relation. An edge A -> B means B appears in A's
// disallow_checks_interruption_from_queues list, i.e. B has priority over A.
// Edges to unknown queues are ignored here; they are harmless (the referenced
// queue simply never interrupts).
func cyclicQueues(queues map[string]*model.QueueDefinition) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	color := make(map[string]int, len(queues))
	cyclic := make(map[string]bool)

	var visit func(name string, stack []string)
	visit = func(name string, stack []string) {
		color[name] = visiting
		stack = append(stack, name)

		for _, next := range queues[name].DisallowInterruptionFrom {
			if _, ok := queues[next]; !ok {
				continue
			}
			switch color[next] {
			case unvisited:
				visit(next, stack)
			case visiting:
				// Everything from next's position on the stack is on the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					cyclic[stack[i]] = true
					if stack[i] == next {
						break
					}
				}
			}
		}

		color[name] = done
	}

	// Deterministic iteration keeps problem reports stable across loads.
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == unvisited {
			visit(name, nil)
		}
	}

	var result []string
	for _, name := range names {
		if cyclic[name] {
			result = append(result, name)
		}
	}
	return result
}

// HasPriorityOver reports whether queue a has priority over queue b under
// the rule set, i.e. whether b lists a in its interruption-protection set.
func (rs *RuleSet) HasPriorityOver(a, b string) bool {
	def, ok := rs.Queues[b]
	if !ok {
		return false
	}
	for _, name := range def.DisallowInterruptionFrom {
		if name == a {
			return true
		}
	}
	return false
}
