package model

import (
	"fmt"
	"strings"
	"time"
)

// Condition is a predicate over a PullRequestSnapshot. Evaluation is pure:
// no I/O, deterministic for a given snapshot and evaluation instant.
//
// Conditions are immutable once built and intentionally shared by reference:
// a named fragment referenced from several queues or rules is the same
// Condition value in every referent.
//
// Missing or unreported fields evaluate to false on positive leaves, so a
// negated leaf over a missing field evaluates to true. Merge admission fails
// closed.
type Condition interface {
	// Eval evaluates the predicate against snap at the given wall-clock
	// instant. The instant only matters for schedule leaves; it is threaded
	// explicitly so tests control time.
	Eval(snap PullRequestSnapshot, now time.Time) bool

	// String renders the condition for logs and status comments.
	String() string
}

// CompareOp is a numeric comparison operator for threshold leaves.
type CompareOp string

const (
	OpGE CompareOp = ">="
	OpGT CompareOp = ">"
	OpLE CompareOp = "<="
	OpLT CompareOp = "<"
	OpEQ CompareOp = "=="
)

func (op CompareOp) apply(have, want int) bool {
	switch op {
	case OpGE:
		return have >= want
	case OpGT:
		return have > want
	case OpLE:
		return have <= want
	case OpLT:
		return have < want
	case OpEQ:
		return have == want
	default:
		return false
	}
}

// And evaluates to true when every child does. Short-circuits at the first
// false child.
type And struct {
	Children []Condition
}

func (c *And) Eval(snap PullRequestSnapshot, now time.Time) bool {
	for _, child := range c.Children {
		if !child.Eval(snap, now) {
			return false
		}
	}
	return true
}

func (c *And) String() string { return renderComposite("and", c.Children) }

// Or evaluates to true when any child does. Short-circuits at the first
// true child.
type Or struct {
	Children []Condition
}

func (c *Or) Eval(snap PullRequestSnapshot, now time.Time) bool {
	for _, child := range c.Children {
		if child.Eval(snap, now) {
			return true
		}
	}
	return false
}

func (c *Or) String() string { return renderComposite("or", c.Children) }

// Not inverts its inner condition.
type Not struct {
	Inner Condition
}

func (c *Not) Eval(snap PullRequestSnapshot, now time.Time) bool {
	return !c.Inner.Eval(snap, now)
}

func (c *Not) String() string { return "not(" + c.Inner.String() + ")" }

// CheckSuccess is true when the named check has reported success. Pending or
// unreported checks evaluate to false.
type CheckSuccess struct {
	Name string
}

func (c *CheckSuccess) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	st, ok := snap.CheckStatus(c.Name)
	return ok && st == CheckStateSuccess
}

func (c *CheckSuccess) String() string { return "check-success=" + c.Name }

// HasLabel is true when the snapshot carries the named label.
type HasLabel struct {
	Name string
}

func (c *HasLabel) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	return snap.HasLabel(c.Name)
}

func (c *HasLabel) String() string { return "label=" + c.Name }

// BaseBranch is true when the pull request targets the named branch.
type BaseBranch struct {
	Name string
}

func (c *BaseBranch) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	return snap.BaseBranch != "" && snap.BaseBranch == c.Name
}

func (c *BaseBranch) String() string { return "base=" + c.Name }

// AuthorIn is true when the author is one of the listed logins
// (case-insensitive, matching platform login semantics).
type AuthorIn struct {
	Logins []string
}

func (c *AuthorIn) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	if snap.Author == "" {
		return false
	}
	for _, login := range c.Logins {
		if strings.EqualFold(login, snap.Author) {
			return true
		}
	}
	return false
}

func (c *AuthorIn) String() string { return "author in {" + strings.Join(c.Logins, ",") + "}" }

// Draft is true when the pull request's draft flag equals Value.
type Draft struct {
	Value bool
}

func (c *Draft) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	return snap.IsDraft == c.Value
}

func (c *Draft) String() string {
	if c.Value {
		return "draft"
	}
	return "not-draft"
}

// Approvals compares the approving review count against a threshold.
type Approvals struct {
	Op    CompareOp
	Count int
}

func (c *Approvals) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	return c.Op.apply(snap.Approvals, c.Count)
}

func (c *Approvals) String() string {
	return fmt.Sprintf("approvals%s%d", c.Op, c.Count)
}

// ChangeRequests compares the changes-requested review count against a
// threshold.
type ChangeRequests struct {
	Op    CompareOp
	Count int
}

func (c *ChangeRequests) Eval(snap PullRequestSnapshot, _ time.Time) bool {
	return c.Op.apply(snap.ChangeRequests, c.Count)
}

func (c *ChangeRequests) String() string {
	return fmt.Sprintf("change-requests%s%d", c.Op, c.Count)
}

// Schedule is true when the evaluation instant falls inside the window,
// interpreted in the window's timezone.
type Schedule struct {
	Window TimeWindow
}

func (c *Schedule) Eval(_ PullRequestSnapshot, now time.Time) bool {
	return c.Window.Contains(now)
}

func (c *Schedule) String() string { return "schedule=" + c.Window.String() }

func renderComposite(op string, children []Condition) string {
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = child.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// ScheduleWindows collects the time windows required to hold by positive
// schedule leaves (top level or under And). The orchestrator gates batch
// promotion on them so merges only land inside configured windows.
func ScheduleWindows(conds []Condition) []TimeWindow {
	var windows []TimeWindow
	var walk func(c Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case *Schedule:
			windows = append(windows, n.Window)
		case *And:
			for _, child := range n.Children {
				walk(child)
			}
		}
	}
	for _, c := range conds {
		walk(c)
	}
	return windows
}

// RequiredLabels collects the labels required to be present by positive
// HasLabel leaves (top level or under And). Labels under Or or Not are not
// individually required and are skipped. The orchestrator strips these from
// a pull request once it leaves its queue, so a label mirrors membership.
func RequiredLabels(conds []Condition) []string {
	seen := make(map[string]bool)
	var labels []string
	var walk func(c Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case *HasLabel:
			if !seen[n.Name] {
				seen[n.Name] = true
				labels = append(labels, n.Name)
			}
		case *And:
			for _, child := range n.Children {
				walk(child)
			}
		}
	}
	for _, c := range conds {
		walk(c)
	}
	return labels
}

// RequiredChecks walks a condition tree and collects the names of checks
// required to succeed by positive CheckSuccess leaves. Negated subtrees are
// skipped: a check required to fail is not a validation gate.
func RequiredChecks(conds []Condition) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(c Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case *CheckSuccess:
			if !seen[n.Name] {
				seen[n.Name] = true
				names = append(names, n.Name)
			}
		case *And:
			for _, child := range n.Children {
				walk(child)
			}
		case *Or:
			for _, child := range n.Children {
				walk(child)
			}
		}
	}
	for _, c := range conds {
		walk(c)
	}
	return names
}
