package model

import (
	"fmt"
	"time"
)

// CheckState is the reported outcome of a single CI check on a commit.
type CheckState string

const (
	CheckStatePending CheckState = "pending"
	CheckStateSuccess CheckState = "success"
	CheckStateFailure CheckState = "failure"
)

// PRKey uniquely identifies a pull request across repositories.
type PRKey struct {
	Repo   string
	Number int
}

// String returns the conventional "owner/repo#number" form.
func (k PRKey) String() string {
	return fmt.Sprintf("%s#%d", k.Repo, k.Number)
}

// PullRequestSnapshot is an immutable point-in-time view of a pull request.
// Snapshots are produced by webhook ingestion or polling and never mutated in
// place; a newer snapshot supersedes an older one.
type PullRequestSnapshot struct {
	Repo           string
	Number         int
	Title          string
	Author         string
	BaseBranch     string
	HeadSHA        string
	IsDraft        bool
	Labels         []string
	Approvals      int
	ChangeRequests int
	Checks         map[string]CheckState // check name -> latest reported state
	CapturedAt     time.Time
}

// Key returns the snapshot's pull request identity.
func (s PullRequestSnapshot) Key() PRKey {
	return PRKey{Repo: s.Repo, Number: s.Number}
}

// HasLabel reports whether the snapshot carries the given label.
func (s PullRequestSnapshot) HasLabel(name string) bool {
	for _, l := range s.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// CheckStatus returns the state of a named check and whether it has been
// reported at all.
func (s PullRequestSnapshot) CheckStatus(name string) (CheckState, bool) {
	st, ok := s.Checks[name]
	return st, ok
}
