package driven

import (
	"context"
	"errors"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// ErrTipMoved is returned by CompareAndSwapBranch when the branch tip no
// longer matches the expected SHA. The caller rebuilds its batch; this is a
// recoverable race, not a fault.
var ErrTipMoved = errors.New("branch tip moved")

// ErrNotMergeable is returned when the platform refuses a merge for reasons
// tied to the pull request itself (conflict, closed, already merged).
var ErrNotMergeable = errors.New("pull request not mergeable")

// HostClient defines the driven port for the version-control hosting
// platform. Read methods fetch state; write methods mutate refs, merge pull
// requests, and post feedback. All methods honor context cancellation.
type HostClient interface {
	// FetchPullRequest returns a fresh snapshot of the pull request,
	// including labels, review counts, and per-check statuses on its head.
	FetchPullRequest(ctx context.Context, repo string, number int) (*model.PullRequestSnapshot, error)

	// GetBranchTip returns the current head SHA of a branch.
	GetBranchTip(ctx context.Context, repo, branch string) (string, error)

	// CreateRef creates a new ref (e.g. "refs/heads/mergetrain/default/ab12")
	// pointing at sha.
	CreateRef(ctx context.Context, repo, ref, sha string) error

	// DeleteRef removes a ref. Deleting an already-absent ref is not an error.
	DeleteRef(ctx context.Context, repo, ref string) error

	// MergeIntoRef merges headSHA into the branch named by ref, creating a
	// merge commit, and returns the resulting commit SHA. Used to build
	// speculative stacked states; CI picks up the push on the draft ref.
	MergeIntoRef(ctx context.Context, repo, ref, headSHA, message string) (string, error)

	// CompareAndSwapBranch advances branch from expectedTip to newTip.
	// Returns ErrTipMoved when the branch no longer points at expectedTip.
	CompareAndSwapBranch(ctx context.Context, repo, branch, expectedTip, newTip string) error

	// MergePullRequest merges a single pull request with the given method,
	// guarded by the expected head SHA. Returns ErrNotMergeable for
	// conflicts and already-merged pull requests.
	MergePullRequest(ctx context.Context, repo string, number int, headSHA string, method model.MergeMethod) error

	// PostComment adds a status comment on the pull request.
	PostComment(ctx context.Context, repo string, number int, body string) error

	// RemoveLabel removes a label from the pull request. Removing an absent
	// label is not an error.
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
}
