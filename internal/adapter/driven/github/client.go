// Package github implements the HostClient port against the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

var _ driven.HostClient = (*Client)(nil)

// Client talks to the GitHub REST API through a caching, rate-limit-aware
// transport.
type Client struct {
	gh *gh.Client
}

// NewClient builds a Client authenticated with a personal access token.
// Responses are cached in memory so conditional requests do not consume
// rate limit, and secondary rate limits trigger automatic waits.
func NewClient(token string) *Client {
	cachingTransport := httpcache.NewMemoryCacheTransport()
	rateLimiter := github_ratelimit.NewClient(cachingTransport)

	return &Client{
		gh: gh.NewClient(rateLimiter).WithAuthToken(token),
	}
}

// NewClientWithHTTPClient builds a Client against an alternate endpoint.
// Used by tests to point at an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) (*Client, error) {
	client, err := gh.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("configuring github client: %w", err)
	}
	return &Client{gh: client}, nil
}

// FetchPullRequest assembles a full snapshot of the pull request: metadata,
// labels, latest review tallies, and check statuses on the head commit.
func (c *Client) FetchPullRequest(ctx context.Context, repo string, number int) (*model.PullRequestSnapshot, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request %s#%d: %w", repo, number, err)
	}
	logRateLimit(resp)

	approvals, changeRequests, err := c.reviewTallies(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}

	checks, err := c.checkStates(ctx, owner, name, pr.GetHead().GetSHA())
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &model.PullRequestSnapshot{
		Repo:           repo,
		Number:         number,
		Title:          pr.GetTitle(),
		Author:         pr.GetUser().GetLogin(),
		BaseBranch:     pr.GetBase().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		IsDraft:        pr.GetDraft(),
		Labels:         labels,
		Approvals:      approvals,
		ChangeRequests: changeRequests,
		Checks:         checks,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

// reviewTallies counts approvals and change requests, keeping only each
// reviewer's most recent review. A dismissed review clears the reviewer's
// prior verdict.
func (c *Client) reviewTallies(ctx context.Context, owner, name string, number int) (approvals, changeRequests int, err error) {
	latest := make(map[string]string)

	opts := &gh.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, name, number, opts)
		if err != nil {
			return 0, 0, fmt.Errorf("listing reviews for %s/%s#%d: %w", owner, name, number, err)
		}
		for _, review := range reviews {
			login := review.GetUser().GetLogin()
			switch review.GetState() {
			case "APPROVED", "CHANGES_REQUESTED":
				latest[login] = review.GetState()
			case "DISMISSED":
				delete(latest, login)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, state := range latest {
		switch state {
		case "APPROVED":
			approvals++
		case "CHANGES_REQUESTED":
			changeRequests++
		}
	}
	return approvals, changeRequests, nil
}

// checkStates returns the per-check-run state for a commit.
func (c *Client) checkStates(ctx context.Context, owner, name, sha string) (map[string]model.CheckState, error) {
	checks := make(map[string]model.CheckState)

	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs for %s/%s@%s: %w", owner, name, sha, err)
		}
		for _, run := range result.CheckRuns {
			checks[run.GetName()] = mapCheckConclusion(run)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return checks, nil
}

func mapCheckConclusion(run *gh.CheckRun) model.CheckState {
	if run.GetStatus() != "completed" {
		return model.CheckStatePending
	}
	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return model.CheckStateSuccess
	default:
		return model.CheckStateFailure
	}
}

// GetBranchTip returns the head SHA of a branch.
func (c *Client) GetBranchTip(ctx context.Context, repo, branch string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	ref, resp, err := c.gh.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("resolving tip of %s@%s: %w", repo, branch, err)
	}
	logRateLimit(resp)

	return ref.GetObject().GetSHA(), nil
}

// CreateRef creates a fully qualified ref pointing at sha.
func (c *Client) CreateRef(ctx context.Context, repo, ref, sha string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, _, err = c.gh.Git.CreateRef(ctx, owner, name, gh.CreateRef{
		Ref: ref,
		SHA: sha,
	})
	if err != nil {
		return fmt.Errorf("creating ref %s in %s: %w", ref, repo, err)
	}
	return nil
}

// DeleteRef removes a ref. A missing ref is treated as already deleted.
func (c *Client) DeleteRef(ctx context.Context, repo, ref string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, err = c.gh.Git.DeleteRef(ctx, owner, name, strings.TrimPrefix(ref, "refs/"))
	if err != nil {
		if isStatus(err, http.StatusNotFound, http.StatusUnprocessableEntity) {
			return nil
		}
		return fmt.Errorf("deleting ref %s in %s: %w", ref, repo, err)
	}
	return nil
}

// MergeIntoRef merges headSHA into the branch behind ref and returns the
// resulting merge commit SHA. A conflict surfaces as ErrNotMergeable.
func (c *Client) MergeIntoRef(ctx context.Context, repo, ref, headSHA, message string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	commit, _, err := c.gh.Repositories.Merge(ctx, owner, name, &gh.RepositoryMergeRequest{
		Base:          gh.Ptr(strings.TrimPrefix(ref, "refs/heads/")),
		Head:          gh.Ptr(headSHA),
		CommitMessage: gh.Ptr(message),
	})
	if err != nil {
		if isStatus(err, http.StatusConflict, http.StatusUnprocessableEntity) {
			return "", fmt.Errorf("merging %s into %s: %w", headSHA, ref, driven.ErrNotMergeable)
		}
		return "", fmt.Errorf("merging %s into %s in %s: %w", headSHA, ref, repo, err)
	}
	return commit.GetSHA(), nil
}

// CompareAndSwapBranch fast-forwards branch from expectedTip to newTip.
// The pre-check plus a non-forced update keeps the swap atomic: GitHub
// rejects a non-forced update that is not a descendant fast-forward, and the
// pre-check catches tips that moved to a different lineage.
func (c *Client) CompareAndSwapBranch(ctx context.Context, repo, branch, expectedTip, newTip string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	current, _, err := c.gh.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if err != nil {
		return fmt.Errorf("resolving tip of %s@%s: %w", repo, branch, err)
	}
	if current.GetObject().GetSHA() != expectedTip {
		return fmt.Errorf("updating %s@%s: %w", repo, branch, driven.ErrTipMoved)
	}

	_, _, err = c.gh.Git.UpdateRef(ctx, owner, name, "refs/heads/"+branch, gh.UpdateRef{
		SHA:   newTip,
		Force: gh.Ptr(false),
	})
	if err != nil {
		if isStatus(err, http.StatusConflict, http.StatusUnprocessableEntity) {
			return fmt.Errorf("updating %s@%s: %w", repo, branch, driven.ErrTipMoved)
		}
		return fmt.Errorf("updating %s@%s: %w", repo, branch, err)
	}
	return nil
}

// MergePullRequest merges one pull request, guarded by the expected head SHA
// so a late-arriving push cannot be merged unvalidated.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, headSHA string, method model.MergeMethod) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	var apiMethod string
	switch method {
	case model.MergeMethodSquash:
		apiMethod = "squash"
	default:
		apiMethod = "merge"
	}

	_, _, err = c.gh.PullRequests.Merge(ctx, owner, name, number, "", &gh.PullRequestOptions{
		MergeMethod: apiMethod,
		SHA:         headSHA,
	})
	if err != nil {
		if isStatus(err, http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity) {
			return fmt.Errorf("merging %s#%d: %w", repo, number, driven.ErrNotMergeable)
		}
		return fmt.Errorf("merging %s#%d: %w", repo, number, err)
	}
	return nil
}

// PostComment adds an issue comment to the pull request.
func (c *Client) PostComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, number, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", repo, number, err)
	}
	return nil
}

// RemoveLabel removes a label. An absent label is treated as already removed.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, err = c.gh.Issues.RemoveLabelForIssue(ctx, owner, name, number, label)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("removing label %q from %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// isStatus reports whether err is a GitHub API error with one of the given
// HTTP status codes.
func isStatus(err error, codes ...int) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	for _, code := range codes {
		if ghErr.Response.StatusCode == code {
			return true
		}
	}
	return false
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("malformed repository name %q, want owner/name", repo)
	}
	return owner, name, nil
}

func logRateLimit(resp *gh.Response) {
	if resp == nil {
		return
	}
	slog.Debug("github rate limit",
		"remaining", resp.Rate.Remaining,
		"limit", resp.Rate.Limit,
		"reset", resp.Rate.Reset.Time)
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit nearly exhausted",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time)
	}
}
