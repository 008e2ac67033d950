package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/dceleste/mergetrain/internal/adapter/driven/github"
	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler) *ghAdapter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/")
	require.NoError(t, err)

	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestFetchPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"number": 42,
			"title":  "Add feature X",
			"draft":  false,
			"user":   map[string]any{"login": "alice"},
			"head":   map[string]any{"ref": "feature-x", "sha": "abc123"},
			"base":   map[string]any{"ref": "main"},
			"labels": []map[string]any{{"name": "queue"}, {"name": "priority:high"}},
		})
	})
	mux.HandleFunc("GET /api/v3/repos/owner/repo/pulls/42/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			// bob requested changes, then approved; only the latest counts.
			{"id": 1, "state": "CHANGES_REQUESTED", "user": map[string]any{"login": "bob"}},
			{"id": 2, "state": "APPROVED", "user": map[string]any{"login": "bob"}},
			{"id": 3, "state": "APPROVED", "user": map[string]any{"login": "carol"}},
			// dave approved, then the review was dismissed.
			{"id": 4, "state": "APPROVED", "user": map[string]any{"login": "dave"}},
			{"id": 5, "state": "DISMISSED", "user": map[string]any{"login": "dave"}},
		})
	})
	mux.HandleFunc("GET /api/v3/repos/owner/repo/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"total_count": 3,
			"check_runs": []map[string]any{
				{"name": "build", "status": "completed", "conclusion": "success"},
				{"name": "lint", "status": "completed", "conclusion": "failure"},
				{"name": "e2e", "status": "in_progress"},
			},
		})
	})

	client := newTestClient(t, mux)
	snap, err := client.FetchPullRequest(context.Background(), "owner/repo", 42)

	require.NoError(t, err)
	assert.Equal(t, "owner/repo", snap.Repo)
	assert.Equal(t, 42, snap.Number)
	assert.Equal(t, "Add feature X", snap.Title)
	assert.Equal(t, "alice", snap.Author)
	assert.Equal(t, "main", snap.BaseBranch)
	assert.Equal(t, "abc123", snap.HeadSHA)
	assert.False(t, snap.IsDraft)
	assert.Equal(t, []string{"queue", "priority:high"}, snap.Labels)
	assert.Equal(t, 2, snap.Approvals, "bob and carol approve; dave's approval was dismissed")
	assert.Equal(t, 0, snap.ChangeRequests, "bob's change request was superseded")
	assert.Equal(t, model.CheckStateSuccess, snap.Checks["build"])
	assert.Equal(t, model.CheckStateFailure, snap.Checks["lint"])
	assert.Equal(t, model.CheckStatePending, snap.Checks["e2e"])
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestFetchPullRequest_InvalidRepoName(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for malformed repo name")
	}))

	for _, repo := range []string{"invalid", "/repo", "owner/", ""} {
		_, err := client.FetchPullRequest(context.Background(), repo, 1)
		require.Error(t, err, "repo %q", repo)
		assert.Contains(t, err.Error(), "malformed repository name")
	}
}

func TestGetBranchTip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "tip000"},
		})
	})

	client := newTestClient(t, mux)
	tip, err := client.GetBranchTip(context.Background(), "owner/repo", "main")

	require.NoError(t, err)
	assert.Equal(t, "tip000", tip)
}

func TestCompareAndSwapBranch_TipMoved(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "someone-else"},
		})
	})
	mux.HandleFunc("PATCH /api/v3/repos/owner/repo/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("ref must not be updated when the pre-check fails")
	})

	client := newTestClient(t, mux)
	err := client.CompareAndSwapBranch(context.Background(), "owner/repo", "main", "expected", "new")

	require.ErrorIs(t, err, driven.ErrTipMoved)
}

func TestCompareAndSwapBranch_Success(t *testing.T) {
	var updated bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "expected"},
		})
	})
	mux.HandleFunc("PATCH /api/v3/repos/owner/repo/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "new", body.SHA)
		assert.False(t, body.Force, "fast-forward must not force-push")
		updated = true
		writeJSON(t, w, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "new"},
		})
	})

	client := newTestClient(t, mux)
	err := client.CompareAndSwapBranch(context.Background(), "owner/repo", "main", "expected", "new")

	require.NoError(t, err)
	assert.True(t, updated)
}

func TestCompareAndSwapBranch_RejectedUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "expected"},
		})
	})
	mux.HandleFunc("PATCH /api/v3/repos/owner/repo/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(t, w, map[string]any{"message": "Update is not a fast forward"})
	})

	client := newTestClient(t, mux)
	err := client.CompareAndSwapBranch(context.Background(), "owner/repo", "main", "expected", "new")

	require.ErrorIs(t, err, driven.ErrTipMoved)
}

func TestMergeIntoRef_Conflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/owner/repo/merges", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		writeJSON(t, w, map[string]any{"message": "Merge conflict"})
	})

	client := newTestClient(t, mux)
	_, err := client.MergeIntoRef(context.Background(), "owner/repo", "refs/heads/mergetrain/default/ab12", "head1", "draft merge")

	require.ErrorIs(t, err, driven.ErrNotMergeable)
}

func TestMergeIntoRef_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/owner/repo/merges", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Base string `json:"base"`
			Head string `json:"head"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mergetrain/default/ab12", body.Base, "ref prefix must be stripped")
		assert.Equal(t, "head1", body.Head)
		writeJSON(t, w, map[string]any{"sha": "merge-sha"})
	})

	client := newTestClient(t, mux)
	sha, err := client.MergeIntoRef(context.Background(), "owner/repo", "refs/heads/mergetrain/default/ab12", "head1", "draft merge")

	require.NoError(t, err)
	assert.Equal(t, "merge-sha", sha)
}

func TestMergePullRequest_NotMergeable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v3/repos/owner/repo/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeJSON(t, w, map[string]any{"message": "Pull Request is not mergeable"})
	})

	client := newTestClient(t, mux)
	err := client.MergePullRequest(context.Background(), "owner/repo", 42, "head1", model.MergeMethodMerge)

	require.ErrorIs(t, err, driven.ErrNotMergeable)
}

func TestMergePullRequest_SquashMethod(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v3/repos/owner/repo/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MergeMethod string `json:"merge_method"`
			SHA         string `json:"sha"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body.MergeMethod)
		assert.Equal(t, "head1", body.SHA, "merge must be guarded by the expected head")
		writeJSON(t, w, map[string]any{"merged": true})
	})

	client := newTestClient(t, mux)
	err := client.MergePullRequest(context.Background(), "owner/repo", 42, "head1", model.MergeMethodSquash)

	require.NoError(t, err)
}

func TestDeleteRef_AlreadyAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v3/repos/owner/repo/git/refs/heads/mergetrain/default/ab12", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(t, w, map[string]any{"message": "Reference does not exist"})
	})

	client := newTestClient(t, mux)
	err := client.DeleteRef(context.Background(), "owner/repo", "refs/heads/mergetrain/default/ab12")

	require.NoError(t, err, "deleting an absent ref is not an error")
}

func TestRemoveLabel_AlreadyAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v3/repos/owner/repo/issues/42/labels/queue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, map[string]any{"message": "Label does not exist"})
	})

	client := newTestClient(t, mux)
	err := client.RemoveLabel(context.Background(), "owner/repo", 42, "queue")

	require.NoError(t, err)
}
