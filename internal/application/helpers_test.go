package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// fakeHost is an in-memory HostClient with scriptable failures.
type fakeHost struct {
	mu sync.Mutex

	tips      map[string]string // branch -> tip SHA
	refs      map[string]string // ref name -> SHA
	snapshots map[model.PRKey]model.PullRequestSnapshot

	mergeSeq      int
	conflicting   map[string]bool      // head SHAs whose speculative merge conflicts
	notMergeable  map[model.PRKey]bool // PRs that refuse an API merge
	mergedPRs     []model.PRKey        // API-merged PRs, in order
	mergeMethods  []model.MergeMethod  // method used for each API merge, in order
	deletedRefs   []string             // every DeleteRef call
	comments      map[model.PRKey][]string
	removedLabels map[model.PRKey][]string
}

var _ driven.HostClient = (*fakeHost)(nil)

func newFakeHost() *fakeHost {
	return &fakeHost{
		tips:          make(map[string]string),
		refs:          make(map[string]string),
		snapshots:     make(map[model.PRKey]model.PullRequestSnapshot),
		conflicting:   make(map[string]bool),
		notMergeable:  make(map[model.PRKey]bool),
		comments:      make(map[model.PRKey][]string),
		removedLabels: make(map[model.PRKey][]string),
	}
}

func (f *fakeHost) FetchPullRequest(_ context.Context, repo string, number int) (*model.PullRequestSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[model.PRKey{Repo: repo, Number: number}]
	if !ok {
		return nil, fmt.Errorf("unknown pull request %s#%d", repo, number)
	}
	return &snap, nil
}

func (f *fakeHost) GetBranchTip(_ context.Context, _, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tip, ok := f.tips[branch]
	if !ok {
		return "", fmt.Errorf("unknown branch %q", branch)
	}
	return tip, nil
}

func (f *fakeHost) CreateRef(_ context.Context, _, ref, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[ref] = sha
	return nil
}

func (f *fakeHost) DeleteRef(_ context.Context, _, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refs, ref)
	f.deletedRefs = append(f.deletedRefs, ref)
	return nil
}

func (f *fakeHost) MergeIntoRef(_ context.Context, _, ref, headSHA, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicting[headSHA] {
		return "", driven.ErrNotMergeable
	}
	f.mergeSeq++
	sha := fmt.Sprintf("spec-%s-%d", headSHA, f.mergeSeq)
	f.refs[ref] = sha
	return sha, nil
}

func (f *fakeHost) CompareAndSwapBranch(_ context.Context, _, branch, expectedTip, newTip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tips[branch] != expectedTip {
		return driven.ErrTipMoved
	}
	f.tips[branch] = newTip
	return nil
}

func (f *fakeHost) MergePullRequest(_ context.Context, repo string, number int, _ string, method model.MergeMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := model.PRKey{Repo: repo, Number: number}
	if f.notMergeable[pr] {
		return driven.ErrNotMergeable
	}
	f.mergedPRs = append(f.mergedPRs, pr)
	f.mergeMethods = append(f.mergeMethods, method)
	return nil
}

func (f *fakeHost) PostComment(_ context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := model.PRKey{Repo: repo, Number: number}
	f.comments[pr] = append(f.comments[pr], body)
	return nil
}

func (f *fakeHost) RemoveLabel(_ context.Context, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := model.PRKey{Repo: repo, Number: number}
	f.removedLabels[pr] = append(f.removedLabels[pr], label)
	return nil
}

// memoryStore is an in-memory StateStore.
type memoryStore struct {
	mu      sync.Mutex
	entries map[model.PRKey]model.QueueEntry
	states  map[string]model.SpeculativeState
}

var _ driven.StateStore = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: make(map[model.PRKey]model.QueueEntry),
		states:  make(map[string]model.SpeculativeState),
	}
}

func (m *memoryStore) SaveEntry(_ context.Context, entry model.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.PR] = entry
	return nil
}

func (m *memoryStore) DeleteEntry(_ context.Context, pr model.PRKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, pr)
	return nil
}

func (m *memoryStore) ListEntries(context.Context) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]model.QueueEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *memoryStore) SaveState(_ context.Context, state model.SpeculativeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state
	return nil
}

func (m *memoryStore) DeleteState(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *memoryStore) ListStates(context.Context) ([]model.SpeculativeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]model.SpeculativeState, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	return states, nil
}
