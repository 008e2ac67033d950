package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dceleste/mergetrain/internal/domain/model"
	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StateStore = (*StateRepo)(nil)

// StateRepo is the SQLite implementation of the StateStore port interface.
// Check-result maps and entry lists are stored as JSON columns.
type StateRepo struct {
	db *DB
}

// NewStateRepo creates a new StateRepo backed by the given DB.
func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db}
}

// SaveEntry upserts a queue entry, keyed by (repo, number).
func (r *StateRepo) SaveEntry(ctx context.Context, entry model.QueueEntry) error {
	checkResults, err := marshalNullable(entry.CheckResults)
	if err != nil {
		return fmt.Errorf("marshal check results for %s: %w", entry.PR, err)
	}

	const query = `
		INSERT INTO queue_entries (repo, number, queue_name, base_branch, head_sha, enqueued_at, priority, merge_method, speculative_position, check_results, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, number) DO UPDATE SET
			queue_name = excluded.queue_name,
			base_branch = excluded.base_branch,
			head_sha = excluded.head_sha,
			enqueued_at = excluded.enqueued_at,
			priority = excluded.priority,
			merge_method = excluded.merge_method,
			speculative_position = excluded.speculative_position,
			check_results = excluded.check_results,
			attempts = excluded.attempts
	`

	_, err = r.db.Writer.ExecContext(ctx, query,
		entry.PR.Repo, entry.PR.Number, entry.QueueName, entry.BaseBranch, entry.HeadSHA,
		entry.EnqueuedAt.UTC().Format(time.RFC3339Nano), entry.Priority, string(entry.MergeMethod),
		entry.SpeculativePosition, checkResults, entry.Attempts,
	)
	if err != nil {
		return fmt.Errorf("save queue entry %s: %w", entry.PR, err)
	}
	return nil
}

// DeleteEntry removes a queue entry. Deleting an absent entry is a no-op.
func (r *StateRepo) DeleteEntry(ctx context.Context, pr model.PRKey) error {
	const query = `DELETE FROM queue_entries WHERE repo = ? AND number = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, pr.Repo, pr.Number); err != nil {
		return fmt.Errorf("delete queue entry %s: %w", pr, err)
	}
	return nil
}

// ListEntries returns all persisted queue entries, oldest first.
func (r *StateRepo) ListEntries(ctx context.Context) ([]model.QueueEntry, error) {
	const query = `
		SELECT repo, number, queue_name, base_branch, head_sha, enqueued_at, priority, merge_method, speculative_position, check_results, attempts
		FROM queue_entries
		ORDER BY enqueued_at
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// SaveState upserts a speculative state, keyed by its ID.
func (r *StateRepo) SaveState(ctx context.Context, state model.SpeculativeState) error {
	entriesJSON, err := json.Marshal(state.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries for state %s: %w", state.ID, err)
	}
	checksJSON, err := marshalNullable(state.Checks)
	if err != nil {
		return fmt.Errorf("marshal checks for state %s: %w", state.ID, err)
	}

	var completedAt any
	if !state.CompletedAt.IsZero() {
		completedAt = state.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	const query = `
		INSERT INTO speculative_states (id, queue_name, repo, target_branch, position, entries, base_sha, merge_sha, ref_name, status, checks, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			position = excluded.position,
			entries = excluded.entries,
			base_sha = excluded.base_sha,
			merge_sha = excluded.merge_sha,
			ref_name = excluded.ref_name,
			status = excluded.status,
			checks = excluded.checks,
			completed_at = excluded.completed_at
	`

	_, err = r.db.Writer.ExecContext(ctx, query,
		state.ID, state.QueueName, state.Repo, state.TargetBranch, state.Position,
		string(entriesJSON), state.BaseSHA, state.MergeSHA, state.RefName, string(state.Status),
		checksJSON, state.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save speculative state %s: %w", state.ID, err)
	}
	return nil
}

// DeleteState removes a speculative state. Deleting an absent state is a no-op.
func (r *StateRepo) DeleteState(ctx context.Context, id string) error {
	const query = `DELETE FROM speculative_states WHERE id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete speculative state %s: %w", id, err)
	}
	return nil
}

// ListStates returns all persisted speculative states, shallowest position first.
func (r *StateRepo) ListStates(ctx context.Context) ([]model.SpeculativeState, error) {
	const query = `
		SELECT id, queue_name, repo, target_branch, position, entries, base_sha, merge_sha, ref_name, status, checks, created_at, completed_at
		FROM speculative_states
		ORDER BY repo, target_branch, position
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query speculative states: %w", err)
	}
	defer rows.Close()

	var states []model.SpeculativeState
	for rows.Next() {
		state, err := scanSpeculativeState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan speculative state: %w", err)
		}
		states = append(states, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate speculative states: %w", err)
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(s scanner) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	var enqueuedAt, mergeMethod string
	var checkResults sql.NullString

	err := s.Scan(
		&entry.PR.Repo, &entry.PR.Number, &entry.QueueName, &entry.BaseBranch, &entry.HeadSHA,
		&enqueuedAt, &entry.Priority, &mergeMethod, &entry.SpeculativePosition, &checkResults, &entry.Attempts,
	)
	if err != nil {
		return nil, err
	}
	entry.MergeMethod = model.MergeMethod(mergeMethod)

	entry.EnqueuedAt, err = parseTime(enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}

	if checkResults.Valid {
		if err := json.Unmarshal([]byte(checkResults.String), &entry.CheckResults); err != nil {
			return nil, fmt.Errorf("unmarshal check_results: %w", err)
		}
	}
	return &entry, nil
}

func scanSpeculativeState(s scanner) (*model.SpeculativeState, error) {
	var state model.SpeculativeState
	var entries, status, createdAt string
	var checks, completedAt sql.NullString

	err := s.Scan(
		&state.ID, &state.QueueName, &state.Repo, &state.TargetBranch, &state.Position,
		&entries, &state.BaseSHA, &state.MergeSHA, &state.RefName, &status,
		&checks, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	state.Status = model.SpeculativeStatus(status)

	if err := json.Unmarshal([]byte(entries), &state.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", err)
	}
	if checks.Valid {
		if err := json.Unmarshal([]byte(checks.String), &state.Checks); err != nil {
			return nil, fmt.Errorf("unmarshal checks: %w", err)
		}
	}

	state.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid {
		state.CompletedAt, err = parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return &state, nil
}

// marshalNullable serializes a map to JSON, mapping empty to SQL NULL.
func marshalNullable(m map[string]model.CheckState) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}
