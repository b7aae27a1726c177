package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/squadron-hq/squadron/pkg/models"
)

// SetPRRequirements replaces the review requirements for a PR with the given
// set. Called when a review stage (or sequence) starts for the PR.
func (r *Registry) SetPRRequirements(ctx context.Context, prNumber int, reqs []models.PRReviewRequirement) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		r.rebind(`DELETE FROM pr_review_requirements WHERE pr_number = ?`), prNumber)
	if err != nil {
		return fmt.Errorf("clearing requirements for pr %d: %w", prNumber, err)
	}

	now := time.Now().UTC()
	for i := range reqs {
		req := &reqs[i]
		req.PRNumber = prNumber
		req.CreatedAt = now
		if req.RequiredCount == 0 {
			req.RequiredCount = 1
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO pr_review_requirements
				(pr_number, role, required_count, pipeline_run_id, created_at)
			VALUES (:pr_number, :role, :required_count, :pipeline_run_id, :created_at)`, req)
		if err != nil {
			return fmt.Errorf("inserting requirement %s for pr %d: %w", req.Role, prNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing requirements: %w", err)
	}
	return nil
}

// ListPRRequirements returns the requirements declared for a PR.
func (r *Registry) ListPRRequirements(ctx context.Context, prNumber int) ([]models.PRReviewRequirement, error) {
	var reqs []models.PRReviewRequirement
	err := r.db.SelectContext(ctx, &reqs, r.rebind(`
		SELECT id, pr_number, role, required_count, pipeline_run_id, created_at
		FROM pr_review_requirements WHERE pr_number = ? ORDER BY id`), prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing requirements for pr %d: %w", prNumber, err)
	}
	return reqs, nil
}

// RecordPRApproval appends one review verdict. Rows are never updated;
// invalidation marks them stale instead.
func (r *Registry) RecordPRApproval(ctx context.Context, approval *models.PRApproval) error {
	approval.RecordedAt = time.Now().UTC()
	query := r.rebind(`
		INSERT INTO pr_approvals (pr_number, role, approved, review_id, stale, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query,
		approval.PRNumber, approval.Role, approval.Approved, approval.ReviewID,
		approval.Stale, approval.RecordedAt).Scan(&approval.ID)
	if err != nil {
		return fmt.Errorf("inserting approval for pr %d role %s: %w", approval.PRNumber, approval.Role, err)
	}
	return nil
}

// InvalidatePRApprovals marks every live approval on the PR stale. Used when
// new commits land and the review state must be re-earned.
func (r *Registry) InvalidatePRApprovals(ctx context.Context, prNumber int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE pr_approvals SET stale = ? WHERE pr_number = ? AND stale = ?`),
		true, prNumber, false)
	if err != nil {
		return 0, fmt.Errorf("invalidating approvals for pr %d: %w", prNumber, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListPRApprovals returns every approval row for a PR, oldest first.
func (r *Registry) ListPRApprovals(ctx context.Context, prNumber int) ([]models.PRApproval, error) {
	var approvals []models.PRApproval
	err := r.db.SelectContext(ctx, &approvals, r.rebind(`
		SELECT id, pr_number, role, approved, review_id, stale, recorded_at
		FROM pr_approvals WHERE pr_number = ? ORDER BY id`), prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing approvals for pr %d: %w", prNumber, err)
	}
	return approvals, nil
}

// CheckPRMergeReady compares live approvals against the declared
// requirements. The second return value lists each unmet requirement as
// "role: have/need".
func (r *Registry) CheckPRMergeReady(ctx context.Context, prNumber int) (bool, []string, error) {
	reqs, err := r.ListPRRequirements(ctx, prNumber)
	if err != nil {
		return false, nil, err
	}
	approvals, err := r.ListPRApprovals(ctx, prNumber)
	if err != nil {
		return false, nil, err
	}

	haveByRole := make(map[string]int)
	for _, a := range approvals {
		if a.Approved && !a.Stale {
			haveByRole[a.Role]++
		}
	}

	var missing []string
	for _, req := range reqs {
		if have := haveByRole[req.Role]; have < req.RequiredCount {
			missing = append(missing, fmt.Sprintf("%s: %d/%d", req.Role, have, req.RequiredCount))
		}
	}
	sort.Strings(missing)
	return len(missing) == 0, missing, nil
}

// SetPRSequenceState upserts the ordered-review cursor for a PR.
func (r *Registry) SetPRSequenceState(ctx context.Context, state *models.PRSequenceState) error {
	_, err := r.db.NamedExecContext(ctx, r.rebind(`
		INSERT INTO pr_sequence_state (pr_number, current_role, sequence_index, pipeline_run_id)
		VALUES (:pr_number, :current_role, :sequence_index, :pipeline_run_id)
		ON CONFLICT (pr_number) DO UPDATE SET
			current_role = excluded.current_role,
			sequence_index = excluded.sequence_index,
			pipeline_run_id = excluded.pipeline_run_id`), state)
	if err != nil {
		return fmt.Errorf("upserting sequence state for pr %d: %w", state.PRNumber, err)
	}
	return nil
}

// GetPRSequenceState returns the sequence cursor for a PR, or nil.
func (r *Registry) GetPRSequenceState(ctx context.Context, prNumber int) (*models.PRSequenceState, error) {
	var state models.PRSequenceState
	err := r.db.GetContext(ctx, &state, r.rebind(`
		SELECT pr_number, current_role, sequence_index, pipeline_run_id
		FROM pr_sequence_state WHERE pr_number = ?`), prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sequence state for pr %d: %w", prNumber, err)
	}
	return &state, nil
}

// ClearPRReviewState removes requirements, approvals, and sequence state for
// a PR once its pipeline finishes.
func (r *Registry) ClearPRReviewState(ctx context.Context, prNumber int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"pr_review_requirements", "pr_approvals", "pr_sequence_state"} {
		if _, err := tx.ExecContext(ctx,
			r.rebind(`DELETE FROM `+table+` WHERE pr_number = ?`), prNumber); err != nil {
			return fmt.Errorf("clearing %s for pr %d: %w", table, prNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing review-state clear: %w", err)
	}
	return nil
}
