package models

import "time"

// PRReviewRequirement declares how many non-stale approvals a role must
// provide before a PR is merge-ready.
type PRReviewRequirement struct {
	ID            int64     `db:"id" json:"id"`
	PRNumber      int       `db:"pr_number" json:"pr_number"`
	Role          string    `db:"role" json:"role"`
	RequiredCount int       `db:"required_count" json:"required_count"`
	PipelineRunID *string   `db:"pipeline_run_id" json:"pipeline_run_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PRApproval is an individual review verdict. Rows are append-only;
// invalidation flips the stale flag rather than deleting history.
type PRApproval struct {
	ID         int64     `db:"id" json:"id"`
	PRNumber   int       `db:"pr_number" json:"pr_number"`
	Role       string    `db:"role" json:"role"`
	Approved   bool      `db:"approved" json:"approved"`
	ReviewID   int64     `db:"review_id" json:"review_id"`
	Stale      bool      `db:"stale" json:"stale"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// PRSequenceState tracks position in an ordered review sequence.
type PRSequenceState struct {
	PRNumber      int     `db:"pr_number" json:"pr_number"`
	CurrentRole   string  `db:"current_role" json:"current_role"`
	SequenceIndex int     `db:"sequence_index" json:"sequence_index"`
	PipelineRunID *string `db:"pipeline_run_id" json:"pipeline_run_id,omitempty"`
}
