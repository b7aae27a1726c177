package models

import "time"

// RunStatus is the status of a pipeline run.
type RunStatus string

// Pipeline run statuses.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusEscalated RunStatus = "escalated"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusEscalated, RunStatusCancelled:
		return true
	}
	return false
}

// StageStatus is the status of a single stage run.
type StageStatus string

// Stage run statuses.
const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusWaiting   StageStatus = "waiting"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// Terminal reports whether the stage status is terminal.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped, StageStatusCancelled:
		return true
	}
	return false
}

// MaxNestingDepth is the hard cap on sub-pipeline nesting.
const MaxNestingDepth = 3

// PipelineRun is one execution of a pipeline definition. The definition is
// snapshotted at creation; stage advancement only ever consults the
// snapshot, so live config edits cannot corrupt a running pipeline.
type PipelineRun struct {
	ID                 string     `db:"run_id" json:"run_id"`
	PipelineName       string     `db:"pipeline_name" json:"pipeline_name"`
	DefinitionSnapshot string     `db:"definition_snapshot" json:"definition_snapshot"`
	TriggerEvent       string     `db:"trigger_event" json:"trigger_event"`
	TriggerDeliveryID  string     `db:"trigger_delivery_id" json:"trigger_delivery_id"`
	IssueNumber        *int       `db:"issue_number" json:"issue_number,omitempty"`
	PRNumber           *int       `db:"pr_number" json:"pr_number,omitempty"`
	Scope              string     `db:"scope" json:"scope,omitempty"`
	ParentRunID        *string    `db:"parent_run_id" json:"parent_run_id,omitempty"`
	ParentStageID      *string    `db:"parent_stage_id" json:"parent_stage_id,omitempty"`
	NestingDepth       int        `db:"nesting_depth" json:"nesting_depth"`
	Status             RunStatus  `db:"status" json:"status"`
	CurrentStageID     *string    `db:"current_stage_id" json:"current_stage_id,omitempty"`
	Context            JSONMap    `db:"context" json:"context"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	StartedAt          *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage       *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorStageID       *string    `db:"error_stage_id" json:"error_stage_id,omitempty"`
}

// StageRun is one attempt at executing a stage within a run. Retries create
// a new row with an incremented attempt number.
type StageRun struct {
	ID                 int64       `db:"id" json:"id"`
	RunID              string      `db:"run_id" json:"run_id"`
	StageID            string      `db:"stage_id" json:"stage_id"`
	Status             StageStatus `db:"status" json:"status"`
	AgentID            *string     `db:"agent_id" json:"agent_id,omitempty"`
	BranchID           *string     `db:"branch_id" json:"branch_id,omitempty"`
	ParentStageID      *string     `db:"parent_stage_id" json:"parent_stage_id,omitempty"`
	ChildPipelineRunID *string     `db:"child_pipeline_run_id" json:"child_pipeline_run_id,omitempty"`
	Outputs            JSONMap     `db:"outputs" json:"outputs"`
	ErrorMessage       *string     `db:"error_message" json:"error_message,omitempty"`
	AttemptNumber      int         `db:"attempt_number" json:"attempt_number"`
	MaxAttempts        int         `db:"max_attempts" json:"max_attempts"`
	StartedAt          *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// GateCheckRecord is the audit row for a single gate condition evaluation.
type GateCheckRecord struct {
	ID          int64     `db:"id" json:"id"`
	StageRunID  int64     `db:"stage_run_id" json:"stage_run_id"`
	CheckType   string    `db:"check_type" json:"check_type"`
	CheckConfig JSONMap   `db:"check_config" json:"check_config"`
	Passed      bool      `db:"passed" json:"passed"`
	Message     string    `db:"message" json:"message"`
	ResultData  JSONMap   `db:"result_data" json:"result_data"`
	CheckedAt   time.Time `db:"checked_at" json:"checked_at"`
}

// HumanStageState tracks a human checkpoint stage awaiting explicit
// completion from outside the engine.
type HumanStageState struct {
	ID              int64      `db:"id" json:"id"`
	StageRunID      int64      `db:"stage_run_id" json:"stage_run_id"`
	EntryNotifiedAt *time.Time `db:"entry_notified_at" json:"entry_notified_at,omitempty"`
	LastReminderAt  *time.Time `db:"last_reminder_at" json:"last_reminder_at,omitempty"`
	ReminderCount   int        `db:"reminder_count" json:"reminder_count"`
	AssignedUsers   StringList `db:"assigned_users" json:"assigned_users"`
	CompletedBy     *string    `db:"completed_by" json:"completed_by,omitempty"`
	CompletedAction *string    `db:"completed_action" json:"completed_action,omitempty"`
}
