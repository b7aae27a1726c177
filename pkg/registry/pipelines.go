package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/squadron-hq/squadron/pkg/models"
)

const runColumns = `run_id, pipeline_name, definition_snapshot, trigger_event,
	trigger_delivery_id, issue_number, pr_number, scope, parent_run_id,
	parent_stage_id, nesting_depth, status, current_stage_id, context,
	created_at, started_at, completed_at, error_message, error_stage_id`

const stageRunColumns = `id, run_id, stage_id, status, agent_id, branch_id,
	parent_stage_id, child_pipeline_run_id, outputs, error_message,
	attempt_number, max_attempts, started_at, completed_at`

// CreatePipelineRun inserts a new run row.
func (r *Registry) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	run.CreatedAt = time.Now().UTC()
	if run.Context == nil {
		run.Context = models.JSONMap{}
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (:run_id, :pipeline_name, :definition_snapshot, :trigger_event,
			:trigger_delivery_id, :issue_number, :pr_number, :scope, :parent_run_id,
			:parent_stage_id, :nesting_depth, :status, :current_stage_id, :context,
			:created_at, :started_at, :completed_at, :error_message, :error_stage_id)`, run)
	if err != nil {
		return fmt.Errorf("inserting pipeline run %s: %w", run.ID, err)
	}
	return nil
}

// UpdatePipelineRun persists all mutable run fields atomically.
func (r *Registry) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	if run.Context == nil {
		run.Context = models.JSONMap{}
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE pipeline_runs SET
			status = :status,
			current_stage_id = :current_stage_id,
			context = :context,
			started_at = :started_at,
			completed_at = :completed_at,
			error_message = :error_message,
			error_stage_id = :error_stage_id
		WHERE run_id = :run_id`, run)
	if err != nil {
		return fmt.Errorf("updating pipeline run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// GetPipelineRun fetches one run by id.
func (r *Registry) GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := r.db.GetContext(ctx, &run,
		r.rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying pipeline run %s: %w", id, err)
	}
	return &run, nil
}

// ListRunsByStatus returns runs in any of the given statuses.
func (r *Registry) ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]models.PipelineRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	var runs []models.PipelineRun
	err := r.db.SelectContext(ctx, &runs,
		r.rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE status IN (`+placeholders+`) ORDER BY created_at`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing pipeline runs: %w", err)
	}
	return runs, nil
}

// FindRunningRun returns a RUNNING run of the named pipeline for the PR, or
// nil. Backs single-pr duplicate suppression.
func (r *Registry) FindRunningRun(ctx context.Context, pipelineName string, prNumber int) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := r.db.GetContext(ctx, &run, r.rebind(`
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE pipeline_name = ? AND pr_number = ? AND status = ?
		LIMIT 1`),
		pipelineName, prNumber, models.RunStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying running run for pipeline %s pr %d: %w", pipelineName, prNumber, err)
	}
	return &run, nil
}

// ListChildRuns returns all runs started as sub-pipelines of the parent.
func (r *Registry) ListChildRuns(ctx context.Context, parentRunID string) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	err := r.db.SelectContext(ctx, &runs,
		r.rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE parent_run_id = ? ORDER BY created_at`),
		parentRunID)
	if err != nil {
		return nil, fmt.Errorf("listing child runs of %s: %w", parentRunID, err)
	}
	return runs, nil
}

// CreateStageRun inserts a stage-run attempt row and fills in its id.
func (r *Registry) CreateStageRun(ctx context.Context, sr *models.StageRun) error {
	if sr.Outputs == nil {
		sr.Outputs = models.JSONMap{}
	}
	if sr.AttemptNumber == 0 {
		sr.AttemptNumber = 1
	}
	if sr.MaxAttempts == 0 {
		sr.MaxAttempts = 1
	}
	query := r.rebind(`
		INSERT INTO pipeline_stage_runs
			(run_id, stage_id, status, agent_id, branch_id, parent_stage_id,
			 child_pipeline_run_id, outputs, error_message, attempt_number,
			 max_attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query,
		sr.RunID, sr.StageID, sr.Status, sr.AgentID, sr.BranchID, sr.ParentStageID,
		sr.ChildPipelineRunID, sr.Outputs, sr.ErrorMessage, sr.AttemptNumber,
		sr.MaxAttempts, sr.StartedAt, sr.CompletedAt).Scan(&sr.ID)
	if err != nil {
		return fmt.Errorf("inserting stage run %s/%s: %w", sr.RunID, sr.StageID, err)
	}
	return nil
}

// UpdateStageRun persists all mutable stage-run fields atomically.
func (r *Registry) UpdateStageRun(ctx context.Context, sr *models.StageRun) error {
	if sr.Outputs == nil {
		sr.Outputs = models.JSONMap{}
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE pipeline_stage_runs SET
			status = :status,
			agent_id = :agent_id,
			child_pipeline_run_id = :child_pipeline_run_id,
			outputs = :outputs,
			error_message = :error_message,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id`, sr)
	if err != nil {
		return fmt.Errorf("updating stage run %d: %w", sr.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrStageRunNotFound, sr.ID)
	}
	return nil
}

// GetStageRun fetches one stage run by id.
func (r *Registry) GetStageRun(ctx context.Context, id int64) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr,
		r.rebind(`SELECT `+stageRunColumns+` FROM pipeline_stage_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrStageRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stage run %d: %w", id, err)
	}
	return &sr, nil
}

// ListStageRuns returns all stage-run attempts for a run, oldest first.
func (r *Registry) ListStageRuns(ctx context.Context, runID string) ([]models.StageRun, error) {
	var runs []models.StageRun
	err := r.db.SelectContext(ctx, &runs,
		r.rebind(`SELECT `+stageRunColumns+` FROM pipeline_stage_runs WHERE run_id = ? ORDER BY id`),
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing stage runs of %s: %w", runID, err)
	}
	return runs, nil
}

// FindStageRunByAgent returns the stage run waiting on the given agent.
func (r *Registry) FindStageRunByAgent(ctx context.Context, agentID string) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr, r.rebind(`
		SELECT `+stageRunColumns+` FROM pipeline_stage_runs
		WHERE agent_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1`),
		agentID, models.StageStatusRunning, models.StageStatusWaiting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying stage run for agent %s: %w", agentID, err)
	}
	return &sr, nil
}

// RecordGateCheck appends a gate-check audit row.
func (r *Registry) RecordGateCheck(ctx context.Context, rec *models.GateCheckRecord) error {
	rec.CheckedAt = time.Now().UTC()
	if rec.CheckConfig == nil {
		rec.CheckConfig = models.JSONMap{}
	}
	if rec.ResultData == nil {
		rec.ResultData = models.JSONMap{}
	}
	query := r.rebind(`
		INSERT INTO pipeline_gate_checks
			(stage_run_id, check_type, check_config, passed, message, result_data, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query,
		rec.StageRunID, rec.CheckType, rec.CheckConfig, rec.Passed,
		rec.Message, rec.ResultData, rec.CheckedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting gate check for stage run %d: %w", rec.StageRunID, err)
	}
	return nil
}

// ListGateChecks returns the audit rows for one stage run.
func (r *Registry) ListGateChecks(ctx context.Context, stageRunID int64) ([]models.GateCheckRecord, error) {
	var recs []models.GateCheckRecord
	err := r.db.SelectContext(ctx, &recs, r.rebind(`
		SELECT id, stage_run_id, check_type, check_config, passed, message, result_data, checked_at
		FROM pipeline_gate_checks WHERE stage_run_id = ? ORDER BY id`), stageRunID)
	if err != nil {
		return nil, fmt.Errorf("listing gate checks of stage run %d: %w", stageRunID, err)
	}
	return recs, nil
}

// CreateHumanStageState records entry into a human checkpoint stage.
func (r *Registry) CreateHumanStageState(ctx context.Context, hs *models.HumanStageState) error {
	if hs.AssignedUsers == nil {
		hs.AssignedUsers = models.StringList{}
	}
	query := r.rebind(`
		INSERT INTO pipeline_human_stage_state
			(stage_run_id, entry_notified_at, last_reminder_at, reminder_count,
			 assigned_users, completed_by, completed_action)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query,
		hs.StageRunID, hs.EntryNotifiedAt, hs.LastReminderAt, hs.ReminderCount,
		hs.AssignedUsers, hs.CompletedBy, hs.CompletedAction).Scan(&hs.ID)
	if err != nil {
		return fmt.Errorf("inserting human stage state for stage run %d: %w", hs.StageRunID, err)
	}
	return nil
}

// UpdateHumanStageState persists reminder and completion fields.
func (r *Registry) UpdateHumanStageState(ctx context.Context, hs *models.HumanStageState) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE pipeline_human_stage_state SET
			last_reminder_at = :last_reminder_at,
			reminder_count = :reminder_count,
			completed_by = :completed_by,
			completed_action = :completed_action
		WHERE id = :id`, hs)
	if err != nil {
		return fmt.Errorf("updating human stage state %d: %w", hs.ID, err)
	}
	return nil
}

// GetHumanStageState fetches the human-stage row for a stage run, or nil.
func (r *Registry) GetHumanStageState(ctx context.Context, stageRunID int64) (*models.HumanStageState, error) {
	var hs models.HumanStageState
	err := r.db.GetContext(ctx, &hs, r.rebind(`
		SELECT id, stage_run_id, entry_notified_at, last_reminder_at, reminder_count,
			assigned_users, completed_by, completed_action
		FROM pipeline_human_stage_state WHERE stage_run_id = ?`), stageRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying human stage state for stage run %d: %w", stageRunID, err)
	}
	return &hs, nil
}
