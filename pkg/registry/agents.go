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

const agentColumns = `agent_id, role, status, issue_number, pr_number, session_id,
	branch, worktree_path, turn_count, tool_call_count, iteration_count,
	active_since, sleeping_since, blocked_by, updated_at`

// CreateAgent inserts a new agent row. The id must not collide with an
// existing row; terminal rows must be deleted explicitly before re-spawn.
func (r *Registry) CreateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	if agent.BlockedBy == nil {
		agent.BlockedBy = models.IntSet{}
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (:agent_id, :role, :status, :issue_number, :pr_number, :session_id,
			:branch, :worktree_path, :turn_count, :tool_call_count, :iteration_count,
			:active_since, :sleeping_since, :blocked_by, :updated_at)`, agent)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAgentExists, agent.ID)
		}
		return fmt.Errorf("inserting agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent fetches one agent row by id.
func (r *Registry) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.GetContext(ctx, &agent,
		r.rebind(`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent %s: %w", id, err)
	}
	return &agent, nil
}

// UpdateAgent persists all mutable fields atomically. A terminal row can
// only be updated while it stays terminal; reviving it returns
// ErrTerminalAgent without mutation.
func (r *Registry) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.AgentStatus
	err = tx.GetContext(ctx, &current,
		r.rebind(`SELECT status FROM agents WHERE agent_id = ?`), agent.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agent.ID)
	}
	if err != nil {
		return fmt.Errorf("querying agent %s: %w", agent.ID, err)
	}
	if current.Terminal() && !agent.Status.Terminal() {
		return fmt.Errorf("%w: %s (%s)", ErrTerminalAgent, agent.ID, current)
	}

	agent.UpdatedAt = time.Now().UTC()
	if agent.BlockedBy == nil {
		agent.BlockedBy = models.IntSet{}
	}
	_, err = tx.NamedExecContext(ctx, `
		UPDATE agents SET
			role = :role,
			status = :status,
			issue_number = :issue_number,
			pr_number = :pr_number,
			session_id = :session_id,
			branch = :branch,
			worktree_path = :worktree_path,
			turn_count = :turn_count,
			tool_call_count = :tool_call_count,
			iteration_count = :iteration_count,
			active_since = :active_since,
			sleeping_since = :sleeping_since,
			blocked_by = :blocked_by,
			updated_at = :updated_at
		WHERE agent_id = :agent_id`, agent)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", agent.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent update: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent row by id. Deleting a missing row is a no-op.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM agents WHERE agent_id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	return nil
}

// ListAgents returns every agent row.
func (r *Registry) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := r.db.SelectContext(ctx, &agents,
		`SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// ListAgentsByStatus returns agents in any of the given statuses.
func (r *Registry) ListAgentsByStatus(ctx context.Context, statuses ...models.AgentStatus) ([]models.Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	var agents []models.Agent
	err := r.db.SelectContext(ctx, &agents,
		r.rebind(`SELECT `+agentColumns+` FROM agents WHERE status IN (`+placeholders+`) ORDER BY agent_id`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents by status: %w", err)
	}
	return agents, nil
}

// FindNonTerminalAgent returns the non-terminal agent for (role, issue), or
// nil when none exists. This backs the duplicate-spawn guard.
func (r *Registry) FindNonTerminalAgent(ctx context.Context, role string, issueNumber int) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.GetContext(ctx, &agent, r.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND issue_number = ? AND status IN (?, ?, ?)
		LIMIT 1`),
		role, issueNumber,
		models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusSleeping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent for role %s issue %d: %w", role, issueNumber, err)
	}
	return &agent, nil
}

// FindNonTerminalAgentByRole returns any non-terminal agent of the role,
// regardless of issue. This backs the singleton guard.
func (r *Registry) FindNonTerminalAgentByRole(ctx context.Context, role string) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.GetContext(ctx, &agent, r.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND status IN (?, ?, ?)
		LIMIT 1`),
		role,
		models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusSleeping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent for role %s: %w", role, err)
	}
	return &agent, nil
}

// UpdateAgentToolCalls persists just the tool-call counter. The circuit
// breaker calls this on its persistence cadence; touching only the counter
// column keeps it off the lifecycle manager's full-row writes.
func (r *Registry) UpdateAgentToolCalls(ctx context.Context, id string, count int) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE agents SET tool_call_count = ?, updated_at = ? WHERE agent_id = ?`),
		count, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tool call count for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}

// isUniqueViolation matches unique-constraint errors from both drivers
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
