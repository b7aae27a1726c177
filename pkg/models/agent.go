// Package models defines the domain records persisted by the registry.
package models

import "time"

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

// Agent status values.
const (
	AgentStatusCreated   AgentStatus = "created"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSleeping  AgentStatus = "sleeping"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusEscalated AgentStatus = "escalated"
	AgentStatusFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is terminal. Terminal agents never
// transition back to a non-terminal status; re-spawn requires deleting the
// row first.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusEscalated, AgentStatusFailed:
		return true
	}
	return false
}

// Agent is a bounded LLM session coupled to a branch/worktree, driven by a
// role definition and bound to an issue (and optionally a PR).
type Agent struct {
	ID             string      `db:"agent_id" json:"agent_id"`
	Role           string      `db:"role" json:"role"`
	Status         AgentStatus `db:"status" json:"status"`
	IssueNumber    *int        `db:"issue_number" json:"issue_number,omitempty"`
	PRNumber       *int        `db:"pr_number" json:"pr_number,omitempty"`
	SessionID      *string     `db:"session_id" json:"session_id,omitempty"`
	Branch         string      `db:"branch" json:"branch"`
	WorktreePath   string      `db:"worktree_path" json:"worktree_path"`
	TurnCount      int         `db:"turn_count" json:"turn_count"`
	ToolCallCount  int         `db:"tool_call_count" json:"tool_call_count"`
	IterationCount int         `db:"iteration_count" json:"iteration_count"`
	ActiveSince    *time.Time  `db:"active_since" json:"active_since,omitempty"`
	SleepingSince  *time.Time  `db:"sleeping_since" json:"sleeping_since,omitempty"`
	BlockedBy      IntSet      `db:"blocked_by" json:"blocked_by"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// Blocked reports whether the agent is waiting on at least one issue.
func (a *Agent) Blocked() bool {
	return len(a.BlockedBy) > 0
}
