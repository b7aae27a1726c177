package registry

import (
	"context"
	"fmt"

	"github.com/squadron-hq/squadron/pkg/models"
)

// AddBlocker records that the agent is blocked on the given issue. The
// addition is rejected with ErrBlockerCycle if it would create a cycle in
// the blocks-on graph (agent A waits on an issue whose agent transitively
// waits on A's issue).
func (r *Registry) AddBlocker(ctx context.Context, agentID string, issueNumber int) error {
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.BlockedBy.Has(issueNumber) {
		return nil
	}

	agents, err := r.ListAgents(ctx)
	if err != nil {
		return err
	}
	if wouldCycle(agents, agent, issueNumber) {
		return fmt.Errorf("%w: agent %s on issue %d", ErrBlockerCycle, agentID, issueNumber)
	}

	updated := models.NewIntSet(agent.BlockedBy.Values()...)
	updated[issueNumber] = struct{}{}
	agent.BlockedBy = updated
	return r.UpdateAgent(ctx, agent)
}

// RemoveBlocker clears one blocker from the agent. Removing a blocker that
// is not present is a no-op.
func (r *Registry) RemoveBlocker(ctx context.Context, agentID string, issueNumber int) error {
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !agent.BlockedBy.Has(issueNumber) {
		return nil
	}
	updated := models.NewIntSet(agent.BlockedBy.Values()...)
	delete(updated, issueNumber)
	agent.BlockedBy = updated
	return r.UpdateAgent(ctx, agent)
}

// AgentsBlockedBy returns every agent whose blocked_by set contains the
// issue. Drives the unblock path when the issue closes.
func (r *Registry) AgentsBlockedBy(ctx context.Context, issueNumber int) ([]models.Agent, error) {
	agents, err := r.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var blocked []models.Agent
	for _, a := range agents {
		if a.BlockedBy.Has(issueNumber) {
			blocked = append(blocked, a)
		}
	}
	return blocked, nil
}

// wouldCycle runs a DFS over the blocks-on graph starting from the issue
// being added, looking for a path back to any issue the requesting agent is
// working on. Edges: issue → agents working on it → issues those agents are
// blocked by.
func wouldCycle(agents []models.Agent, requester *models.Agent, issueNumber int) bool {
	if requester.IssueNumber == nil {
		return false
	}

	byIssue := make(map[int][]*models.Agent)
	for i := range agents {
		a := &agents[i]
		if a.IssueNumber != nil {
			byIssue[*a.IssueNumber] = append(byIssue[*a.IssueNumber], a)
		}
	}

	target := *requester.IssueNumber
	visited := make(map[int]bool)
	stack := []int{issueNumber}
	for len(stack) > 0 {
		issue := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if issue == target {
			return true
		}
		if visited[issue] {
			continue
		}
		visited[issue] = true
		for _, owner := range byIssue[issue] {
			// Include the pending addition so self-blocking is caught too.
			if owner.ID == requester.ID {
				continue
			}
			stack = append(stack, owner.BlockedBy.Values()...)
		}
	}
	return false
}
