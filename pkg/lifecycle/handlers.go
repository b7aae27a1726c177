package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
)

// RegisterHandlers subscribes the lifecycle manager to the canonical event
// stream. Pipeline and review-policy handlers register separately.
func (m *Manager) RegisterHandlers(r *events.Router) {
	r.On(models.EventIssueOpened, m.HandleTriggerEvent)
	r.On(models.EventIssueAssigned, m.HandleTriggerEvent)
	r.On(models.EventIssueLabeled, m.HandleTriggerEvent)
	r.On(models.EventPROpened, m.HandleTriggerEvent)
	r.On(models.EventIssueClosed, m.HandleIssueClosed)
	r.On(models.EventIssueComment, m.HandleComment)
	r.On(models.EventPRReviewComment, m.HandleComment)
	r.On(models.EventPRReviewSubmitted, m.HandleReview)
	r.On(models.EventPRSynchronize, m.HandleBoundEvent)
	r.On(models.EventPRClosed, m.HandlePRClosed)
}

// HandleTriggerEvent walks the configured role triggers for the event type
// and applies the matching lifecycle actions.
func (m *Manager) HandleTriggerEvent(ctx context.Context, event models.Event) error {
	var firstErr error
	for role, trig := range m.cfg.RoleRegistry.TriggersFor(string(event.Type)) {
		if !triggerMatches(trig, event) {
			continue
		}
		if err := m.applyTrigger(ctx, role, trig, event); err != nil {
			m.logger.Error("trigger action failed", "role", role,
				"action", trig.Action, "type", event.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) applyTrigger(ctx context.Context, role string, trig config.TriggerConfig, event models.Event) error {
	number := event.IssueNumber
	if number == 0 {
		number = event.PRNumber
	}

	switch trig.Action {
	case config.TriggerSpawn:
		_, err := m.CreateAgent(ctx, role, number, event, "")
		return err

	case config.TriggerWake:
		agent, err := m.reg.FindNonTerminalAgent(ctx, role, number)
		if err != nil || agent == nil {
			return err
		}
		return m.deliverToAgent(ctx, agent, event)

	case config.TriggerComplete:
		agent, err := m.reg.FindNonTerminalAgent(ctx, role, number)
		if err != nil || agent == nil {
			return err
		}
		return m.CompleteAgent(ctx, agent.ID)

	case config.TriggerSleep:
		agent, err := m.reg.FindNonTerminalAgent(ctx, role, number)
		if err != nil || agent == nil {
			return err
		}
		if agent.Status != models.AgentStatusActive {
			return nil
		}
		return m.RequestSleep(ctx, agent.ID)
	}
	return fmt.Errorf("unknown trigger action %q for role %s", trig.Action, role)
}

// HandleIssueClosed completes agents working the closed issue and unblocks
// agents that were waiting on it.
func (m *Manager) HandleIssueClosed(ctx context.Context, event models.Event) error {
	agents, err := m.reg.ListAgentsByStatus(ctx,
		models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusSleeping)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.IssueNumber != nil && *agent.IssueNumber == event.IssueNumber {
			if err := m.CompleteAgent(ctx, agent.ID); err != nil {
				m.logger.Error("completing agent for closed issue",
					"agent_id", agent.ID, "error", err)
			}
		}
	}
	return m.unblockWaiters(ctx, event.IssueNumber)
}

// unblockWaiters clears the resolved blocker from every waiting agent and
// wakes the ones with nothing left to wait for.
func (m *Manager) unblockWaiters(ctx context.Context, issueNumber int) error {
	blocked, err := m.reg.AgentsBlockedBy(ctx, issueNumber)
	if err != nil {
		return err
	}
	for _, agent := range blocked {
		if err := m.reg.RemoveBlocker(ctx, agent.ID, issueNumber); err != nil {
			m.logger.Error("removing blocker", "agent_id", agent.ID,
				"blocker", issueNumber, "error", err)
			continue
		}
		current, err := m.reg.GetAgent(ctx, agent.ID)
		if err != nil {
			continue
		}
		if current.Blocked() || current.Status != models.AgentStatusSleeping {
			continue
		}
		wake := models.Event{
			Type:        models.EventBlockerResolved,
			DeliveryID:  fmt.Sprintf("blocker-%d-%s", issueNumber, agent.ID),
			IssueNumber: issueNumber,
		}
		if err := m.WakeAgent(ctx, agent.ID, wake); err != nil && !errors.Is(err, ErrAgentNotSleeping) {
			m.logger.Error("waking unblocked agent", "agent_id", agent.ID, "error", err)
		}
	}
	return nil
}

// HandleComment routes a comment: directives go through the command handler,
// everything else is delivered to the agents bound to the thread. The bot's
// own non-directive comments are ignored.
func (m *Manager) HandleComment(ctx context.Context, event models.Event) error {
	if event.Command != nil {
		return m.HandleCommand(ctx, event)
	}
	if event.Sender == m.cfg.Project.BotUsername {
		return nil
	}
	return m.HandleBoundEvent(ctx, event)
}

// HandleReview delivers a submitted review to the agent owning the PR.
// Approval bookkeeping lives in the review-policy handler.
func (m *Manager) HandleReview(ctx context.Context, event models.Event) error {
	return m.HandleBoundEvent(ctx, event)
}

// HandlePRClosed completes agents bound to the closed PR.
func (m *Manager) HandlePRClosed(ctx context.Context, event models.Event) error {
	agents, err := m.reg.ListAgentsByStatus(ctx,
		models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusSleeping)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.PRNumber != nil && *agent.PRNumber == event.PRNumber {
			if err := m.CompleteAgent(ctx, agent.ID); err != nil {
				m.logger.Error("completing agent for closed PR",
					"agent_id", agent.ID, "error", err)
			}
		}
	}
	return nil
}

// HandleBoundEvent delivers an event to every non-terminal agent bound to
// its issue or PR: sleeping agents wake, active agents get it in their inbox.
func (m *Manager) HandleBoundEvent(ctx context.Context, event models.Event) error {
	agents, err := m.reg.ListAgentsByStatus(ctx,
		models.AgentStatusActive, models.AgentStatusSleeping)
	if err != nil {
		return err
	}
	var firstErr error
	for _, agent := range agents {
		if !agentBound(&agent, event) {
			continue
		}
		if err := m.deliverToAgent(ctx, &agent, event); err != nil {
			m.logger.Error("delivering event", "agent_id", agent.ID,
				"type", event.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// deliverToAgent wakes a sleeping agent with the event as trigger, or queues
// it in an active agent's inbox. An active agent idle between turns resumes
// immediately; one mid-turn picks the inbox up on its next turn.
func (m *Manager) deliverToAgent(ctx context.Context, agent *models.Agent, event models.Event) error {
	switch agent.Status {
	case models.AgentStatusSleeping:
		err := m.WakeAgent(ctx, agent.ID, event)
		if errors.Is(err, ErrAgentNotSleeping) {
			m.store.PushEvent(agent.ID, event)
			return nil
		}
		return err
	case models.AgentStatusActive, models.AgentStatusCreated:
		m.store.PushEvent(agent.ID, event)
		m.resumeActive(ctx, agent.ID)
		return nil
	default:
		return nil
	}
}

func agentBound(agent *models.Agent, event models.Event) bool {
	if event.PRNumber != 0 && agent.PRNumber != nil && *agent.PRNumber == event.PRNumber {
		return true
	}
	if event.IssueNumber != 0 && agent.IssueNumber != nil && *agent.IssueNumber == event.IssueNumber {
		return true
	}
	return false
}

// triggerMatches applies the trigger's label filter and condition map.
func triggerMatches(trig config.TriggerConfig, event models.Event) bool {
	if trig.Label != "" {
		if event.Type == models.EventIssueLabeled {
			if event.Payload.Label != trig.Label {
				return false
			}
		} else if !hasLabel(event.Payload.Labels, trig.Label) {
			return false
		}
	}
	for key, want := range trig.Condition {
		switch key {
		case "label":
			s, _ := want.(string)
			if event.Payload.Label != s && !hasLabel(event.Payload.Labels, s) {
				return false
			}
		case "base_branch":
			s, _ := want.(string)
			if event.Payload.BaseBranch != s {
				return false
			}
		case "sender":
			s, _ := want.(string)
			if event.Sender != s {
				return false
			}
		}
	}
	return true
}
