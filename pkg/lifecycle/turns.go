package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/squadron-hq/squadron/pkg/agentsession"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/mail"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
	"github.com/squadron-hq/squadron/pkg/watchdog"
)

// runTurn executes one prompt/turn exchange and drives the post-turn state
// machine. Runs on its own goroutine; one turn per agent at a time.
func (m *Manager) runTurn(ctx context.Context, agentID, prompt string) {
	rt := m.runtime(agentID)
	if rt == nil {
		m.logger.Warn("turn requested for agent without runtime", "agent_id", agentID)
		return
	}

	// Pending mail is prepended to every prompt; once drained it exists
	// only in the prompt.
	if section := mail.FormatMailSection(m.store.DrainMail(agentID)); section != "" {
		prompt = section + "\n" + prompt
	}

	limits := m.cfg.CircuitBreakers.ForRole(rt.role)
	maxActive := limits.MaxActiveDuration.Std()

	turnCtx, cancel := context.WithCancel(ctx)
	turnDone := make(chan struct{})
	m.mu.Lock()
	rt.cancelTurn = cancel
	rt.turnDone = turnDone
	m.mu.Unlock()

	wd := watchdog.NewWatchdog(agentID, maxActive, cancel, turnDone,
		func(reason string) { m.escalateAgent(context.WithoutCancel(ctx), agentID, reason) },
		m.logger)
	m.mu.Lock()
	rt.wd = wd
	m.mu.Unlock()
	wd.Start(ctx)

	result, turnErr := rt.session.SendPromptAndAwaitTurn(turnCtx, prompt, maxActive)
	close(turnDone)
	cancel()

	m.mu.Lock()
	rt.cancelTurn = nil
	rt.turnDone = nil
	m.mu.Unlock()
	wd.Stop()

	rt.breaker.Flush(context.WithoutCancel(ctx))
	m.postTurn(context.WithoutCancel(ctx), rt, result, turnErr)

	// Deliveries that arrived during the turn or the post-turn window get
	// their own turn now instead of waiting for the next external stimulus.
	m.releaseTurn(agentID)
	m.resumeActive(context.WithoutCancel(ctx), agentID)
}

// resumeActive runs an on-demand turn for an ACTIVE agent with pending mail
// or inbox events. A no-op when the agent is not ACTIVE, has no live
// runtime, already has a turn in flight, or has nothing pending.
func (m *Manager) resumeActive(ctx context.Context, agentID string) {
	if m.store.MailCount(agentID) == 0 && m.store.EventCount(agentID) == 0 {
		return
	}
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil || agent.Status != models.AgentStatusActive {
		return
	}
	if !m.claimTurn(agentID) {
		return
	}
	events := m.store.DrainEvents(agentID)
	m.logger.Info("agent resumed for pending deliveries",
		"agent_id", agentID, "events", len(events))
	go m.runTurn(ctx, agentID, m.buildResumePrompt(events))
}

// postTurn re-reads the persisted agent record, increments the turn counter,
// and dispatches on the status the turn left behind. Tools mutate status
// through the registry, so the machine dispatches on persisted state rather
// than on error kinds.
func (m *Manager) postTurn(ctx context.Context, rt *agentRuntime, result *agentsession.TurnResult, turnErr error) {
	agentID := rt.agentID
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		m.logger.Error("post-turn read failed", "agent_id", agentID, "error", err)
		m.teardownRuntime(agentID)
		return
	}

	agent.TurnCount++
	agent.ToolCallCount = rt.breaker.Count()
	metrics.AgentTurns.WithLabelValues(agent.Role).Inc()
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		if errors.Is(err, registry.ErrTerminalAgent) {
			// A concurrent escalation won; re-read and fall through to
			// terminal handling.
			if agent, err = m.reg.GetAgent(ctx, agentID); err != nil {
				m.teardownRuntime(agentID)
				return
			}
		} else {
			m.logger.Error("post-turn update failed", "agent_id", agentID, "error", err)
		}
	}

	if turnErr != nil && !agent.Status.Terminal() {
		reason := fmt.Sprintf("turn failed: %v", turnErr)
		if errors.Is(turnErr, context.Canceled) || errors.Is(turnErr, context.DeadlineExceeded) {
			reason = "max active duration exceeded"
		}
		m.escalateAgent(ctx, agentID, reason)
		agent, err = m.reg.GetAgent(ctx, agentID)
		if err != nil {
			m.teardownRuntime(agentID)
			return
		}
	}

	limits := m.cfg.CircuitBreakers.ForRole(agent.Role)
	if limits.MaxTurns > 0 && agent.TurnCount >= limits.MaxTurns && !agent.Status.Terminal() {
		m.escalateAgent(ctx, agentID, fmt.Sprintf("turn limit reached (%d)", limits.MaxTurns))
		agent, err = m.reg.GetAgent(ctx, agentID)
		if err != nil {
			m.teardownRuntime(agentID)
			return
		}
	}

	switch agent.Status {
	case models.AgentStatusSleeping:
		m.handleSleep(ctx, rt, agent)
	case models.AgentStatusCompleted:
		m.logger.Info("agent reported complete", "agent_id", agentID, "turns", agent.TurnCount)
		m.cleanupTerminal(ctx, rt, agent)
	case models.AgentStatusEscalated, models.AgentStatusFailed:
		m.cleanupTerminal(ctx, rt, agent)
	default:
		// Normal turn finish: the agent stays ACTIVE and its next turn
		// runs on demand when a relevant event arrives.
		textLen := 0
		if result != nil {
			textLen = len(result.Text)
		}
		m.logger.Info("turn finished", "agent_id", agentID,
			"turns", agent.TurnCount, "tool_calls", agent.ToolCallCount,
			"response_bytes", textLen)
	}
}

// handleSleep releases the agent's resources while preserving its session
// for a later resume. Pending mail is discarded on sleep.
func (m *Manager) handleSleep(ctx context.Context, rt *agentRuntime, agent *models.Agent) {
	if dropped := m.store.DrainMail(agent.ID); len(dropped) > 0 {
		m.logger.Info("discarding mail on sleep", "agent_id", agent.ID, "count", len(dropped))
	}

	if agent.WorktreePath != "" {
		wipCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		if err := m.git.CommitWIP(wipCtx, agent.WorktreePath,
			fmt.Sprintf("wip: %s going to sleep", agent.ID)); err != nil {
			m.logger.Warn("wip commit before sleep failed", "agent_id", agent.ID, "error", err)
		}
		cancel()
	}

	stopCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	if err := rt.session.Stop(stopCtx); err != nil {
		m.logger.Warn("stopping session for sleep", "agent_id", agent.ID, "error", err)
	}
	cancel()

	m.teardownRuntime(agent.ID)
	metrics.AgentsByStatus.WithLabelValues(string(models.AgentStatusActive)).Dec()
	metrics.AgentsByStatus.WithLabelValues(string(models.AgentStatusSleeping)).Inc()
	m.logger.Info("agent sleeping", "agent_id", agent.ID, "blocked_by", agent.BlockedBy.Values())
}

// cleanupTerminal releases everything an agent held. The branch is always
// preserved; escalated and failed agents keep it for human inspection. rt may
// be nil when the agent had no live runtime (a sleeping agent completed or
// escalated from the outside).
func (m *Manager) cleanupTerminal(ctx context.Context, rt *agentRuntime, agent *models.Agent) {
	if rt != nil && rt.session != nil {
		stopCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		if err := rt.session.Stop(stopCtx); err != nil {
			m.logger.Warn("stopping session", "agent_id", agent.ID, "error", err)
		}
		cancel()
	}
	if agent.SessionID != nil && agent.Status == models.AgentStatusCompleted {
		if err := m.runner.DeleteSession(ctx, *agent.SessionID); err != nil {
			m.logger.Warn("deleting session", "agent_id", agent.ID, "error", err)
		}
	}

	if agent.WorktreePath != "" {
		rmCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		if err := m.git.RemoveWorktree(rmCtx, agent.WorktreePath); err != nil {
			m.logger.Warn("removing worktree", "agent_id", agent.ID, "error", err)
		}
		cancel()
	}

	pendingMail, pendingEvents := m.store.Remove(agent.ID)
	if len(pendingMail) > 0 {
		m.logger.Info("discarding mail at cleanup", "agent_id", agent.ID, "count", len(pendingMail))
	}
	m.reissuePendingEvents(ctx, agent, pendingEvents)

	workflow := rt != nil && rt.workflow
	m.teardownRuntime(agent.ID)
	metrics.AgentsByStatus.WithLabelValues(string(models.AgentStatusActive)).Dec()

	if workflow && m.callbacks != nil {
		switch agent.Status {
		case models.AgentStatusCompleted:
			m.callbacks.OnAgentComplete(ctx, agent.ID, models.JSONMap{
				"turns":      agent.TurnCount,
				"tool_calls": agent.ToolCallCount,
			})
		default:
			m.callbacks.OnAgentError(ctx, agent.ID,
				fmt.Errorf("agent %s finished %s", agent.ID, agent.Status))
		}
	}
}

// reissuePendingEvents converts inbox events abandoned by a terminal
// ephemeral singleton back into spawn requests through the event sink.
func (m *Manager) reissuePendingEvents(ctx context.Context, agent *models.Agent, events []models.Event) {
	if len(events) == 0 || m.sink == nil {
		return
	}
	roleCfg, ok := m.cfg.AgentRoles[agent.Role]
	if !ok || !roleCfg.Singleton || roleCfg.Lifecycle != config.LifecycleEphemeral {
		return
	}
	for i, event := range events {
		event.DeliveryID = fmt.Sprintf("%s-reissue-%d", event.DeliveryID, i)
		if err := m.sink.Publish(ctx, event); err != nil {
			m.logger.Warn("re-issuing pending event failed",
				"agent_id", agent.ID, "type", event.Type, "error", err)
		}
	}
}

// escalateAgent transitions the agent to ESCALATED, posts the escalation
// notice exactly once, and cancels any in-flight turn. Cleanup follows via
// the post-turn machine, or immediately when no turn is running.
func (m *Manager) escalateAgent(ctx context.Context, agentID, reason string) {
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		m.logger.Error("escalation read failed", "agent_id", agentID, "error", err)
		return
	}
	if !agent.Status.Terminal() {
		agent.Status = models.AgentStatusEscalated
		if err := m.reg.UpdateAgent(ctx, agent); err != nil && !errors.Is(err, registry.ErrTerminalAgent) {
			m.logger.Error("escalation write failed", "agent_id", agentID, "error", err)
		}
	}
	metrics.AgentEscalations.WithLabelValues(escalationReason(reason)).Inc()
	m.logger.Error("agent escalated", "agent_id", agentID, "reason", reason)

	rt := m.runtime(agentID)
	if rt != nil {
		rt.escalationOnce.Do(func() {
			m.postEscalationNotice(ctx, agent, reason)
		})
	} else {
		m.postEscalationNotice(ctx, agent, reason)
	}

	m.mu.Lock()
	turnRunning := rt != nil && rt.cancelTurn != nil
	m.mu.Unlock()
	if turnRunning {
		m.cancelTurnIfRunning(agentID)
		return
	}
	m.cleanupTerminal(ctx, rt, agent)
}

func (m *Manager) postEscalationNotice(ctx context.Context, agent *models.Agent, reason string) {
	number := 0
	if agent.IssueNumber != nil {
		number = *agent.IssueNumber
	} else if agent.PRNumber != nil {
		number = *agent.PRNumber
	}
	if number == 0 {
		return
	}
	body := m.signBody(fmt.Sprintf(
		"Agent `%s` was escalated and needs human attention.\n\n**Reason:** %s\n\nIts branch `%s` is preserved.",
		agent.ID, reason, agent.Branch))
	if _, err := m.api.CreateComment(ctx, number, body); err != nil {
		m.logger.Warn("posting escalation notice failed", "agent_id", agent.ID, "error", err)
	}
}

// EscalateAgent forces an agent into ESCALATED. Used by the reconciliation
// sweep when the in-process watchdog did not get the chance to fire.
func (m *Manager) EscalateAgent(ctx context.Context, agentID, reason string) error {
	m.escalateAgent(ctx, agentID, reason)
	return nil
}

// escalateAsync is the breaker's escalation entry point. It runs on the
// hook's goroutine; escalation itself is quick (a status write and one
// comment), so it is done inline.
func (m *Manager) escalateAsync(agentID, reason string) {
	escCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	m.escalateAgent(escCtx, agentID, reason)
}

// signBody prefixes user-visible comments with the bot signature.
func (m *Manager) signBody(body string) string {
	return fmt.Sprintf("**[%s]** %s", m.cfg.Project.BotUsername, body)
}

func escalationReason(reason string) string {
	switch {
	case strings.Contains(reason, "tool call limit"):
		return "tool_call_limit"
	case strings.Contains(reason, "max active duration"):
		return "duration"
	case strings.Contains(reason, "turn limit"):
		return "turn_limit"
	default:
		return "failure"
	}
}

// ReportBlocked is the agent-facing blocking tool: records the blocker
// (rejecting cycles), transitions the agent to SLEEPING, and posts a
// comment on the agent's issue referencing the blocker.
func (m *Manager) ReportBlocked(ctx context.Context, agentID string, blockerIssue int, reason string) error {
	if err := m.reg.AddBlocker(ctx, agentID, blockerIssue); err != nil {
		return err
	}
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	agent.Status = models.AgentStatusSleeping
	agent.SleepingSince = &now
	agent.ActiveSince = nil
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	if agent.IssueNumber != nil {
		body := m.signBody(fmt.Sprintf("Blocked on #%d: %s\nSleeping until it is resolved.", blockerIssue, reason))
		if _, err := m.api.CreateComment(ctx, *agent.IssueNumber, body); err != nil {
			m.logger.Warn("posting blocker comment failed", "agent_id", agentID, "error", err)
		}
	}
	m.logger.Info("agent reported blocked", "agent_id", agentID, "blocker", blockerIssue)
	return nil
}

// ReportComplete is the agent-facing completion tool: the post-turn machine
// picks the status up and runs full cleanup.
func (m *Manager) ReportComplete(ctx context.Context, agentID string) error {
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Status = models.AgentStatusCompleted
	return m.reg.UpdateAgent(ctx, agent)
}

// RequestSleep is the agent-facing sleep tool for waiting on external
// stimulus without a named blocker.
func (m *Manager) RequestSleep(ctx context.Context, agentID string) error {
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	agent.Status = models.AgentStatusSleeping
	agent.SleepingSince = &now
	agent.ActiveSince = nil
	return m.reg.UpdateAgent(ctx, agent)
}

// CheckForEvents is the agent-facing introspection tool: drains the inbox
// and returns a human-readable summary.
func (m *Manager) CheckForEvents(agentID string) string {
	return mail.FormatEventSummary(m.store.DrainEvents(agentID))
}
