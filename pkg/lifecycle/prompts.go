package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/mail"
	"github.com/squadron-hq/squadron/pkg/models"
)

// buildSystemPrompt interpolates the role's agent definition with the
// concrete agent's coordinates.
func (m *Manager) buildSystemPrompt(roleCfg *config.RoleConfig, agent *models.Agent) string {
	issue, pr := "", ""
	if agent.IssueNumber != nil {
		issue = strconv.Itoa(*agent.IssueNumber)
	}
	if agent.PRNumber != nil {
		pr = strconv.Itoa(*agent.PRNumber)
	}
	replacer := strings.NewReplacer(
		"{agent_id}", agent.ID,
		"{role}", agent.Role,
		"{issue_number}", issue,
		"{pr_number}", pr,
		"{branch}", agent.Branch,
		"{project}", m.cfg.Project.Name,
		"{repo}", m.cfg.Project.Repo,
		"{default_branch}", m.cfg.Project.DefaultBranch,
	)
	return replacer.Replace(roleCfg.AgentDefinition)
}

// buildFreshPrompt is the first prompt of a newly spawned agent: the
// triggering issue in full plus the working contract.
func (m *Manager) buildFreshPrompt(roleCfg *config.RoleConfig, agent *models.Agent, trigger models.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s agent for this task.\n\n", agent.Role)
	if agent.IssueNumber != nil {
		fmt.Fprintf(&b, "## Issue #%d: %s\n\n", *agent.IssueNumber, trigger.Payload.Title)
		if trigger.Payload.Body != "" {
			fmt.Fprintf(&b, "%s\n\n", trigger.Payload.Body)
		}
		if len(trigger.Payload.Labels) > 0 {
			fmt.Fprintf(&b, "Labels: %s\n\n", strings.Join(trigger.Payload.Labels, ", "))
		}
	}
	if agent.PRNumber != nil {
		fmt.Fprintf(&b, "An open pull request #%d already exists for this issue.\n\n", *agent.PRNumber)
	}
	if trigger.Command != nil && trigger.Command.Message != "" {
		fmt.Fprintf(&b, "## Operator Instruction\n\n%s\n\n", trigger.Command.Message)
	}

	fmt.Fprintf(&b, "Work on branch `%s`.\n", agent.Branch)
	b.WriteString(promptContract)
	return b.String()
}

// buildWakePrompt resumes a sleeping agent: what woke it, and where to look
// for accumulated context.
func (m *Manager) buildWakePrompt(agent *models.Agent, trigger models.Event) string {
	var b strings.Builder
	b.WriteString("## Session Resumed\n\n")
	fmt.Fprintf(&b, "You were woken by: %s\n\n", describeEvent(trigger))

	switch trigger.Type {
	case models.EventPRReviewSubmitted, models.EventPRReviewComment:
		b.WriteString("Review feedback arrived while you were asleep. " +
			"Call `get_pr_feedback` to read the full review before making changes.\n\n")
	case models.EventBlockerResolved:
		fmt.Fprintf(&b, "A blocking issue was resolved. Remaining blockers: %v\n\n",
			agent.BlockedBy.Values())
	}

	if n := m.store.EventCount(agent.ID); n > 0 {
		fmt.Fprintf(&b, "%d event(s) accumulated while you were asleep. "+
			"Call `check_for_events` to see them.\n\n", n)
	}
	b.WriteString("Continue from where you left off.")
	return b.String()
}

// buildResumePrompt starts an on-demand turn for an active agent whose
// deliveries arrived between turns. Pending mail is prepended by the turn
// runner.
func (m *Manager) buildResumePrompt(events []models.Event) string {
	var b strings.Builder
	b.WriteString("## New Activity\n\n")
	if len(events) > 0 {
		b.WriteString(mail.FormatEventSummary(events))
		b.WriteString("\n\n")
	}
	b.WriteString("Review the messages and events above and continue your work.")
	return b.String()
}

// buildWorkflowPrompt is the first prompt of a pipeline-spawned agent.
func (m *Manager) buildWorkflowPrompt(roleCfg *config.RoleConfig, agent *models.Agent, action string, continueSession bool) string {
	var b strings.Builder
	if continueSession {
		b.WriteString("## Pipeline Stage (continued session)\n\n")
	} else {
		b.WriteString("## Pipeline Stage\n\n")
	}
	if agent.IssueNumber != nil {
		fmt.Fprintf(&b, "Issue: #%d\n", *agent.IssueNumber)
	}
	if agent.PRNumber != nil {
		fmt.Fprintf(&b, "Pull request: #%d\n", *agent.PRNumber)
	}
	fmt.Fprintf(&b, "\n%s\n", action)
	b.WriteString("\nWhen the task is done, call `report_complete`. " +
		"If you cannot finish, explain why before stopping.")
	return b.String()
}

// promptContract is the standing instruction block appended to fresh prompts.
const promptContract = `
When you finish, call ` + "`report_complete`" + `.
If you are blocked on another issue, call ` + "`report_blocked`" + ` with its number.
If you are waiting on something external (CI, a review), call ` + "`request_sleep`" + `.
Call ` + "`check_for_events`" + ` at any time to see what happened since your last turn.
`

func describeEvent(event models.Event) string {
	switch event.Type {
	case models.EventPRReviewSubmitted:
		return fmt.Sprintf("a %s review on PR #%d", event.Payload.ReviewState, event.PRNumber)
	case models.EventPRReviewComment:
		return fmt.Sprintf("a review comment on PR #%d", event.PRNumber)
	case models.EventIssueComment:
		sender := event.Sender
		if sender == "" {
			sender = "someone"
		}
		return fmt.Sprintf("a comment from %s on #%d: %s", sender, event.IssueNumber,
			firstLine(event.Payload.Comment))
	case models.EventPRSynchronize:
		return fmt.Sprintf("new commits on PR #%d", event.PRNumber)
	case models.EventBlockerResolved:
		return fmt.Sprintf("issue #%d closing", event.IssueNumber)
	case models.EventIssueLabeled:
		return fmt.Sprintf("label %q added to #%d", event.Payload.Label, event.IssueNumber)
	default:
		return string(event.Type)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
