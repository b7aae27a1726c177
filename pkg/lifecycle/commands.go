package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// HandleCommand processes a parsed "@bot <role>: <message>" directive from a
// comment. Help and unknown-role replies go back to the thread; valid
// directives spawn, wake, or mail the target role's agent.
func (m *Manager) HandleCommand(ctx context.Context, event models.Event) error {
	cmd := event.Command
	if cmd == nil {
		return nil
	}
	number := event.IssueNumber
	if number == 0 {
		number = event.PRNumber
	}

	if cmd.Help {
		return m.postHelp(ctx, number)
	}

	roleCfg, ok := m.cfg.AgentRoles[cmd.Role]
	if !ok {
		roles := make([]string, 0, len(m.cfg.AgentRoles))
		for name := range m.cfg.AgentRoles {
			roles = append(roles, "`"+name+"`")
		}
		sort.Strings(roles)
		body := m.signBody(fmt.Sprintf("Unknown role `%s`. Available roles: %s.",
			cmd.Role, strings.Join(roles, ", ")))
		if _, err := m.api.CreateComment(ctx, number, body); err != nil {
			return fmt.Errorf("replying to unknown role command: %w", err)
		}
		return nil
	}

	// Agent-authored commands may message other roles but never spawn or
	// address their own role; that is how command loops start.
	if event.Sender == m.cfg.Project.BotUsername {
		if self, err := m.reg.FindNonTerminalAgent(ctx, cmd.Role, number); err != nil {
			return err
		} else if self != nil && self.Status == models.AgentStatusActive {
			m.logger.Warn("dropping self-addressed command",
				"role", cmd.Role, "issue", number)
			return nil
		}
	}

	mailMsg := models.Mail{
		Sender:      event.Sender,
		Body:        cmd.Message,
		Origin:      models.MailOriginIssueComment,
		IssueNumber: event.IssueNumber,
		PRNumber:    event.PRNumber,
		CommentID:   event.Payload.CommentID,
		ReceivedAt:  time.Now().UTC(),
	}
	if event.PRNumber != 0 && event.IssueNumber == 0 {
		mailMsg.Origin = models.MailOriginPRComment
	}

	// Singleton ephemeral roles run one agent globally; an active one gets
	// the directive as mail, otherwise a fresh agent spawns for it.
	if roleCfg.Singleton && roleCfg.Lifecycle == config.LifecycleEphemeral {
		if existing, err := m.reg.FindNonTerminalAgentByRole(ctx, cmd.Role); err != nil {
			return err
		} else if existing != nil && existing.Status == models.AgentStatusActive {
			m.store.PushMail(existing.ID, mailMsg)
			m.logger.Info("command delivered as mail", "agent_id", existing.ID, "sender", event.Sender)
			m.resumeActive(ctx, existing.ID)
			return nil
		}
		_, err := m.CreateAgent(ctx, cmd.Role, number, event, "")
		return err
	}

	existing, err := m.reg.FindNonTerminalAgent(ctx, cmd.Role, number)
	if err != nil {
		return err
	}
	switch {
	case existing == nil:
		_, err := m.CreateAgent(ctx, cmd.Role, number, event, "")
		return err
	case existing.Status == models.AgentStatusSleeping:
		m.store.PushMail(existing.ID, mailMsg)
		return m.WakeAgent(ctx, existing.ID, event)
	case existing.Status == models.AgentStatusActive:
		m.store.PushMail(existing.ID, mailMsg)
		m.logger.Info("command delivered as mail", "agent_id", existing.ID, "sender", event.Sender)
		m.resumeActive(ctx, existing.ID)
		return nil
	default:
		m.logger.Info("command ignored, agent in transition",
			"agent_id", existing.ID, "status", existing.Status)
		return nil
	}
}

// postHelp replies with the role table.
func (m *Manager) postHelp(ctx context.Context, number int) error {
	names := make([]string, 0, len(m.cfg.AgentRoles))
	for name := range m.cfg.AgentRoles {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n\n")
	b.WriteString("| Role | Lifecycle | Description |\n")
	b.WriteString("|------|-----------|-------------|\n")
	for _, name := range names {
		roleCfg := m.cfg.AgentRoles[name]
		desc := roleCfg.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", name, roleCfg.Lifecycle, desc)
	}
	fmt.Fprintf(&b, "\nAddress a role with `@%s <role>: <instruction>`.",
		m.cfg.Project.BotUsername)

	if _, err := m.api.CreateComment(ctx, number, m.signBody(b.String())); err != nil {
		return fmt.Errorf("posting help: %w", err)
	}
	return nil
}
