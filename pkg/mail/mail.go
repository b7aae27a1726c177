// Package mail implements the two per-agent delivery structures: the mail
// queue drained into the next prompt, and the inbox drained by the agent
// through its check_for_events tool. Writers are the event router and the
// command routing path; each agent has a single reader. A message lives in
// exactly one place: pushed mail is either still queued or already drained
// into a prompt, never both.
package mail

import (
	"fmt"
	"strings"
	"sync"

	"github.com/squadron-hq/squadron/pkg/models"
)

// Store holds the mail queues and inboxes for all agents, keyed by agent id.
type Store struct {
	mu      sync.Mutex
	mail    map[string][]models.Mail
	inboxes map[string][]models.Event
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		mail:    make(map[string][]models.Mail),
		inboxes: make(map[string][]models.Event),
	}
}

// Register creates empty structures for an agent. Called before the registry
// insert so events arriving mid-spawn have somewhere to land.
func (s *Store) Register(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mail[agentID]; !ok {
		s.mail[agentID] = nil
	}
	if _, ok := s.inboxes[agentID]; !ok {
		s.inboxes[agentID] = nil
	}
}

// Registered reports whether the agent has delivery structures.
func (s *Store) Registered(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mail[agentID]
	return ok
}

// Remove drops both structures for an agent, returning whatever was still
// pending. Callers decide whether pending events get re-issued.
func (s *Store) Remove(agentID string) (pendingMail []models.Mail, pendingEvents []models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pendingMail = s.mail[agentID]
	pendingEvents = s.inboxes[agentID]
	delete(s.mail, agentID)
	delete(s.inboxes, agentID)
	return pendingMail, pendingEvents
}

// PushMail appends a message to the agent's mail queue.
func (s *Store) PushMail(agentID string, m models.Mail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mail[agentID] = append(s.mail[agentID], m)
}

// DrainMail removes and returns all queued mail for the agent, in arrival
// order. The caller owns the returned messages; they will not be returned
// again.
func (s *Store) DrainMail(agentID string) []models.Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.mail[agentID]
	if _, ok := s.mail[agentID]; ok {
		s.mail[agentID] = nil
	}
	return drained
}

// MailCount returns the number of queued messages for the agent.
func (s *Store) MailCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mail[agentID])
}

// PushEvent appends an event to the agent's inbox.
func (s *Store) PushEvent(agentID string, event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxes[agentID] = append(s.inboxes[agentID], event)
}

// DrainEvents removes and returns all inbox events for the agent.
func (s *Store) DrainEvents(agentID string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.inboxes[agentID]
	if _, ok := s.inboxes[agentID]; ok {
		s.inboxes[agentID] = nil
	}
	return drained
}

// EventCount returns the number of pending inbox events for the agent.
func (s *Store) EventCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inboxes[agentID])
}

// FormatMailSection renders drained mail as the "Inbound Messages" block
// prepended to the agent's next prompt. Returns "" for no mail.
func FormatMailSection(msgs []models.Mail) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Inbound Messages\n\n")
	fmt.Fprintf(&b, "You received %d message(s) while working:\n\n", len(msgs))
	for i, m := range msgs {
		where := fmt.Sprintf("issue #%d", m.IssueNumber)
		if m.Origin == models.MailOriginPRComment {
			where = fmt.Sprintf("PR #%d", m.PRNumber)
		}
		fmt.Fprintf(&b, "%d. From @%s on %s:\n   %s\n", i+1, m.Sender, where,
			strings.ReplaceAll(m.Body, "\n", "\n   "))
	}
	b.WriteString("\nAddress these before continuing your current task.\n")
	return b.String()
}

// FormatEventSummary renders drained inbox events as the human-readable
// summary returned by the check_for_events tool.
func FormatEventSummary(events []models.Event) string {
	if len(events) == 0 {
		return "No new events."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d new event(s):\n", len(events))
	for i, e := range events {
		fmt.Fprintf(&b, "%d. %s", i+1, e.Type)
		if e.IssueNumber != 0 {
			fmt.Fprintf(&b, " (issue #%d)", e.IssueNumber)
		} else if e.PRNumber != 0 {
			fmt.Fprintf(&b, " (PR #%d)", e.PRNumber)
		}
		if e.Sender != "" {
			fmt.Fprintf(&b, " by @%s", e.Sender)
		}
		if e.Payload.Comment != "" {
			fmt.Fprintf(&b, ": %s", firstLine(e.Payload.Comment))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
