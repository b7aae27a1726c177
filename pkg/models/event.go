package models

// EventType identifies a canonical internal event. The set is closed;
// unknown raw webhook events normalize to EventTypeUnknown and are dropped
// by the router.
type EventType string

// Canonical event types.
const (
	EventIssueOpened       EventType = "issues.opened"
	EventIssueAssigned     EventType = "issues.assigned"
	EventIssueClosed       EventType = "issues.closed"
	EventIssueLabeled      EventType = "issues.labeled"
	EventIssueComment      EventType = "issue_comment.created"
	EventPROpened          EventType = "pull_request.opened"
	EventPRSynchronize     EventType = "pull_request.synchronize"
	EventPRClosed          EventType = "pull_request.closed"
	EventPRReviewSubmitted EventType = "pull_request_review.submitted"
	EventPRReviewComment   EventType = "pull_request_review_comment.created"
	EventWakeAgent         EventType = "agent.wake"
	EventBlockerResolved   EventType = "agent.blocker_resolved"
	EventWorkflowInternal  EventType = "workflow.internal"
	EventTypeUnknown       EventType = ""
)

// Review states carried by pull_request_review.submitted events.
const (
	ReviewStateApproved         = "approved"
	ReviewStateChangesRequested = "changes_requested"
	ReviewStateCommented        = "commented"
)

// Command is a parsed "@bot <role>: <message>" directive from a comment.
type Command struct {
	Role    string `json:"role"`
	Message string `json:"message"`
	Help    bool   `json:"help"`
}

// EventPayload carries the structured details extracted from the raw
// webhook payload. Fields are populated only where the event type makes
// them meaningful.
type EventPayload struct {
	Title       string   `json:"title,omitempty"`
	Body        string   `json:"body,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Label       string   `json:"label,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	CommentID   int64    `json:"comment_id,omitempty"`
	ReviewID    int64    `json:"review_id,omitempty"`
	ReviewState string   `json:"review_state,omitempty"`
	ReviewBody  string   `json:"review_body,omitempty"`
	Path        string   `json:"path,omitempty"`
	BaseBranch  string   `json:"base_branch,omitempty"`
	Merged      bool     `json:"merged,omitempty"`
	Branch      string   `json:"branch,omitempty"`
}

// Event is the canonical internal representation of a platform webhook or
// an internally generated stimulus. IssueNumber/PRNumber of 0 mean absent.
type Event struct {
	Type        EventType    `json:"type"`
	DeliveryID  string       `json:"delivery_id"`
	IssueNumber int          `json:"issue_number,omitempty"`
	PRNumber    int          `json:"pr_number,omitempty"`
	Sender      string       `json:"sender,omitempty"`
	Payload     EventPayload `json:"payload"`
	Command     *Command     `json:"command,omitempty"`
}
