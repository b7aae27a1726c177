package models

import "time"

// MailOrigin tags where a mail message came from.
type MailOrigin string

// Mail origins.
const (
	MailOriginIssueComment MailOrigin = "issue_comment"
	MailOriginPRComment    MailOrigin = "pr_comment"
)

// Mail is a message pushed directly into an active agent's next prompt.
type Mail struct {
	Sender      string     `json:"sender"`
	Body        string     `json:"body"`
	Origin      MailOrigin `json:"origin"`
	IssueNumber int        `json:"issue_number,omitempty"`
	PRNumber    int        `json:"pr_number,omitempty"`
	CommentID   int64      `json:"comment_id,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
}
