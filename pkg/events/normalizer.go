// Package events turns raw platform webhooks into canonical internal events
// and routes them to registered handlers through a single-consumer loop with
// delivery-id deduplication.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/squadron-hq/squadron/pkg/models"
)

// Raw webhook payload fragments. Only the fields the normalizer extracts are
// declared; everything else in the payload is ignored.
type rawLabel struct {
	Name string `json:"name"`
}

type rawUser struct {
	Login string `json:"login"`
}

type rawIssue struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Labels      []rawLabel `json:"labels"`
	Assignee    *rawUser   `json:"assignee"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

type rawPullRequest struct {
	Number int        `json:"number"`
	Title  string     `json:"title"`
	Body   string     `json:"body"`
	Merged bool       `json:"merged"`
	Labels []rawLabel `json:"labels"`
	Base   struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type rawComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	Path string `json:"path"`
}

type rawReview struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
	Body  string `json:"body"`
}

type rawPayload struct {
	Issue       *rawIssue       `json:"issue"`
	PullRequest *rawPullRequest `json:"pull_request"`
	Comment     *rawComment     `json:"comment"`
	Review      *rawReview      `json:"review"`
	Label       *rawLabel       `json:"label"`
	Assignee    *rawUser        `json:"assignee"`
	Sender      *rawUser        `json:"sender"`
}

// Normalizer converts raw webhook deliveries into models.Event values.
type Normalizer struct {
	logger     *slog.Logger
	commandRe  *regexp.Regexp
	helpRe     *regexp.Regexp
	botMention string
}

// NewNormalizer creates a Normalizer. botUsername is the platform identity
// the server posts as; comment bodies are scanned for "@<botUsername>"
// command directives.
func NewNormalizer(botUsername string, logger *slog.Logger) *Normalizer {
	mention := regexp.QuoteMeta("@" + botUsername)
	return &Normalizer{
		logger:     logger.With("component", "normalizer"),
		commandRe:  regexp.MustCompile(`(?m)` + mention + `\s+([A-Za-z0-9_-]+)\s*:\s*(.+)$`),
		helpRe:     regexp.MustCompile(mention + `\s+help\b`),
		botMention: "@" + botUsername,
	}
}

// Normalize maps a raw webhook (event name, action, delivery id, JSON body)
// to a canonical Event. Unknown combinations yield EventTypeUnknown; the
// router drops those.
func (n *Normalizer) Normalize(eventName, action, deliveryID string, payload []byte) (models.Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.Event{}, fmt.Errorf("decoding webhook payload %s: %w", deliveryID, err)
	}

	event := models.Event{
		Type:       eventTypeFor(eventName, action),
		DeliveryID: deliveryID,
	}
	if raw.Sender != nil {
		event.Sender = raw.Sender.Login
	}

	if raw.Issue != nil {
		event.IssueNumber = raw.Issue.Number
		event.Payload.Title = raw.Issue.Title
		event.Payload.Body = raw.Issue.Body
		event.Payload.Labels = labelNames(raw.Issue.Labels)
		if raw.Issue.PullRequest != nil {
			// Comment on a PR arrives as an issue_comment whose issue
			// carries a pull_request stub; the number is shared.
			event.PRNumber = raw.Issue.Number
		}
	}
	if raw.PullRequest != nil {
		event.PRNumber = raw.PullRequest.Number
		event.Payload.Title = raw.PullRequest.Title
		event.Payload.Body = raw.PullRequest.Body
		event.Payload.Labels = labelNames(raw.PullRequest.Labels)
		event.Payload.BaseBranch = raw.PullRequest.Base.Ref
		event.Payload.Branch = raw.PullRequest.Head.Ref
		event.Payload.Merged = raw.PullRequest.Merged
	}
	if raw.Label != nil {
		event.Payload.Label = raw.Label.Name
	}
	if raw.Assignee != nil {
		event.Payload.Assignee = raw.Assignee.Login
	}
	if raw.Comment != nil {
		event.Payload.Comment = raw.Comment.Body
		event.Payload.CommentID = raw.Comment.ID
		event.Payload.Path = raw.Comment.Path
		event.Command = n.ParseCommand(raw.Comment.Body)
	}
	if raw.Review != nil {
		event.Payload.ReviewID = raw.Review.ID
		event.Payload.ReviewState = strings.ToLower(raw.Review.State)
		event.Payload.ReviewBody = raw.Review.Body
	}

	if event.Type == models.EventTypeUnknown {
		n.logger.Debug("unknown webhook event",
			"event", eventName, "action", action, "delivery_id", deliveryID)
	}
	return event, nil
}

// ParseCommand extracts an "@bot <role>: <message>" or "@bot help" directive
// from a comment body. Returns nil when the body carries no directive.
func (n *Normalizer) ParseCommand(body string) *models.Command {
	if !strings.Contains(body, n.botMention) {
		return nil
	}
	if m := n.commandRe.FindStringSubmatch(body); m != nil {
		return &models.Command{
			Role:    m[1],
			Message: strings.TrimSpace(m[2]),
		}
	}
	if n.helpRe.MatchString(body) {
		return &models.Command{Help: true}
	}
	return nil
}

func eventTypeFor(eventName, action string) models.EventType {
	switch eventName {
	case "issues":
		switch action {
		case "opened":
			return models.EventIssueOpened
		case "assigned":
			return models.EventIssueAssigned
		case "closed":
			return models.EventIssueClosed
		case "labeled":
			return models.EventIssueLabeled
		}
	case "issue_comment":
		if action == "created" {
			return models.EventIssueComment
		}
	case "pull_request":
		switch action {
		case "opened":
			return models.EventPROpened
		case "synchronize":
			return models.EventPRSynchronize
		case "closed":
			return models.EventPRClosed
		}
	case "pull_request_review":
		if action == "submitted" {
			return models.EventPRReviewSubmitted
		}
	case "pull_request_review_comment":
		if action == "created" {
			return models.EventPRReviewComment
		}
	}
	return models.EventTypeUnknown
}

func labelNames(labels []rawLabel) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}
