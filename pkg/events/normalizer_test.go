package events

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/models"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer("squadron-bot", slog.Default())
}

func TestNormalizeIssueOpened(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{
		"issue": {
			"number": 42,
			"title": "Add retry logic",
			"body": "The client gives up on the first failure.",
			"labels": [{"name": "feature"}, {"name": "backend"}]
		},
		"sender": {"login": "alice"}
	}`)

	event, err := n.Normalize("issues", "opened", "d-1", payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventIssueOpened, event.Type)
	assert.Equal(t, "d-1", event.DeliveryID)
	assert.Equal(t, 42, event.IssueNumber)
	assert.Zero(t, event.PRNumber)
	assert.Equal(t, "alice", event.Sender)
	assert.Equal(t, "Add retry logic", event.Payload.Title)
	assert.Equal(t, []string{"feature", "backend"}, event.Payload.Labels)
	assert.Nil(t, event.Command)
}

func TestNormalizeIssueLabeled(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{
		"issue": {"number": 7, "labels": [{"name": "feature"}]},
		"label": {"name": "feature"},
		"sender": {"login": "alice"}
	}`)

	event, err := n.Normalize("issues", "labeled", "d-2", payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventIssueLabeled, event.Type)
	assert.Equal(t, "feature", event.Payload.Label)
}

func TestNormalizePullRequest(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{
		"pull_request": {
			"number": 11,
			"title": "Fix the retry loop",
			"merged": true,
			"base": {"ref": "main"},
			"head": {"ref": "agent/developer/42"}
		},
		"sender": {"login": "squadron-bot"}
	}`)

	event, err := n.Normalize("pull_request", "closed", "d-3", payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventPRClosed, event.Type)
	assert.Equal(t, 11, event.PRNumber)
	assert.True(t, event.Payload.Merged)
	assert.Equal(t, "main", event.Payload.BaseBranch)
	assert.Equal(t, "agent/developer/42", event.Payload.Branch)
}

func TestNormalizeReviewSubmitted(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{
		"pull_request": {"number": 11, "base": {"ref": "main"}},
		"review": {"id": 900, "state": "CHANGES_REQUESTED", "body": "Needs tests."},
		"sender": {"login": "bob"}
	}`)

	event, err := n.Normalize("pull_request_review", "submitted", "d-4", payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventPRReviewSubmitted, event.Type)
	assert.Equal(t, models.ReviewStateChangesRequested, event.Payload.ReviewState)
	assert.EqualValues(t, 900, event.Payload.ReviewID)
	assert.Equal(t, "Needs tests.", event.Payload.ReviewBody)
}

func TestNormalizePRCommentSharesNumber(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{
		"issue": {"number": 11, "pull_request": {"url": "x"}},
		"comment": {"id": 5, "body": "looks good"},
		"sender": {"login": "bob"}
	}`)

	event, err := n.Normalize("issue_comment", "created", "d-5", payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventIssueComment, event.Type)
	assert.Equal(t, 11, event.IssueNumber)
	assert.Equal(t, 11, event.PRNumber)
	assert.Equal(t, "looks good", event.Payload.Comment)
}

func TestNormalizeUnknown(t *testing.T) {
	n := newTestNormalizer()

	event, err := n.Normalize("workflow_run", "completed", "d-6", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnknown, event.Type)

	event, err = n.Normalize("issues", "milestoned", "d-7", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnknown, event.Type)
}

func TestNormalizeBadJSON(t *testing.T) {
	n := newTestNormalizer()
	_, err := n.Normalize("issues", "opened", "d-8", []byte(`{not json`))
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		body string
		want *models.Command
	}{
		{
			name: "role command",
			body: "@squadron-bot developer: please fix the flaky test",
			want: &models.Command{Role: "developer", Message: "please fix the flaky test"},
		},
		{
			name: "command embedded in a longer comment",
			body: "Thanks for the report!\n@squadron-bot triage: have a look\ncc @alice",
			want: &models.Command{Role: "triage", Message: "have a look"},
		},
		{
			name: "help",
			body: "@squadron-bot help",
			want: &models.Command{Help: true},
		},
		{
			name: "mention without directive",
			body: "ping @squadron-bot when ready",
			want: nil,
		},
		{
			name: "no mention",
			body: "developer: please fix this",
			want: nil,
		},
		{
			name: "different bot",
			body: "@other-bot developer: do it",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.ParseCommand(tt.body))
		})
	}
}
