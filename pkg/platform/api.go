// Package platform defines the narrow interface the server needs from the
// source-hosting platform, plus a resilience wrapper (bounded retry and a
// circuit breaker) and a log-only implementation for local runs.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the issue, PR, or resource does not exist.
var ErrNotFound = errors.New("platform resource not found")

// ErrConflict indicates the operation failed due to a merge conflict or
// comparable state clash. Action stages honor on_conflict for this.
var ErrConflict = errors.New("platform operation conflicted")

// Issue is the platform's view of an issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	Assignees []string  `json:"assignees"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest is the platform's view of a pull request.
type PullRequest struct {
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	State      string   `json:"state"`
	Merged     bool     `json:"merged"`
	HeadBranch string   `json:"head_branch"`
	BaseBranch string   `json:"base_branch"`
	Labels     []string `json:"labels"`
}

// Comment is one comment on an issue or PR.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is one submitted PR review.
type Review struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	State  string `json:"state"`
	Body   string `json:"body"`
}

// StatusContext is one entry in a combined commit status.
type StatusContext struct {
	Context string `json:"context"`
	State   string `json:"state"`
}

// CombinedStatus is the rolled-up commit status for a ref.
type CombinedStatus struct {
	State    string          `json:"state"`
	Contexts []StatusContext `json:"contexts"`
}

// CheckRun is one CI check run on a ref.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// API is everything the server calls out to the platform for. All methods
// take a context and must respect its deadline.
type API interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error)
	AddLabels(ctx context.Context, issueNumber int, labels []string) error
	CloseIssue(ctx context.Context, number int) error

	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	ListPullRequestFiles(ctx context.Context, number int) ([]string, error)
	FindOpenPullRequestForIssue(ctx context.Context, issueNumber int) (*PullRequest, error)
	MergePullRequest(ctx context.Context, number int, method string) error

	CreateComment(ctx context.Context, number int, body string) (*Comment, error)
	ListComments(ctx context.Context, number int) ([]Comment, error)

	CreateReview(ctx context.Context, prNumber int, state, body string) (*Review, error)
	ListReviews(ctx context.Context, prNumber int) ([]Review, error)

	DeleteBranch(ctx context.Context, branch string) error
	GetCombinedStatus(ctx context.Context, ref string) (*CombinedStatus, error)
	ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)
}
