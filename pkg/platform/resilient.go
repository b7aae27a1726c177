package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/squadron-hq/squadron/pkg/metrics"
)

// callTimeout is the hard deadline on every outbound platform call.
const callTimeout = 30 * time.Second

// maxRetries bounds transient-error retries per call.
const maxRetries = 3

// ErrPlatformUnavailable indicates the circuit breaker is open and calls are
// being shed without reaching the platform.
var ErrPlatformUnavailable = errors.New("platform unavailable")

// Resilient wraps another API with per-call deadlines, bounded exponential
// backoff for transient failures, and a shared circuit breaker. Not-found
// and conflict results pass through without retrying.
type Resilient struct {
	inner   API
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps an API implementation.
func NewResilient(inner API, logger *slog.Logger) *Resilient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "platform-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("platform breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Expected outcomes must not trip the breaker.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
		},
	})
	return &Resilient{
		inner:   inner,
		breaker: breaker,
		logger:  logger.With("component", "platform"),
	}
}

// call runs one operation through the breaker with retries and a deadline.
func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		_, err := r.breaker.Execute(func() (any, error) {
			return nil, fn(callCtx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, context.Canceled):
			return backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrPlatformUnavailable, op))
		default:
			r.logger.Warn("platform call failed, retrying", "operation", op, "error", err)
			return err
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	err := backoff.Retry(attempt, policy)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PlatformAPICalls.WithLabelValues(op, outcome).Inc()
	if err != nil {
		return fmt.Errorf("platform %s: %w", op, err)
	}
	return nil
}

func (r *Resilient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var out *Issue
	err := r.call(ctx, "get_issue", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetIssue(ctx, number)
		return err
	})
	return out, err
}

func (r *Resilient) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	var out *Issue
	err := r.call(ctx, "create_issue", func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateIssue(ctx, title, body, labels)
		return err
	})
	return out, err
}

func (r *Resilient) AddLabels(ctx context.Context, issueNumber int, labels []string) error {
	return r.call(ctx, "add_labels", func(ctx context.Context) error {
		return r.inner.AddLabels(ctx, issueNumber, labels)
	})
}

func (r *Resilient) CloseIssue(ctx context.Context, number int) error {
	return r.call(ctx, "close_issue", func(ctx context.Context) error {
		return r.inner.CloseIssue(ctx, number)
	})
}

func (r *Resilient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	var out *PullRequest
	err := r.call(ctx, "get_pull_request", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetPullRequest(ctx, number)
		return err
	})
	return out, err
}

func (r *Resilient) ListPullRequestFiles(ctx context.Context, number int) ([]string, error) {
	var out []string
	err := r.call(ctx, "list_pr_files", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListPullRequestFiles(ctx, number)
		return err
	})
	return out, err
}

func (r *Resilient) FindOpenPullRequestForIssue(ctx context.Context, issueNumber int) (*PullRequest, error) {
	var out *PullRequest
	err := r.call(ctx, "find_open_pr", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FindOpenPullRequestForIssue(ctx, issueNumber)
		return err
	})
	return out, err
}

func (r *Resilient) MergePullRequest(ctx context.Context, number int, method string) error {
	return r.call(ctx, "merge_pull_request", func(ctx context.Context) error {
		return r.inner.MergePullRequest(ctx, number, method)
	})
}

func (r *Resilient) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	var out *Comment
	err := r.call(ctx, "create_comment", func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateComment(ctx, number, body)
		return err
	})
	return out, err
}

func (r *Resilient) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var out []Comment
	err := r.call(ctx, "list_comments", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListComments(ctx, number)
		return err
	})
	return out, err
}

func (r *Resilient) CreateReview(ctx context.Context, prNumber int, state, body string) (*Review, error) {
	var out *Review
	err := r.call(ctx, "create_review", func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateReview(ctx, prNumber, state, body)
		return err
	})
	return out, err
}

func (r *Resilient) ListReviews(ctx context.Context, prNumber int) ([]Review, error) {
	var out []Review
	err := r.call(ctx, "list_reviews", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListReviews(ctx, prNumber)
		return err
	})
	return out, err
}

func (r *Resilient) DeleteBranch(ctx context.Context, branch string) error {
	return r.call(ctx, "delete_branch", func(ctx context.Context) error {
		return r.inner.DeleteBranch(ctx, branch)
	})
}

func (r *Resilient) GetCombinedStatus(ctx context.Context, ref string) (*CombinedStatus, error) {
	var out *CombinedStatus
	err := r.call(ctx, "get_combined_status", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetCombinedStatus(ctx, ref)
		return err
	})
	return out, err
}

func (r *Resilient) ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error) {
	var out []CheckRun
	err := r.call(ctx, "list_check_runs", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListCheckRuns(ctx, ref)
		return err
	})
	return out, err
}

var _ API = (*Resilient)(nil)
