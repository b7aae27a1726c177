package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Local is an in-memory API implementation. It backs local runs without
// platform credentials and doubles as the test fake: every mutation is
// logged and recorded so callers can assert on the resulting state.
type Local struct {
	logger *slog.Logger

	mu           sync.Mutex
	issues       map[int]*Issue
	pulls        map[int]*PullRequest
	pullFiles    map[int][]string
	comments     map[int][]Comment
	reviews      map[int][]Review
	statuses     map[string]*CombinedStatus
	checkRuns    map[string][]CheckRun
	nextIssue    int
	nextComment  int64
	nextReview   int64
	deletedRefs  []string
	mergedPulls  []int
	closedIssues []int
}

// NewLocal creates an empty in-memory platform.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		logger:    logger.With("component", "platform", "impl", "local"),
		issues:    make(map[int]*Issue),
		pulls:     make(map[int]*PullRequest),
		pullFiles: make(map[int][]string),
		comments:  make(map[int][]Comment),
		reviews:   make(map[int][]Review),
		statuses:  make(map[string]*CombinedStatus),
		checkRuns: make(map[string][]CheckRun),
		nextIssue: 1,
	}
}

// SeedIssue installs an issue for tests and local bootstrapping.
func (l *Local) SeedIssue(issue Issue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := issue
	l.issues[issue.Number] = &copy
	if issue.Number >= l.nextIssue {
		l.nextIssue = issue.Number + 1
	}
}

// SeedPullRequest installs a PR for tests and local bootstrapping.
func (l *Local) SeedPullRequest(pr PullRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := pr
	l.pulls[pr.Number] = &copy
}

// SeedPullRequestFiles installs the changed-file list for a PR.
func (l *Local) SeedPullRequestFiles(number int, files []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pullFiles[number] = append([]string(nil), files...)
}

// SeedCombinedStatus installs a combined status for a ref.
func (l *Local) SeedCombinedStatus(ref string, status CombinedStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := status
	l.statuses[ref] = &copy
}

// Comments returns the recorded comments for an issue or PR number.
func (l *Local) Comments(number int) []Comment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Comment, len(l.comments[number]))
	copy(out, l.comments[number])
	return out
}

// MergedPulls returns the PR numbers merged through this instance.
func (l *Local) MergedPulls() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.mergedPulls))
	copy(out, l.mergedPulls)
	return out
}

func (l *Local) GetIssue(_ context.Context, number int) (*Issue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[number]
	if !ok {
		return nil, fmt.Errorf("%w: issue %d", ErrNotFound, number)
	}
	copy := *issue
	return &copy, nil
}

func (l *Local) CreateIssue(_ context.Context, title, body string, labels []string) (*Issue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue := &Issue{
		Number:    l.nextIssue,
		Title:     title,
		Body:      body,
		State:     "open",
		Labels:    labels,
		UpdatedAt: time.Now().UTC(),
	}
	l.nextIssue++
	l.issues[issue.Number] = issue
	l.logger.Info("created issue", "number", issue.Number, "title", title)
	copy := *issue
	return &copy, nil
}

func (l *Local) AddLabels(_ context.Context, issueNumber int, labels []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[issueNumber]
	if !ok {
		return fmt.Errorf("%w: issue %d", ErrNotFound, issueNumber)
	}
	issue.Labels = append(issue.Labels, labels...)
	l.logger.Info("added labels", "issue", issueNumber, "labels", labels)
	return nil
}

func (l *Local) CloseIssue(_ context.Context, number int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[number]
	if !ok {
		return fmt.Errorf("%w: issue %d", ErrNotFound, number)
	}
	issue.State = "closed"
	l.closedIssues = append(l.closedIssues, number)
	l.logger.Info("closed issue", "number", number)
	return nil
}

func (l *Local) GetPullRequest(_ context.Context, number int) (*PullRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pr, ok := l.pulls[number]
	if !ok {
		return nil, fmt.Errorf("%w: pr %d", ErrNotFound, number)
	}
	copy := *pr
	return &copy, nil
}

func (l *Local) ListPullRequestFiles(_ context.Context, number int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pulls[number]; !ok {
		return nil, fmt.Errorf("%w: pr %d", ErrNotFound, number)
	}
	return append([]string(nil), l.pullFiles[number]...), nil
}

func (l *Local) FindOpenPullRequestForIssue(_ context.Context, issueNumber int) (*PullRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	needle := fmt.Sprintf("#%d", issueNumber)
	for _, pr := range l.pulls {
		if pr.State == "open" && (strings.Contains(pr.Body, needle) || strings.Contains(pr.Title, needle)) {
			copy := *pr
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: open pr for issue %d", ErrNotFound, issueNumber)
}

func (l *Local) MergePullRequest(_ context.Context, number int, method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pr, ok := l.pulls[number]
	if !ok {
		return fmt.Errorf("%w: pr %d", ErrNotFound, number)
	}
	if pr.State != "open" {
		return fmt.Errorf("%w: pr %d is %s", ErrConflict, number, pr.State)
	}
	pr.State = "closed"
	pr.Merged = true
	l.mergedPulls = append(l.mergedPulls, number)
	l.logger.Info("merged pull request", "number", number, "method", method)
	return nil
}

func (l *Local) CreateComment(_ context.Context, number int, body string) (*Comment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextComment++
	c := Comment{
		ID:        l.nextComment,
		Author:    "squadron",
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	l.comments[number] = append(l.comments[number], c)
	l.logger.Info("posted comment", "number", number, "comment_id", c.ID)
	return &c, nil
}

func (l *Local) ListComments(_ context.Context, number int) ([]Comment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Comment, len(l.comments[number]))
	copy(out, l.comments[number])
	return out, nil
}

func (l *Local) CreateReview(_ context.Context, prNumber int, state, body string) (*Review, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextReview++
	rev := Review{ID: l.nextReview, Author: "squadron", State: state, Body: body}
	l.reviews[prNumber] = append(l.reviews[prNumber], rev)
	l.logger.Info("submitted review", "pr", prNumber, "state", state)
	return &rev, nil
}

func (l *Local) ListReviews(_ context.Context, prNumber int) ([]Review, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Review, len(l.reviews[prNumber]))
	copy(out, l.reviews[prNumber])
	return out, nil
}

func (l *Local) DeleteBranch(_ context.Context, branch string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deletedRefs = append(l.deletedRefs, branch)
	l.logger.Info("deleted branch", "branch", branch)
	return nil
}

func (l *Local) GetCombinedStatus(_ context.Context, ref string) (*CombinedStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.statuses[ref]
	if !ok {
		return &CombinedStatus{State: "pending"}, nil
	}
	copy := *status
	return &copy, nil
}

func (l *Local) ListCheckRuns(_ context.Context, ref string) ([]CheckRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CheckRun, len(l.checkRuns[ref]))
	copy(out, l.checkRuns[ref])
	return out, nil
}

var _ API = (*Local)(nil)
