package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky wraps Local and fails the first N GetIssue calls.
type flaky struct {
	*Local
	mu        sync.Mutex
	failures  int
	callCount int
	err       error
}

func (f *flaky) GetIssue(ctx context.Context, number int) (*Issue, error) {
	f.mu.Lock()
	f.callCount++
	n := f.callCount
	f.mu.Unlock()
	if n <= f.failures {
		return nil, f.err
	}
	return f.Local.GetIssue(ctx, number)
}

func (f *flaky) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flaky{Local: NewLocal(slog.Default()), failures: 2, err: errors.New("503")}
	inner.SeedIssue(Issue{Number: 1, Title: "x", State: "open"})
	api := NewResilient(inner, slog.Default())

	issue, err := api.GetIssue(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, issue.Number)
	assert.Equal(t, 3, inner.calls())
}

func TestResilientGivesUpAfterMaxRetries(t *testing.T) {
	inner := &flaky{Local: NewLocal(slog.Default()), failures: 100, err: errors.New("503")}
	api := NewResilient(inner, slog.Default())

	_, err := api.GetIssue(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 1+maxRetries, inner.calls())
}

func TestResilientDoesNotRetryNotFound(t *testing.T) {
	inner := &flaky{Local: NewLocal(slog.Default())}
	api := NewResilient(inner, slog.Default())

	_, err := api.GetIssue(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls())
}

func TestResilientBreakerOpens(t *testing.T) {
	inner := &flaky{Local: NewLocal(slog.Default()), failures: 1000, err: errors.New("503")}
	api := NewResilient(inner, slog.Default())

	// Burn through enough consecutive failures to trip the breaker.
	for i := 0; i < 3; i++ {
		_, _ = api.GetIssue(context.Background(), 1)
	}
	callsBefore := inner.calls()

	_, err := api.GetIssue(context.Background(), 1)
	require.ErrorIs(t, err, ErrPlatformUnavailable)
	// The open breaker sheds the call before it reaches the platform.
	assert.Equal(t, callsBefore, inner.calls())
}

func TestLocalMergeConflict(t *testing.T) {
	l := NewLocal(slog.Default())
	l.SeedPullRequest(PullRequest{Number: 7, State: "open"})

	require.NoError(t, l.MergePullRequest(context.Background(), 7, "squash"))
	assert.Equal(t, []int{7}, l.MergedPulls())

	err := l.MergePullRequest(context.Background(), 7, "squash")
	assert.ErrorIs(t, err, ErrConflict)
}
