package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// memFence is an in-memory first-writer-wins fence.
type memFence struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemFence() *memFence {
	return &memFence{seen: make(map[string]bool)}
}

func (f *memFence) MarkDeliverySeen(_ context.Context, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[deliveryID] {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateDelivery, deliveryID)
	}
	f.seen[deliveryID] = true
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRouterDispatchOrder(t *testing.T) {
	r := NewRouter(newMemFence(), 16, slog.Default())

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(context.Context, models.Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return nil
		}
	}
	r.On(models.EventIssueOpened, record("first"))
	r.On(models.EventIssueOpened, record("second"))
	r.On(models.EventIssueClosed, record("closed"))

	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Publish(context.Background(), models.Event{
		Type: models.EventIssueOpened, DeliveryID: "d-1",
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, calls)
	mu.Unlock()
}

func TestRouterDedup(t *testing.T) {
	r := NewRouter(newMemFence(), 16, slog.Default())

	var mu sync.Mutex
	count := 0
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	r.Start(context.Background())
	defer r.Stop()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-1"}
	require.NoError(t, r.Publish(context.Background(), event))
	require.NoError(t, r.Publish(context.Background(), event))
	require.NoError(t, r.Publish(context.Background(), models.Event{
		Type: models.EventIssueOpened, DeliveryID: "d-2",
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
	// A replayed delivery id must not add handler calls.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, count)
	mu.Unlock()
}

func TestRouterDropsUnknown(t *testing.T) {
	fence := newMemFence()
	r := NewRouter(fence, 16, slog.Default())

	called := false
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		called = true
		return nil
	})

	r.Start(context.Background())
	require.NoError(t, r.Publish(context.Background(), models.Event{
		Type: models.EventTypeUnknown, DeliveryID: "d-1",
	}))
	r.Stop()

	assert.False(t, called)
	// Unknown events never reach the fence.
	fence.mu.Lock()
	assert.Empty(t, fence.seen)
	fence.mu.Unlock()
}

func TestRouterSurvivesHandlerFailures(t *testing.T) {
	r := NewRouter(newMemFence(), 16, slog.Default())

	var mu sync.Mutex
	var calls []string
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		mu.Lock()
		calls = append(calls, "panicker")
		mu.Unlock()
		panic("boom")
	})
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		mu.Lock()
		calls = append(calls, "failer")
		mu.Unlock()
		return errors.New("nope")
	})
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		mu.Lock()
		calls = append(calls, "survivor")
		mu.Unlock()
		return nil
	})

	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Publish(context.Background(), models.Event{
		Type: models.EventIssueOpened, DeliveryID: "d-1",
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	})
	mu.Lock()
	assert.Equal(t, []string{"panicker", "failer", "survivor"}, calls)
	mu.Unlock()
}

func TestRouterStopDiscardsPending(t *testing.T) {
	r := NewRouter(newMemFence(), 16, slog.Default())

	var mu sync.Mutex
	count := 0
	started := make(chan struct{})
	release := make(chan struct{})
	r.On(models.EventIssueOpened, func(context.Context, models.Event) error {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	})

	r.Start(context.Background())
	require.NoError(t, r.Publish(context.Background(), models.Event{Type: models.EventIssueOpened, DeliveryID: "d-1"}))
	require.NoError(t, r.Publish(context.Background(), models.Event{Type: models.EventIssueOpened, DeliveryID: "d-2"}))

	<-started
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	// Let the stop signal land before the in-flight handler returns.
	waitFor(t, func() bool {
		select {
		case <-r.stopCh:
			return true
		default:
			return false
		}
	})
	close(release)
	<-done

	// The in-flight event finished; the queued one was discarded.
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	assert.Error(t, r.Publish(context.Background(), models.Event{Type: models.EventIssueOpened, DeliveryID: "d-3"}))
}
