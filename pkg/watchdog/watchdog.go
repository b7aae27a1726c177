package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cleanupWindow is how long the watchdog waits for a cancelled task to
// acknowledge before forcing escalation.
const cleanupWindow = 30 * time.Second

// Watchdog is the Layer 2 duration enforcer for one ACTIVE agent. After
// maxActive it cancels the agent task, waits the bounded cleanup window,
// then forces the agent to ESCALATED. Every step has an explicit timeout.
type Watchdog struct {
	agentID   string
	maxActive time.Duration
	cancel    func()
	taskDone  <-chan struct{}
	escalate  EscalateFunc
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatchdog creates a Watchdog. cancel cancels the agent task; taskDone
// closes when the task has finished cleaning up.
func NewWatchdog(agentID string, maxActive time.Duration, cancel func(),
	taskDone <-chan struct{}, escalate EscalateFunc, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		agentID:   agentID,
		maxActive: maxActive,
		cancel:    cancel,
		taskDone:  taskDone,
		escalate:  escalate,
		logger:    logger.With("component", "watchdog", "agent_id", agentID),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the watchdog goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop disarms the watchdog. Called when the agent leaves ACTIVE normally.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.maxActive)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	w.logger.Error("agent exceeded max active duration, cancelling task",
		"max_active", w.maxActive)
	w.cancel()

	cleanup := time.NewTimer(cleanupWindow)
	defer cleanup.Stop()
	select {
	case <-w.taskDone:
		w.logger.Info("cancelled task acknowledged within cleanup window")
	case <-cleanup.C:
		w.logger.Error("task did not acknowledge cancellation, forcing escalation",
			"cleanup_window", cleanupWindow)
	case <-w.stopCh:
		return
	}

	w.escalate("max active duration exceeded")
}
