package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

// stallAfter is how long both counters may stay at zero before the
// heartbeat raises a no-activity alert.
const stallAfter = 120 * time.Second

// minHeartbeatInterval floors the heartbeat period.
const minHeartbeatInterval = 30 * time.Second

// Counters reads the agent's live activity counters. Must be safe to call
// from the heartbeat goroutine while the agent task runs.
type Counters func() (toolCalls, turns int)

// Heartbeat is the stall detector for one agent. It runs on its own
// goroutine with its own ticker, independent of the agent task, so it keeps
// observing even when the agent's turn is wedged on subprocess I/O.
type Heartbeat struct {
	agentID  string
	interval time.Duration
	counters Counters
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HeartbeatInterval derives the check period from the agent's active-duration
// cap: a tenth of the cap, floored at 30 seconds.
func HeartbeatInterval(maxActive time.Duration) time.Duration {
	interval := maxActive / 10
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return interval
}

// NewHeartbeat creates a Heartbeat.
func NewHeartbeat(agentID string, interval time.Duration, counters Counters, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		agentID:  agentID,
		interval: interval,
		counters: counters,
		logger:   logger.With("component", "heartbeat", "agent_id", agentID),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop terminates the heartbeat.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Heartbeat) run() {
	defer h.wg.Done()

	started := time.Now()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			toolCalls, turns := h.counters()
			elapsed := time.Since(started)
			if toolCalls == 0 && turns == 0 && elapsed >= stallAfter {
				h.logger.Error("NO-ACTIVITY ALERT",
					"elapsed", elapsed.Round(time.Second),
					"tool_calls", toolCalls,
					"turns", turns)
			} else {
				h.logger.Debug("heartbeat",
					"tool_calls", toolCalls, "turns", turns,
					"elapsed", elapsed.Round(time.Second))
			}
		}
	}
}
