// Package watchdog implements the two per-agent enforcement layers: the
// tool-call circuit breaker wired into the session's pre/post tool hooks,
// the duration watchdog that cancels overrunning turns, and the heartbeat
// stall detector that survives a blocked agent runtime.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/squadron-hq/squadron/pkg/agentsession"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/metrics"
)

// persistEvery bounds counter write amplification: the persisted
// tool_call_count trails the live one by at most this many increments.
const persistEvery = 10

// CounterStore persists the live tool-call counter. Implemented by the
// registry.
type CounterStore interface {
	UpdateAgentToolCalls(ctx context.Context, agentID string, count int) error
}

// EscalateFunc transitions the agent to ESCALATED. Invoked at most once per
// breaker.
type EscalateFunc func(reason string)

// Breaker is the Layer 1 circuit breaker: an atomic tool-call counter
// enforced in the pre-tool hook, plus the per-role tool allowlist.
type Breaker struct {
	agentID      string
	limits       config.BreakerLimits
	allowedTools map[string]struct{}
	store        CounterStore
	escalate     EscalateFunc
	logger       *slog.Logger

	toolCalls     atomic.Int64
	warned        atomic.Bool
	escalateOnce  sync.Once
	lastPersisted atomic.Int64
}

// NewBreaker creates a Breaker seeded with the persisted counter value.
// allowedTools empty means every tool is allowed.
func NewBreaker(agentID string, seed int, limits config.BreakerLimits, allowedTools []string,
	store CounterStore, escalate EscalateFunc, logger *slog.Logger) *Breaker {
	b := &Breaker{
		agentID:  agentID,
		limits:   limits,
		store:    store,
		escalate: escalate,
		logger:   logger.With("component", "breaker", "agent_id", agentID),
	}
	if len(allowedTools) > 0 {
		b.allowedTools = make(map[string]struct{}, len(allowedTools))
		for _, tool := range allowedTools {
			b.allowedTools[tool] = struct{}{}
		}
	}
	b.toolCalls.Store(int64(seed))
	b.lastPersisted.Store(int64(seed))
	return b
}

// PreTool is the pre-tool hook: enforces the allowlist, counts the call,
// warns near the cap, and denies past it.
func (b *Breaker) PreTool(ctx context.Context, input agentsession.HookInput) agentsession.HookResult {
	if b.allowedTools != nil {
		if _, ok := b.allowedTools[input.ToolName]; !ok {
			b.logger.Warn("tool not in role allowlist", "tool", input.ToolName)
			return agentsession.HookResult{
				Decision: agentsession.DecisionDeny,
				Reason:   fmt.Sprintf("tool %q is not allowed for this role", input.ToolName),
			}
		}
	}

	count := b.toolCalls.Add(1)
	max := int64(b.limits.MaxToolCalls)
	if max > 0 && count > max {
		metrics.ToolCallsDenied.Inc()
		b.logger.Error("tool call denied, cap exceeded", "tool", input.ToolName, "count", count, "max", max)
		b.escalateOnce.Do(func() {
			b.escalate(fmt.Sprintf("tool call limit exceeded (%d > %d)", count, max))
		})
		return agentsession.HookResult{
			Decision: agentsession.DecisionDeny,
			Reason:   fmt.Sprintf("tool call limit of %d exceeded", max),
		}
	}

	if max > 0 && !b.warned.Load() {
		threshold := int64(float64(max) * b.limits.WarningThreshold)
		if count >= threshold && b.warned.CompareAndSwap(false, true) {
			b.logger.Warn("approaching tool call limit", "count", count, "max", max)
		}
	}

	b.maybePersist(ctx, count)
	return agentsession.HookResult{Decision: agentsession.DecisionAllow}
}

// PostTool is the post-tool hook. Only observability; enforcement already
// happened in PreTool.
func (b *Breaker) PostTool(_ context.Context, input agentsession.HookInput, duration time.Duration) {
	b.logger.Debug("tool call finished", "tool", input.ToolName, "duration", duration)
}

// Count returns the live counter value.
func (b *Breaker) Count() int {
	return int(b.toolCalls.Load())
}

// Flush persists the live counter unconditionally. Called at turn end.
func (b *Breaker) Flush(ctx context.Context) {
	b.persist(ctx, b.toolCalls.Load())
}

func (b *Breaker) maybePersist(ctx context.Context, count int64) {
	last := b.lastPersisted.Load()
	if count-last < persistEvery {
		return
	}
	if !b.lastPersisted.CompareAndSwap(last, count) {
		return
	}
	b.persist(ctx, count)
}

func (b *Breaker) persist(ctx context.Context, count int64) {
	if err := b.store.UpdateAgentToolCalls(ctx, b.agentID, int(count)); err != nil {
		b.logger.Warn("persisting tool call counter failed", "error", err)
	}
}
