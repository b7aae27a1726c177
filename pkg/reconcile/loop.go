// Package reconcile periodically compares the platform's truth with the
// agent registry and repairs drift: agents whose issue or PR closed while an
// event was missed, agents the duration watchdog failed to stop, blockers
// resolved outside the event stream, and agents asleep past their limit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// deliveryRetention is how long delivery-dedup rows are kept before pruning.
const deliveryRetention = 7 * 24 * time.Hour

// defaultInterval is used when the config does not set one.
const defaultInterval = 5 * time.Minute

// Loop is the reconciliation sweep, scheduled on a cron.
type Loop struct {
	cfg    *config.Config
	reg    *registry.Registry
	api    platform.API
	mgr    *lifecycle.Manager
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a Loop. Start schedules it; Sweep can also be invoked directly.
func New(cfg *config.Config, reg *registry.Registry, api platform.API, mgr *lifecycle.Manager, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		reg:    reg,
		api:    api,
		mgr:    mgr,
		logger: logger.With("component", "reconcile"),
	}
}

// Start schedules the sweep at the configured interval.
func (l *Loop) Start() error {
	interval := time.Duration(l.cfg.Runtime.ReconciliationInterval)
	if interval <= 0 {
		interval = defaultInterval
	}
	l.cron = cron.New()
	_, err := l.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := l.Sweep(ctx); err != nil {
			l.logger.Error("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling reconciliation: %w", err)
	}
	l.cron.Start()
	l.logger.Info("reconciliation scheduled", "interval", interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (l *Loop) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
}

// Sweep runs one reconciliation pass.
func (l *Loop) Sweep(ctx context.Context) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ReconciliationSweeps.WithLabelValues(outcome).Inc()
	}()

	agents, err := l.reg.ListAgentsByStatus(ctx,
		models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusSleeping)
	if err != nil {
		return fmt.Errorf("listing live agents: %w", err)
	}

	for i := range agents {
		agent := &agents[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := l.reconcileBinding(ctx, agent)
		if err != nil {
			l.logger.Error("reconciling agent binding", "agent_id", agent.ID, "error", err)
			continue
		}
		if done {
			continue
		}
		switch agent.Status {
		case models.AgentStatusActive:
			l.reconcileActive(ctx, agent)
		case models.AgentStatusSleeping:
			l.reconcileSleeping(ctx, agent)
		}
	}

	if n, err := l.reg.PruneDeliveries(ctx, deliveryRetention); err != nil {
		l.logger.Error("pruning deliveries", "error", err)
	} else if n > 0 {
		l.logger.Info("pruned delivery rows", "count", n)
	}
	return nil
}

// reconcileBinding completes the agent when the work it is bound to is no
// longer open on the platform. Returns true when the agent was completed.
func (l *Loop) reconcileBinding(ctx context.Context, agent *models.Agent) (bool, error) {
	if agent.IssueNumber != nil {
		issue, err := l.api.GetIssue(ctx, *agent.IssueNumber)
		switch {
		case errors.Is(err, platform.ErrNotFound):
			// Treat a vanished issue like a closed one.
		case err != nil:
			return false, err
		case issue.State != "closed" && l.reassignedAway(issue):
			l.logger.Info("issue reassigned to a human, completing agent",
				"agent_id", agent.ID, "issue", *agent.IssueNumber,
				"assignees", issue.Assignees)
			return true, l.mgr.CompleteAgent(ctx, agent.ID)
		case issue.State != "closed":
			return false, nil
		}
		l.logger.Info("issue closed out of band, completing agent",
			"agent_id", agent.ID, "issue", *agent.IssueNumber)
		return true, l.mgr.CompleteAgent(ctx, agent.ID)
	}

	if agent.PRNumber != nil {
		pr, err := l.api.GetPullRequest(ctx, *agent.PRNumber)
		switch {
		case errors.Is(err, platform.ErrNotFound):
		case err != nil:
			return false, err
		case pr.State == "open":
			return false, nil
		}
		l.logger.Info("PR closed out of band, completing agent",
			"agent_id", agent.ID, "pr", *agent.PRNumber)
		return true, l.mgr.CompleteAgent(ctx, agent.ID)
	}
	return false, nil
}

// reassignedAway reports whether the issue now has assignees and none of
// them is the bot. An unassigned issue stays with the agent.
func (l *Loop) reassignedAway(issue *platform.Issue) bool {
	if len(issue.Assignees) == 0 {
		return false
	}
	for _, a := range issue.Assignees {
		if a == l.cfg.Project.BotUsername {
			return false
		}
	}
	return true
}

// reconcileActive escalates agents that outlived their max active duration.
// Reaching this point means the per-agent watchdog never fired, typically
// after a crash left the row ACTIVE with no runtime behind it.
func (l *Loop) reconcileActive(ctx context.Context, agent *models.Agent) {
	limits := l.cfg.CircuitBreakers.ForRole(agent.Role)
	maxActive := time.Duration(limits.MaxActiveDuration)
	if maxActive <= 0 || agent.ActiveSince == nil {
		return
	}
	if time.Since(*agent.ActiveSince) <= maxActive {
		return
	}
	l.logger.Error("active agent past its duration limit, primary watchdog did not fire",
		"agent_id", agent.ID, "active_since", agent.ActiveSince)
	if err := l.mgr.EscalateAgent(ctx, agent.ID, "max active duration exceeded"); err != nil {
		l.logger.Error("escalating stale active agent", "agent_id", agent.ID, "error", err)
	}
}

// reconcileSleeping clears blockers whose issues closed without the event
// reaching us, wakes agents with nothing left to wait for, and completes
// agents asleep past their limit.
func (l *Loop) reconcileSleeping(ctx context.Context, agent *models.Agent) {
	cleared := 0
	for _, blocker := range agent.BlockedBy.Values() {
		issue, err := l.api.GetIssue(ctx, blocker)
		if err != nil && !errors.Is(err, platform.ErrNotFound) {
			l.logger.Error("checking blocker issue", "agent_id", agent.ID,
				"blocker", blocker, "error", err)
			continue
		}
		if err == nil && issue.State != "closed" {
			continue
		}
		if err := l.reg.RemoveBlocker(ctx, agent.ID, blocker); err != nil {
			l.logger.Error("removing resolved blocker", "agent_id", agent.ID,
				"blocker", blocker, "error", err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		current, err := l.reg.GetAgent(ctx, agent.ID)
		if err == nil && !current.Blocked() && current.Status == models.AgentStatusSleeping {
			wake := models.Event{
				Type:        models.EventBlockerResolved,
				DeliveryID:  fmt.Sprintf("reconcile-unblock-%s-%d", agent.ID, time.Now().Unix()),
				IssueNumber: numberOf(agent.IssueNumber),
			}
			if err := l.mgr.WakeAgent(ctx, agent.ID, wake); err != nil {
				l.logger.Error("waking unblocked agent", "agent_id", agent.ID, "error", err)
			}
			return
		}
	}

	limits := l.cfg.CircuitBreakers.ForRole(agent.Role)
	maxSleep := time.Duration(limits.MaxSleepDuration)
	if maxSleep <= 0 || agent.SleepingSince == nil {
		return
	}
	if time.Since(*agent.SleepingSince) <= maxSleep {
		return
	}
	l.logger.Info("sleeping agent past its limit, completing",
		"agent_id", agent.ID, "sleeping_since", agent.SleepingSince)
	if err := l.mgr.CompleteAgent(ctx, agent.ID); err != nil {
		l.logger.Error("completing overslept agent", "agent_id", agent.ID, "error", err)
	}
}

func numberOf(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
