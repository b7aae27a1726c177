package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/agentsession"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/gitops"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/mail"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/registry"
)

type sweepHarness struct {
	loop *Loop
	reg  *registry.Registry
	api  *platform.Local
	mgr  *lifecycle.Manager
	cfg  *config.Config
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "reconcile.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.Default()
	cfg := &config.Config{
		Project: config.ProjectConfig{
			Name:          "demo",
			Repo:          "demo/repo",
			DefaultBranch: "main",
			BotUsername:   "squadron",
		},
		Runtime: config.RuntimeConfig{
			WorktreeDir:            t.TempDir(),
			ReconciliationInterval: config.Duration(time.Minute),
		},
		CircuitBreakers: config.CircuitBreakerConfig{
			Defaults: config.BreakerLimits{
				MaxToolCalls:      50,
				MaxTurns:          20,
				MaxActiveDuration: config.Duration(time.Hour),
				MaxSleepDuration:  config.Duration(24 * time.Hour),
				WarningThreshold:  0.8,
			},
		},
		AgentRoles: map[string]*config.RoleConfig{
			"developer": {
				AgentDefinition: "You are the developer.",
				Description:     "implements issues",
				Lifecycle:       config.LifecyclePersistent,
			},
		},
	}
	cfg.RoleRegistry = config.NewRoleRegistry(cfg.AgentRoles)

	reg := registry.New(client)
	api := platform.NewLocal(logger)
	mgr := lifecycle.New(cfg, reg, mail.NewStore(),
		agentsession.NewFakeRunner(logger), gitops.NewNoop(), api, "", logger)
	t.Cleanup(mgr.Stop)

	return &sweepHarness{
		loop: New(cfg, reg, api, mgr, logger),
		reg:  reg,
		api:  api,
		mgr:  mgr,
		cfg:  cfg,
	}
}

func seedAgent(t *testing.T, h *sweepHarness, agent models.Agent) *models.Agent {
	t.Helper()
	if agent.BlockedBy == nil {
		agent.BlockedBy = models.IntSet{}
	}
	require.NoError(t, h.reg.CreateAgent(context.Background(), &agent))
	return &agent
}

func intPtr(n int) *int { return &n }

func timePtr(tm time.Time) *time.Time { return &tm }

func TestSweepCompletesAgentForClosedIssue(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 7, State: "closed"})
	seedAgent(t, h, models.Agent{
		ID: "developer-7", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber: intPtr(7), SleepingSince: timePtr(time.Now()),
	})

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-7")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
}

func TestSweepLeavesAgentForOpenIssue(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 8, State: "open"})
	seedAgent(t, h, models.Agent{
		ID: "developer-8", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber: intPtr(8), SleepingSince: timePtr(time.Now()),
	})

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-8")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusSleeping, agent.Status)
}

func TestSweepCompletesReassignedAgent(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 12, State: "open", Assignees: []string{"alice"}})
	seedAgent(t, h, models.Agent{
		ID: "developer-12", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber: intPtr(12), SleepingSince: timePtr(time.Now()),
	})

	// An issue still assigned to the bot stays with the agent.
	h.api.SeedIssue(platform.Issue{Number: 13, State: "open", Assignees: []string{"squadron", "bob"}})
	seedAgent(t, h, models.Agent{
		ID: "developer-13", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber: intPtr(13), SleepingSince: timePtr(time.Now()),
	})

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-12")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)

	agent, err = h.reg.GetAgent(ctx, "developer-13")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusSleeping, agent.Status)
}

func TestSweepEscalatesStaleActiveAgent(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 9, State: "open"})
	seedAgent(t, h, models.Agent{
		ID: "developer-9", Role: "developer", Status: models.AgentStatusActive,
		IssueNumber: intPtr(9),
		ActiveSince: timePtr(time.Now().Add(-2 * time.Hour)),
	})

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-9")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusEscalated, agent.Status)

	comments := h.api.Comments(9)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1].Body, "escalated")
}

func TestSweepUnblocksAgentWhoseBlockerClosed(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 10, State: "open", Title: "main work"})
	h.api.SeedIssue(platform.Issue{Number: 99, State: "closed", Title: "dependency"})
	seedAgent(t, h, models.Agent{
		ID: "developer-10", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber:   intPtr(10),
		SleepingSince: timePtr(time.Now()),
		SessionID:     nil,
	})
	require.NoError(t, h.reg.AddBlocker(ctx, "developer-10", 99))

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-10")
	require.NoError(t, err)
	assert.False(t, agent.Blocked())
	// The wake ran the agent through a fake turn; it is no longer stuck
	// sleeping on a resolved blocker.
	assert.NotEqual(t, models.AgentStatusSleeping, agent.Status)
}

func TestSweepCompletesOversleptAgent(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	h.api.SeedIssue(platform.Issue{Number: 11, State: "open"})
	seedAgent(t, h, models.Agent{
		ID: "developer-11", Role: "developer", Status: models.AgentStatusSleeping,
		IssueNumber:   intPtr(11),
		SleepingSince: timePtr(time.Now().Add(-48 * time.Hour)),
	})

	require.NoError(t, h.loop.Sweep(ctx))

	agent, err := h.reg.GetAgent(ctx, "developer-11")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
}

func TestStartAndStopSchedule(t *testing.T) {
	h := newSweepHarness(t)
	require.NoError(t, h.loop.Start())
	h.loop.Stop()
}
