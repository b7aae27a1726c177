package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestAgentCRUD(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:          "developer-42",
		Role:        "developer",
		Status:      models.AgentStatusCreated,
		IssueNumber: intPtr(42),
		Branch:      "agent/developer/42",
	}
	require.NoError(t, r.CreateAgent(ctx, agent))

	got, err := r.GetAgent(ctx, "developer-42")
	require.NoError(t, err)
	assert.Equal(t, "developer", got.Role)
	assert.Equal(t, models.AgentStatusCreated, got.Status)
	require.NotNil(t, got.IssueNumber)
	assert.Equal(t, 42, *got.IssueNumber)
	assert.False(t, got.UpdatedAt.IsZero())

	got.Status = models.AgentStatusActive
	got.TurnCount = 3
	now := time.Now().UTC()
	got.ActiveSince = &now
	require.NoError(t, r.UpdateAgent(ctx, got))

	got, err = r.GetAgent(ctx, "developer-42")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, got.Status)
	assert.Equal(t, 3, got.TurnCount)
	require.NotNil(t, got.ActiveSince)

	require.NoError(t, r.DeleteAgent(ctx, "developer-42"))
	_, err = r.GetAgent(ctx, "developer-42")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, r.DeleteAgent(ctx, "developer-42"))
}

func TestCreateAgentDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &models.Agent{ID: "reviewer-7", Role: "reviewer", Status: models.AgentStatusCreated}
	require.NoError(t, r.CreateAgent(ctx, agent))

	err := r.CreateAgent(ctx, &models.Agent{ID: "reviewer-7", Role: "reviewer", Status: models.AgentStatusCreated})
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestUpdateAgentTerminalGuard(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &models.Agent{ID: "developer-9", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(9)}
	require.NoError(t, r.CreateAgent(ctx, agent))

	agent.Status = models.AgentStatusCompleted
	require.NoError(t, r.UpdateAgent(ctx, agent))

	// Reviving a terminal row must fail without mutation.
	agent.Status = models.AgentStatusActive
	agent.TurnCount = 99
	err := r.UpdateAgent(ctx, agent)
	assert.ErrorIs(t, err, ErrTerminalAgent)

	got, err := r.GetAgent(ctx, "developer-9")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, got.Status)
	assert.Equal(t, 0, got.TurnCount)

	// Terminal-to-terminal transitions are allowed.
	got.Status = models.AgentStatusFailed
	assert.NoError(t, r.UpdateAgent(ctx, got))
}

func TestFindNonTerminalAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateAgent(ctx, &models.Agent{
		ID: "developer-1", Role: "developer", Status: models.AgentStatusCompleted, IssueNumber: intPtr(1),
	}))
	require.NoError(t, r.CreateAgent(ctx, &models.Agent{
		ID: "developer-1b", Role: "developer", Status: models.AgentStatusSleeping, IssueNumber: intPtr(1),
	}))

	found, err := r.FindNonTerminalAgent(ctx, "developer", 1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "developer-1b", found.ID)

	found, err = r.FindNonTerminalAgent(ctx, "developer", 2)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = r.FindNonTerminalAgentByRole(ctx, "developer")
	require.NoError(t, err)
	require.NotNil(t, found)

	found, err = r.FindNonTerminalAgentByRole(ctx, "tech-lead")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestListAgentsByStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, a := range []*models.Agent{
		{ID: "a1", Role: "developer", Status: models.AgentStatusActive},
		{ID: "a2", Role: "developer", Status: models.AgentStatusSleeping},
		{ID: "a3", Role: "reviewer", Status: models.AgentStatusCompleted},
	} {
		require.NoError(t, r.CreateAgent(ctx, a))
	}

	agents, err := r.ListAgentsByStatus(ctx, models.AgentStatusActive, models.AgentStatusSleeping)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	agents, err = r.ListAgentsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestBlockerCycleRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// developer-10 works issue 10, developer-20 works issue 20.
	require.NoError(t, r.CreateAgent(ctx, &models.Agent{
		ID: "developer-10", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(10),
	}))
	require.NoError(t, r.CreateAgent(ctx, &models.Agent{
		ID: "developer-20", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(20),
	}))

	// 10 blocks on 20: fine.
	require.NoError(t, r.AddBlocker(ctx, "developer-10", 20))

	// 20 blocks on 10: closes the cycle, rejected without mutation.
	err := r.AddBlocker(ctx, "developer-20", 10)
	assert.ErrorIs(t, err, ErrBlockerCycle)

	got, err := r.GetAgent(ctx, "developer-20")
	require.NoError(t, err)
	assert.False(t, got.BlockedBy.Has(10))

	// Blocking on an unowned issue is always fine.
	require.NoError(t, r.AddBlocker(ctx, "developer-20", 30))

	// Re-adding an existing blocker is a no-op.
	require.NoError(t, r.AddBlocker(ctx, "developer-10", 20))

	blocked, err := r.AgentsBlockedBy(ctx, 20)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "developer-10", blocked[0].ID)

	require.NoError(t, r.RemoveBlocker(ctx, "developer-10", 20))
	blocked, err = r.AgentsBlockedBy(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestBlockerTransitiveCycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, a := range []*models.Agent{
		{ID: "d1", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(1)},
		{ID: "d2", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(2)},
		{ID: "d3", Role: "developer", Status: models.AgentStatusActive, IssueNumber: intPtr(3)},
	} {
		require.NoError(t, r.CreateAgent(ctx, a))
	}

	require.NoError(t, r.AddBlocker(ctx, "d1", 2))
	require.NoError(t, r.AddBlocker(ctx, "d2", 3))

	// 3 → 1 → 2 → 3 is a transitive cycle.
	err := r.AddBlocker(ctx, "d3", 1)
	assert.ErrorIs(t, err, ErrBlockerCycle)
}

func TestPipelineRunCRUD(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	run := &models.PipelineRun{
		ID:                 "run-1",
		PipelineName:       "feature-flow",
		DefinitionSnapshot: "stages: []",
		TriggerEvent:       "issues.labeled",
		TriggerDeliveryID:  "delivery-abc",
		IssueNumber:        intPtr(42),
		Status:             models.RunStatusPending,
	}
	require.NoError(t, r.CreatePipelineRun(ctx, run))

	got, err := r.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "feature-flow", got.PipelineName)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.NotNil(t, got.Context)

	got.Status = models.RunStatusRunning
	got.CurrentStageID = strPtr("implement")
	got.Context["branch"] = "agent/developer/42"
	now := time.Now().UTC()
	got.StartedAt = &now
	require.NoError(t, r.UpdatePipelineRun(ctx, got))

	got, err = r.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	require.NotNil(t, got.CurrentStageID)
	assert.Equal(t, "implement", *got.CurrentStageID)
	assert.Equal(t, "agent/developer/42", got.Context["branch"])

	_, err = r.GetPipelineRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = r.UpdatePipelineRun(ctx, &models.PipelineRun{ID: "missing"})
	assert.ErrorIs(t, err, ErrRunNotFound)

	runs, err := r.ListRunsByStatus(ctx, models.RunStatusRunning)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFindRunningRun(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreatePipelineRun(ctx, &models.PipelineRun{
		ID: "run-a", PipelineName: "pr-flow", TriggerEvent: "pull_request.opened",
		TriggerDeliveryID: "d1", PRNumber: intPtr(7), Scope: "single-pr",
		Status: models.RunStatusRunning,
	}))

	run, err := r.FindRunningRun(ctx, "pr-flow", 7)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-a", run.ID)

	run, err = r.FindRunningRun(ctx, "pr-flow", 8)
	require.NoError(t, err)
	assert.Nil(t, run)

	run, err = r.FindRunningRun(ctx, "other-flow", 7)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestStageRunLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreatePipelineRun(ctx, &models.PipelineRun{
		ID: "run-1", PipelineName: "flow", TriggerEvent: "issues.opened",
		TriggerDeliveryID: "d1", Status: models.RunStatusRunning,
	}))

	sr := &models.StageRun{RunID: "run-1", StageID: "implement", Status: models.StageStatusRunning}
	require.NoError(t, r.CreateStageRun(ctx, sr))
	assert.Positive(t, sr.ID)
	assert.Equal(t, 1, sr.AttemptNumber)

	sr.Status = models.StageStatusCompleted
	sr.Outputs = models.JSONMap{"pr_number": float64(11)}
	now := time.Now().UTC()
	sr.CompletedAt = &now
	require.NoError(t, r.UpdateStageRun(ctx, sr))

	got, err := r.GetStageRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, got.Status)
	assert.Equal(t, float64(11), got.Outputs["pr_number"])

	retry := &models.StageRun{RunID: "run-1", StageID: "implement", Status: models.StageStatusRunning, AttemptNumber: 2, MaxAttempts: 3}
	require.NoError(t, r.CreateStageRun(ctx, retry))

	all, err := r.ListStageRuns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].AttemptNumber)
	assert.Equal(t, 2, all[1].AttemptNumber)

	_, err = r.GetStageRun(ctx, 999)
	assert.ErrorIs(t, err, ErrStageRunNotFound)
}

func TestFindStageRunByAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreatePipelineRun(ctx, &models.PipelineRun{
		ID: "run-1", PipelineName: "flow", TriggerEvent: "issues.opened",
		TriggerDeliveryID: "d1", Status: models.RunStatusRunning,
	}))

	sr := &models.StageRun{RunID: "run-1", StageID: "implement", Status: models.StageStatusWaiting, AgentID: strPtr("developer-5")}
	require.NoError(t, r.CreateStageRun(ctx, sr))

	found, err := r.FindStageRunByAgent(ctx, "developer-5")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sr.ID, found.ID)

	found, err = r.FindStageRunByAgent(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGateCheckAudit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreatePipelineRun(ctx, &models.PipelineRun{
		ID: "run-1", PipelineName: "flow", TriggerEvent: "issues.opened",
		TriggerDeliveryID: "d1", Status: models.RunStatusRunning,
	}))
	sr := &models.StageRun{RunID: "run-1", StageID: "gate", Status: models.StageStatusWaiting}
	require.NoError(t, r.CreateStageRun(ctx, sr))

	rec := &models.GateCheckRecord{
		StageRunID: sr.ID,
		CheckType:  "pr_approval",
		Passed:     false,
		Message:    "pr-review: 0/1",
	}
	require.NoError(t, r.RecordGateCheck(ctx, rec))
	assert.Positive(t, rec.ID)

	recs, err := r.ListGateChecks(ctx, sr.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Passed)
	assert.Equal(t, "pr_approval", recs[0].CheckType)
}

func TestHumanStageState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreatePipelineRun(ctx, &models.PipelineRun{
		ID: "run-1", PipelineName: "flow", TriggerEvent: "issues.opened",
		TriggerDeliveryID: "d1", Status: models.RunStatusRunning,
	}))
	sr := &models.StageRun{RunID: "run-1", StageID: "sign-off", Status: models.StageStatusWaiting}
	require.NoError(t, r.CreateStageRun(ctx, sr))

	none, err := r.GetHumanStageState(ctx, sr.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	now := time.Now().UTC()
	hs := &models.HumanStageState{
		StageRunID:      sr.ID,
		EntryNotifiedAt: &now,
		AssignedUsers:   models.StringList{"alice", "bob"},
	}
	require.NoError(t, r.CreateHumanStageState(ctx, hs))

	hs.ReminderCount = 1
	hs.LastReminderAt = &now
	require.NoError(t, r.UpdateHumanStageState(ctx, hs))

	got, err := r.GetHumanStageState(ctx, sr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ReminderCount)
	assert.Equal(t, models.StringList{"alice", "bob"}, got.AssignedUsers)
}

func TestPRMergeReadiness(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetPRRequirements(ctx, 7, []models.PRReviewRequirement{
		{Role: "pr-review", RequiredCount: 1},
		{Role: "security-review", RequiredCount: 2},
	}))

	ready, missing, err := r.CheckPRMergeReady(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, []string{"pr-review: 0/1", "security-review: 0/2"}, missing)

	require.NoError(t, r.RecordPRApproval(ctx, &models.PRApproval{
		PRNumber: 7, Role: "pr-review", Approved: true, ReviewID: 100,
	}))
	require.NoError(t, r.RecordPRApproval(ctx, &models.PRApproval{
		PRNumber: 7, Role: "security-review", Approved: true, ReviewID: 101,
	}))

	ready, missing, err = r.CheckPRMergeReady(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, []string{"security-review: 1/2"}, missing)

	require.NoError(t, r.RecordPRApproval(ctx, &models.PRApproval{
		PRNumber: 7, Role: "security-review", Approved: true, ReviewID: 102,
	}))

	ready, missing, err = r.CheckPRMergeReady(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, missing)

	// New commits invalidate everything; readiness must be re-earned.
	n, err := r.InvalidatePRApprovals(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	ready, missing, err = r.CheckPRMergeReady(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Len(t, missing, 2)

	// History rows survive invalidation as stale.
	approvals, err := r.ListPRApprovals(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, approvals, 3)
	for _, a := range approvals {
		assert.True(t, a.Stale)
	}
}

func TestPRRejectionDoesNotCount(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetPRRequirements(ctx, 9, []models.PRReviewRequirement{
		{Role: "pr-review", RequiredCount: 1},
	}))
	require.NoError(t, r.RecordPRApproval(ctx, &models.PRApproval{
		PRNumber: 9, Role: "pr-review", Approved: false, ReviewID: 200,
	}))

	ready, missing, err := r.CheckPRMergeReady(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, []string{"pr-review: 0/1"}, missing)
}

func TestPRSequenceState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	none, err := r.GetPRSequenceState(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, none)

	state := &models.PRSequenceState{PRNumber: 5, CurrentRole: "pr-review", SequenceIndex: 0}
	require.NoError(t, r.SetPRSequenceState(ctx, state))

	state.CurrentRole = "security-review"
	state.SequenceIndex = 1
	require.NoError(t, r.SetPRSequenceState(ctx, state))

	got, err := r.GetPRSequenceState(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "security-review", got.CurrentRole)
	assert.Equal(t, 1, got.SequenceIndex)

	require.NoError(t, r.ClearPRReviewState(ctx, 5))
	none, err = r.GetPRSequenceState(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeliveryDedupFence(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	seen, err := r.IsDeliverySeen(ctx, "d-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, r.MarkDeliverySeen(ctx, "d-1"))

	seen, err = r.IsDeliverySeen(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Second mark loses the race and reports the duplicate.
	err = r.MarkDeliverySeen(ctx, "d-1")
	assert.ErrorIs(t, err, ErrDuplicateDelivery)
}

func TestPruneDeliveries(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.MarkDeliverySeen(ctx, "old"))

	// Nothing is older than an hour yet.
	n, err := r.PruneDeliveries(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.PruneDeliveries(ctx, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	seen, err := r.IsDeliverySeen(ctx, "old")
	require.NoError(t, err)
	assert.False(t, seen)
}
