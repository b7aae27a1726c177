package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/pipeline/gatecheck"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// fakeSpawner records workflow agent spawns without running sessions.
type fakeSpawner struct {
	mu     sync.Mutex
	spawns []string
	fail   map[string]error
}

func (f *fakeSpawner) SpawnWorkflowAgent(_ context.Context, role string, _, _ int, runID, stageID, _ string, _ bool) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[stageID]; ok {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s-%s", role, runID, stageID)
	f.spawns = append(f.spawns, stageID)
	return &models.Agent{ID: id, Role: role, Status: models.AgentStatusActive}, nil
}

func (f *fakeSpawner) spawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spawns))
	copy(out, f.spawns)
	return out
}

type engineHarness struct {
	engine  *Engine
	reg     *registry.Registry
	spawner *fakeSpawner
	api     *platform.Local
	cfg     *config.Config
}

func newEngineHarness(t *testing.T, workflows map[string]*config.PipelineConfig) *engineHarness {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.Default()
	reg := registry.New(client)
	api := platform.NewLocal(logger)

	checks := gatecheck.NewRegistry()
	gatecheck.RegisterBuiltins(checks, reg, api)

	actions := NewActionRegistry()
	RegisterBuiltinActions(actions, api)

	cfg := &config.Config{
		Workflows:        workflows,
		WorkflowRegistry: config.NewWorkflowRegistry(workflows),
	}
	spawner := &fakeSpawner{fail: make(map[string]error)}
	engine := NewEngine(cfg, reg, checks, actions, spawner, logger)
	t.Cleanup(engine.Wait)
	return &engineHarness{engine: engine, reg: reg, spawner: spawner, api: api, cfg: cfg}
}

func agentStage(id, role string) config.StageSpec {
	return config.StageSpec{ID: id, Type: config.StageTypeAgent, Role: role}
}

func prEvent(eventType models.EventType, pr int) models.Event {
	return models.Event{
		Type:       eventType,
		DeliveryID: fmt.Sprintf("d-%s-%d", eventType, pr),
		PRNumber:   pr,
	}
}

func workflowAgentID(role, runID, stageID string) string {
	return fmt.Sprintf("%s-%s-%s", role, runID, stageID)
}

func getRun(t *testing.T, h *engineHarness, runID string) *models.PipelineRun {
	t.Helper()
	run, err := h.reg.GetPipelineRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func stageStatuses(t *testing.T, h *engineHarness, runID string) map[string]models.StageStatus {
	t.Helper()
	all, err := h.reg.ListStageRuns(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]models.StageStatus)
	for _, sr := range all {
		out[sr.StageID] = sr.Status
	}
	return out
}

func TestAgentGateAgentPipeline(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "deploy",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Stages: []config.StageSpec{
			agentStage("develop", "developer"),
			{ID: "verify", Type: config.StageTypeGate, Checks: []config.GateConditionSpec{
				{Check: "command", Config: map[string]any{"run": "true"}},
			}},
			agentStage("deploy", "operator"),
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"deploy": def})
	ctx := context.Background()

	run, err := h.engine.StartRun(ctx, "deploy", prEvent(models.EventPROpened, 10), nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"develop"}, h.spawner.spawned())
	assert.Equal(t, models.StageStatusWaiting, stageStatuses(t, h, run.ID)["develop"])

	h.engine.OnAgentComplete(ctx, workflowAgentID("developer", run.ID, "develop"), models.JSONMap{"pr": 10})

	// The gate passed inline, so the deploy agent is already out.
	assert.Equal(t, []string{"develop", "deploy"}, h.spawner.spawned())
	statuses := stageStatuses(t, h, run.ID)
	assert.Equal(t, models.StageStatusCompleted, statuses["develop"])
	assert.Equal(t, models.StageStatusCompleted, statuses["verify"])

	h.engine.OnAgentComplete(ctx, workflowAgentID("operator", run.ID, "deploy"), nil)
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)

	// The gate pass left an audit row behind.
	all, err := h.reg.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	for _, sr := range all {
		if sr.StageID != "verify" {
			continue
		}
		records, err := h.reg.ListGateChecks(ctx, sr.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Passed)
		assert.Equal(t, "command", records[0].CheckType)
	}
}

func TestGateWaitsAndReactsToReview(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "merge",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Scope:   config.ScopeSinglePR,
		Stages: []config.StageSpec{
			{ID: "approval", Type: config.StageTypeGate, Checks: []config.GateConditionSpec{
				{Check: "pr_approval", Config: map[string]any{"count": 1}},
			}},
			{ID: "merge", Type: config.StageTypeAction, ActionName: "merge_pr"},
		},
		OnEvents: map[string]config.ReactionSpec{
			"pull_request_review.submitted": {Action: config.ReactionReevaluateGates},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"merge": def})
	ctx := context.Background()

	h.api.SeedPullRequest(platform.PullRequest{Number: 20, State: "open"})

	run, err := h.engine.StartRun(ctx, "merge", prEvent(models.EventPROpened, 20), nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusWaiting, stageStatuses(t, h, run.ID)["approval"])
	assert.Equal(t, models.RunStatusRunning, getRun(t, h, run.ID).Status)

	// An approval lands, the reactive event re-runs the gate, and the run
	// merges and completes.
	require.NoError(t, h.reg.RecordPRApproval(ctx, &models.PRApproval{
		PRNumber: 20, Role: "pr-review", Approved: true, ReviewID: 1,
	}))
	require.NoError(t, h.engine.HandleEvent(ctx, prEvent(models.EventPRReviewSubmitted, 20)))

	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)
	assert.Contains(t, h.api.MergedPulls(), 20)
}

func TestSinglePRScopeSuppressesDuplicates(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "merge",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Scope:   config.ScopeSinglePR,
		Stages: []config.StageSpec{
			{ID: "wait", Type: config.StageTypeGate, Checks: []config.GateConditionSpec{
				{Check: "pr_approval"},
			}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"merge": def})
	ctx := context.Background()

	first, err := h.engine.StartRun(ctx, "merge", prEvent(models.EventPROpened, 30), nil, "")
	require.NoError(t, err)
	second, err := h.engine.StartRun(ctx, "merge", prEvent(models.EventPROpened, 30), nil, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	runs, err := h.reg.ListRunsByStatus(ctx, models.RunStatusRunning)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestActionConflictTransition(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "automerge",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Stages: []config.StageSpec{
			{ID: "merge", Type: config.StageTypeAction, ActionName: "merge_pr",
				OnConflict: "notify"},
			{ID: "notify", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "Merge of PR #{pr_number} hit a conflict."}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"automerge": def})
	ctx := context.Background()

	// A closed PR makes the merge report a conflict.
	h.api.SeedPullRequest(platform.PullRequest{Number: 40, State: "closed"})

	run, err := h.engine.StartRun(ctx, "automerge", prEvent(models.EventPROpened, 40), nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)

	comments := h.api.Comments(40)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "conflict")
}

func TestStageRetryThenEscape(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "flaky",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "build", Type: config.StageTypeAgent, Role: "builder",
				Transitions: config.TransitionSpec{
					OnError: &config.ErrorTransition{Retry: 2, Then: "report"},
				}},
			{ID: "report", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "build keeps failing"}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"flaky": def})
	h.spawner.fail["build"] = fmt.Errorf("runner offline")
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-1", IssueNumber: 50}
	run, err := h.engine.StartRun(ctx, "flaky", event, nil, "")
	require.NoError(t, err)

	// Three failed attempt rows, then the escape transition.
	all, err := h.reg.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	attempts := 0
	for _, sr := range all {
		if sr.StageID == "build" {
			attempts++
			assert.Equal(t, models.StageStatusFailed, sr.Status)
		}
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)
	assert.Len(t, h.api.Comments(50), 1)
}

func TestIterationBoundEscalates(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "loop",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "spin", Type: config.StageTypeAgent, Role: "worker",
				Transitions: config.TransitionSpec{
					OnComplete:    "spin",
					MaxIterations: 2,
					Then:          config.TransitionEscalate,
				}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"loop": def})
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-2", IssueNumber: 60}
	run, err := h.engine.StartRun(ctx, "loop", event, nil, "")
	require.NoError(t, err)

	h.engine.OnAgentComplete(ctx, workflowAgentID("worker", run.ID, "spin"), nil)
	assert.Equal(t, models.RunStatusRunning, getRun(t, h, run.ID).Status)

	h.engine.OnAgentComplete(ctx, workflowAgentID("worker", run.ID, "spin"), nil)
	assert.Equal(t, models.RunStatusEscalated, getRun(t, h, run.ID).Status)
	assert.Len(t, h.spawner.spawned(), 2, "third entry must take the escape target instead")
}

func TestConditionSkipsStage(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "cond",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "security", Type: config.StageTypeAgent, Role: "security",
				Condition: &config.ConditionSpec{LabelsInclude: "security"}},
			{ID: "done", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "done"}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"cond": def})
	ctx := context.Background()

	event := models.Event{
		Type: models.EventIssueOpened, DeliveryID: "d-3", IssueNumber: 70,
		Payload: models.EventPayload{Labels: []string{"feature"}},
	}
	run, err := h.engine.StartRun(ctx, "cond", event, nil, "")
	require.NoError(t, err)

	assert.Empty(t, h.spawner.spawned())
	assert.Equal(t, models.StageStatusSkipped, stageStatuses(t, h, run.ID)["security"])
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)
}

func TestDelayStageAdvances(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "delayed",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "pause", Type: config.StageTypeDelay, Duration: "20ms"},
			{ID: "after", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "after the pause"}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"delayed": def})
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-4", IssueNumber: 80}
	run, err := h.engine.StartRun(ctx, "delayed", event, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, getRun(t, h, run.ID).Status)

	require.Eventually(t, func() bool {
		return getRun(t, h, run.ID).Status == models.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.api.Comments(80), 1)
}

func TestCancelReactionCancelsDelayedRun(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "cancellable",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Stages: []config.StageSpec{
			{ID: "pause", Type: config.StageTypeDelay, Duration: "10m"},
		},
		OnEvents: map[string]config.ReactionSpec{
			"pull_request.closed": {Action: config.ReactionCancel},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"cancellable": def})
	ctx := context.Background()

	run, err := h.engine.StartRun(ctx, "cancellable", prEvent(models.EventPROpened, 90), nil, "")
	require.NoError(t, err)

	require.NoError(t, h.engine.HandleEvent(ctx, prEvent(models.EventPRClosed, 90)))
	assert.Equal(t, models.RunStatusCancelled, getRun(t, h, run.ID).Status)
	assert.Equal(t, models.StageStatusCancelled, stageStatuses(t, h, run.ID)["pause"])
}

func TestParallelJoinWithReject(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "fanout",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Stages: []config.StageSpec{
			{ID: "reviews", Type: config.StageTypeParallel,
				Branches: []config.StageSpec{
					agentStage("style", "style-review"),
					agentStage("security", "security-review"),
				},
				OnAnyReject: config.TransitionEscalate,
			},
			{ID: "merge", Type: config.StageTypeAction, ActionName: "merge_pr"},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"fanout": def})
	ctx := context.Background()

	run, err := h.engine.StartRun(ctx, "fanout", prEvent(models.EventPROpened, 95), nil, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"style", "security"}, h.spawner.spawned())

	h.engine.OnAgentComplete(ctx, workflowAgentID("style-review", run.ID, "style"), nil)
	assert.Equal(t, models.RunStatusRunning, getRun(t, h, run.ID).Status, "join waits for all branches")

	h.engine.OnAgentError(ctx, workflowAgentID("security-review", run.ID, "security"),
		fmt.Errorf("agent security-review finished escalated"))
	assert.Equal(t, models.RunStatusEscalated, getRun(t, h, run.ID).Status)
}

func TestSubPipelineCompletesParent(t *testing.T) {
	child := &config.PipelineConfig{
		Name: "child",
		Stages: []config.StageSpec{
			{ID: "note", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "child ran"}},
		},
	}
	parent := &config.PipelineConfig{
		Name:    "parent",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "sub", Type: config.StageTypePipeline, Pipeline: "child"},
			{ID: "after", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "parent resumed"}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"parent": parent, "child": child})
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-5", IssueNumber: 100}
	run, err := h.engine.StartRun(ctx, "parent", event, nil, "")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)
	children, err := h.reg.ListChildRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.RunStatusCompleted, children[0].Status)
	assert.Equal(t, 1, children[0].NestingDepth)
	assert.Len(t, h.api.Comments(100), 2)
}

func TestSubPipelineRetryCreatesFreshChildRun(t *testing.T) {
	child := &config.PipelineConfig{
		Name:   "child",
		Stages: []config.StageSpec{agentStage("work", "builder")},
	}
	parent := &config.PipelineConfig{
		Name:    "parent",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "sub", Type: config.StageTypePipeline, Pipeline: "child",
				Transitions: config.TransitionSpec{
					OnError: &config.ErrorTransition{Retry: 1},
				}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"parent": parent, "child": child})
	h.spawner.fail["work"] = fmt.Errorf("runner offline")
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-retry-sub", IssueNumber: 150}
	run, err := h.engine.StartRun(ctx, "parent", event, nil, "")
	require.NoError(t, err)

	// Both attempts dispatched a real child run; the retry was not choked
	// by the first child's retained trigger delivery id.
	children, err := h.reg.ListChildRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, models.RunStatusFailed, c.Status)
	}

	all, err := h.reg.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	attempts := 0
	for _, sr := range all {
		if sr.StageID == "sub" {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
	assert.Equal(t, models.RunStatusFailed, getRun(t, h, run.ID).Status)
}

func TestNestingDepthCapFailsRun(t *testing.T) {
	workflows := map[string]*config.PipelineConfig{}
	for i := 0; i <= models.MaxNestingDepth+1; i++ {
		name := fmt.Sprintf("level%d", i)
		stages := []config.StageSpec{}
		if i <= models.MaxNestingDepth {
			stages = append(stages, config.StageSpec{
				ID: "deeper", Type: config.StageTypePipeline,
				Pipeline: fmt.Sprintf("level%d", i+1),
			})
		} else {
			stages = append(stages, config.StageSpec{
				ID: "leaf", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "too deep"},
			})
		}
		workflows[name] = &config.PipelineConfig{Name: name, Stages: stages}
	}
	h := newEngineHarness(t, workflows)
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-6", IssueNumber: 110}
	run, err := h.engine.StartRun(ctx, "level0", event, nil, "")
	require.NoError(t, err)

	got := getRun(t, h, run.ID)
	assert.Equal(t, models.RunStatusFailed, got.Status)

	// Walk down to the deepest child: the depth violation is recorded there,
	// ancestors only see the sub-pipeline failure.
	deepest := got
	for {
		children, err := h.reg.ListChildRuns(ctx, deepest.ID)
		require.NoError(t, err)
		if len(children) == 0 {
			break
		}
		require.Len(t, children, 1)
		deepest = &children[0]
	}
	assert.Equal(t, models.MaxNestingDepth, deepest.NestingDepth)
	assert.Equal(t, models.RunStatusFailed, deepest.Status)
	require.NotNil(t, deepest.ErrorMessage)
	assert.Contains(t, *deepest.ErrorMessage, "nesting depth")
}

func TestHumanStageCompletion(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "signoff",
		Trigger: config.TriggerSpec{Event: "issues.opened"},
		Stages: []config.StageSpec{
			{ID: "approve", Type: config.StageTypeHuman, AssignedUsers: []string{"dana"}},
			{ID: "done", Type: config.StageTypeAction, ActionName: "comment_on_issue",
				ActionConfig: map[string]any{"body": "signed off"}},
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"signoff": def})
	ctx := context.Background()

	event := models.Event{Type: models.EventIssueOpened, DeliveryID: "d-7", IssueNumber: 120}
	run, err := h.engine.StartRun(ctx, "signoff", event, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusWaiting, stageStatuses(t, h, run.ID)["approve"])

	all, err := h.reg.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	state, err := h.reg.GetHumanStageState(ctx, all[0].ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.StringList{"dana"}, state.AssignedUsers)

	require.NoError(t, h.engine.CompleteHumanStage(ctx, all[0].ID, "dana", "complete"))
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)

	state, err = h.reg.GetHumanStageState(ctx, all[0].ID)
	require.NoError(t, err)
	require.NotNil(t, state.CompletedBy)
	assert.Equal(t, "dana", *state.CompletedBy)
}

func TestRecoveryPreservesWaitingStages(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "recoverable",
		Trigger: config.TriggerSpec{Event: "pull_request.opened"},
		Stages: []config.StageSpec{
			agentStage("work", "developer"),
		},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"recoverable": def})
	ctx := context.Background()

	run, err := h.engine.StartRun(ctx, "recoverable", prEvent(models.EventPROpened, 130), nil, "")
	require.NoError(t, err)

	// A fresh engine over the same store picks the run back up; the waiting
	// agent stage resumes through its callback as if nothing happened.
	fresh := NewEngine(h.cfg, h.reg, gatecheck.NewRegistry(), NewActionRegistry(), h.spawner, slog.Default())
	require.NoError(t, fresh.Recover(ctx))

	got := getRun(t, h, run.ID)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	require.NotNil(t, got.CurrentStageID)
	assert.Equal(t, "work", *got.CurrentStageID)
	assert.Equal(t, models.StageStatusWaiting, stageStatuses(t, h, run.ID)["work"])

	fresh.OnAgentComplete(ctx, workflowAgentID("developer", run.ID, "work"), nil)
	assert.Equal(t, models.RunStatusCompleted, getRun(t, h, run.ID).Status)
}

func TestTriggerLabelFiltering(t *testing.T) {
	def := &config.PipelineConfig{
		Name:    "hotfix",
		Trigger: config.TriggerSpec{Event: "issues.labeled", Label: "hotfix"},
		Stages:  []config.StageSpec{agentStage("fix", "developer")},
	}
	h := newEngineHarness(t, map[string]*config.PipelineConfig{"hotfix": def})
	ctx := context.Background()

	require.NoError(t, h.engine.HandleEvent(ctx, models.Event{
		Type: models.EventIssueLabeled, DeliveryID: "d-8", IssueNumber: 140,
		Payload: models.EventPayload{Label: "feature"},
	}))
	assert.Empty(t, h.spawner.spawned())

	require.NoError(t, h.engine.HandleEvent(ctx, models.Event{
		Type: models.EventIssueLabeled, DeliveryID: "d-9", IssueNumber: 140,
		Payload: models.EventPayload{Label: "hotfix"},
	}))
	assert.Equal(t, []string{"fix"}, h.spawner.spawned())
}

func TestBuiltinActionNames(t *testing.T) {
	r := NewActionRegistry()
	RegisterBuiltinActions(r, platform.NewLocal(slog.Default()))
	assert.Equal(t, []string{"add_label", "close_issue", "comment_on_issue", "delete_branch", "merge_pr"}, r.Names())
}
