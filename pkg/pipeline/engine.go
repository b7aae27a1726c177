// Package pipeline implements the declarative multi-stage workflow engine:
// trigger matching, stage dispatch, transition evaluation, retries, reactive
// events, iteration bounding, and restart recovery. Each run executes
// against an immutable snapshot of its definition.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/pipeline/gatecheck"
	"github.com/squadron-hq/squadron/pkg/registry"
)

var (
	// ErrDepthExceeded indicates a sub-pipeline stage would nest past the
	// hard cap.
	ErrDepthExceeded = errors.New("pipeline nesting depth exceeded")

	// ErrUnknownStage indicates a transition references a stage id missing
	// from the snapshot.
	ErrUnknownStage = errors.New("unknown stage id")
)

// AgentSpawner is the lifecycle surface the engine drives. Implemented by
// the lifecycle manager.
type AgentSpawner interface {
	SpawnWorkflowAgent(ctx context.Context, role string, issueNumber, prNumber int, runID, stageID, action string, continueSession bool) (*models.Agent, error)
}

// Engine executes pipeline runs.
type Engine struct {
	cfg     *config.Config
	reg     *registry.Registry
	checks  *gatecheck.Registry
	actions *ActionRegistry
	spawner AgentSpawner
	logger  *slog.Logger

	// mu serializes stage transitions. Runs advance one stage at a time,
	// and reactive events race with agent callbacks.
	mu sync.Mutex

	// iterations tracks per-run stage entry counts for iteration bounding.
	iterations map[string]map[string]int

	// delayCancels aborts in-flight delay stages when a run is cancelled.
	delayCancels map[string][]context.CancelFunc

	wg sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(cfg *config.Config, reg *registry.Registry, checks *gatecheck.Registry,
	actions *ActionRegistry, spawner AgentSpawner, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		reg:          reg,
		checks:       checks,
		actions:      actions,
		spawner:      spawner,
		logger:       logger.With("component", "pipeline"),
		iterations:   make(map[string]map[string]int),
		delayCancels: make(map[string][]context.CancelFunc),
	}
}

// RegisterHandlers subscribes the engine to every event type: any event can
// trigger a pipeline or feed a running one's reactions.
func (e *Engine) RegisterHandlers(r *events.Router) {
	for _, t := range []models.EventType{
		models.EventIssueOpened, models.EventIssueAssigned, models.EventIssueClosed,
		models.EventIssueLabeled, models.EventIssueComment,
		models.EventPROpened, models.EventPRSynchronize, models.EventPRClosed,
		models.EventPRReviewSubmitted, models.EventPRReviewComment,
	} {
		r.On(t, e.HandleEvent)
	}
}

// Wait blocks until background stage tasks (delays) finish. For shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// HandleEvent matches the event against pipeline triggers and feeds it to
// the reactive handlers of running pipelines.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) error {
	var firstErr error
	for name, def := range e.cfg.WorkflowRegistry.GetAll() {
		if !triggerMatches(def.Trigger, event) {
			continue
		}
		if _, err := e.StartRun(ctx, name, event, nil, ""); err != nil {
			e.logger.Error("starting pipeline run", "pipeline", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := e.react(ctx, event); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// triggerMatches applies the trigger's event and condition filters.
func triggerMatches(trigger config.TriggerSpec, event models.Event) bool {
	if trigger.Event != string(event.Type) {
		return false
	}
	if trigger.Label != "" {
		if event.Payload.Label != trigger.Label && !slices.Contains(event.Payload.Labels, trigger.Label) {
			return false
		}
	}
	if len(trigger.LabelsAny) > 0 {
		any := slices.Contains(trigger.LabelsAny, event.Payload.Label)
		for _, l := range trigger.LabelsAny {
			if slices.Contains(event.Payload.Labels, l) {
				any = true
			}
		}
		if !any {
			return false
		}
	}
	if trigger.BaseBranch != "" && event.Payload.BaseBranch != trigger.BaseBranch {
		return false
	}
	return true
}

// StartRun creates and starts a run of the named pipeline. parent is non-nil
// for sub-pipeline stages.
func (e *Engine) StartRun(ctx context.Context, name string, event models.Event, parent *models.PipelineRun, parentStageID string) (*models.PipelineRun, error) {
	def, err := e.cfg.WorkflowRegistry.Get(name)
	if err != nil {
		return nil, err
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", name)
	}

	// single-pr scope: one running run per (pipeline, PR).
	if def.Scope == config.ScopeSinglePR && event.PRNumber != 0 {
		existing, err := e.reg.FindRunningRun(ctx, name, event.PRNumber)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.logger.Info("duplicate trigger suppressed", "pipeline", name,
				"pr", event.PRNumber, "run_id", existing.ID)
			return existing, nil
		}
	}

	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("snapshotting pipeline %s: %w", name, err)
	}

	runCtx := models.JSONMap{}
	for k, v := range def.DefaultContext {
		runCtx[k] = v
	}
	if len(event.Payload.Labels) > 0 {
		runCtx["labels"] = event.Payload.Labels
	}
	if event.Payload.Branch != "" {
		runCtx["branch"] = event.Payload.Branch
	}

	now := time.Now().UTC()
	run := &models.PipelineRun{
		ID:                 uuid.New().String(),
		PipelineName:       name,
		DefinitionSnapshot: string(snapshot),
		TriggerEvent:       string(event.Type),
		TriggerDeliveryID:  event.DeliveryID,
		Scope:              def.Scope,
		Status:             models.RunStatusRunning,
		Context:            runCtx,
		CreatedAt:          now,
		StartedAt:          &now,
	}
	if event.IssueNumber != 0 {
		run.IssueNumber = &event.IssueNumber
	}
	if event.PRNumber != 0 {
		run.PRNumber = &event.PRNumber
	}
	if parent != nil {
		run.ParentRunID = &parent.ID
		run.ParentStageID = &parentStageID
		run.NestingDepth = parent.NestingDepth + 1
		if run.NestingDepth > models.MaxNestingDepth {
			return nil, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, run.NestingDepth, models.MaxNestingDepth)
		}
		if run.IssueNumber == nil {
			run.IssueNumber = parent.IssueNumber
		}
		if run.PRNumber == nil {
			run.PRNumber = parent.PRNumber
		}
	}

	if err := e.reg.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.PipelineRunsStarted.WithLabelValues(name).Inc()
	e.logger.Info("pipeline run started", "pipeline", name, "run_id", run.ID,
		"trigger", event.Type, "depth", run.NestingDepth)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.executeStage(ctx, run, def, def.Stages[0].ID); err != nil {
		e.logger.Error("executing first stage", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// snapshotOf decodes a run's immutable definition snapshot.
func (e *Engine) snapshotOf(run *models.PipelineRun) (*config.PipelineConfig, error) {
	var def config.PipelineConfig
	if err := json.Unmarshal([]byte(run.DefinitionSnapshot), &def); err != nil {
		return nil, fmt.Errorf("decoding snapshot of run %s: %w", run.ID, err)
	}
	return &def, nil
}

// executeStage enters a stage: bounds iteration, checks its condition, and
// dispatches by type. Caller holds e.mu.
func (e *Engine) executeStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stageID string) error {
	stage := def.StageByID(stageID)
	if stage == nil {
		return e.failRun(ctx, run, stageID, fmt.Errorf("%w: %q", ErrUnknownStage, stageID))
	}

	// Iteration bound: the escape target fires instead of re-entering.
	count := e.bumpIteration(run.ID, stageID)
	if max := stage.Transitions.MaxIterations; max > 0 && count > max {
		target := stage.Transitions.Then
		if target == "" {
			target = config.TransitionEscalate
		}
		e.logger.Warn("stage iteration bound reached", "run_id", run.ID,
			"stage", stageID, "count", count, "max", max)
		return e.advance(ctx, run, def, stageID, target)
	}

	run.CurrentStageID = &stageID
	if err := e.reg.UpdatePipelineRun(ctx, run); err != nil {
		return err
	}

	if stage.Condition != nil && !conditionHolds(stage.Condition, run.Context) {
		return e.skipStage(ctx, run, def, stage)
	}

	sr, err := e.newStageRun(ctx, run, stage, 1)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, run, def, stage, sr)
}

func (e *Engine) newStageRun(ctx context.Context, run *models.PipelineRun, stage *config.StageSpec, attempt int) (*models.StageRun, error) {
	maxAttempts := 1
	if t := stage.Transitions.OnError; t != nil && t.Retry > 0 {
		maxAttempts = 1 + t.Retry
	}
	now := time.Now().UTC()
	sr := &models.StageRun{
		RunID:         run.ID,
		StageID:       stage.ID,
		Status:        models.StageStatusRunning,
		AttemptNumber: attempt,
		MaxAttempts:   maxAttempts,
		StartedAt:     &now,
	}
	if err := e.reg.CreateStageRun(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// dispatch runs one stage attempt. Caller holds e.mu.
func (e *Engine) dispatch(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	e.logger.Info("stage dispatched", "run_id", run.ID, "stage", stage.ID,
		"type", stage.Type, "attempt", sr.AttemptNumber)

	switch stage.Type {
	case config.StageTypeAgent:
		return e.dispatchAgent(ctx, run, def, stage, sr)
	case config.StageTypeGate:
		return e.evaluateGate(ctx, run, def, stage, sr)
	case config.StageTypeAction:
		return e.dispatchAction(ctx, run, def, stage, sr)
	case config.StageTypeDelay:
		return e.dispatchDelay(ctx, run, def, stage, sr)
	case config.StageTypeHuman:
		return e.dispatchHuman(ctx, run, stage, sr)
	case config.StageTypeParallel:
		return e.dispatchParallel(ctx, run, stage, sr)
	case config.StageTypePipeline:
		return e.dispatchSubPipeline(ctx, run, def, stage, sr)
	default:
		return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("unknown stage type %q", stage.Type))
	}
}

func (e *Engine) dispatchAgent(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	issue, pr := numberOf(run.IssueNumber), numberOf(run.PRNumber)
	agent, err := e.spawner.SpawnWorkflowAgent(ctx, stage.Role, issue, pr, run.ID, stage.ID, stage.Action, stage.ContinueSession)
	if err != nil {
		return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("spawning agent: %w", err))
	}
	sr.Status = models.StageStatusWaiting
	sr.AgentID = &agent.ID
	return e.reg.UpdateStageRun(ctx, sr)
}

// evaluateGate runs every gate condition, records the audit rows, and either
// advances or leaves the stage WAITING for reactive re-evaluation.
func (e *Engine) evaluateGate(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	gc := gatecheck.Context{
		IssueNumber: numberOf(run.IssueNumber),
		PRNumber:    numberOf(run.PRNumber),
		Labels:      contextLabels(run.Context),
		RunContext:  run.Context,
	}

	passedCount, total := 0, len(stage.Checks)
	for _, check := range stage.Checks {
		res, err := e.checks.Evaluate(ctx, check.Check, models.JSONMap(check.Config), gc)
		if err != nil {
			return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("gate check %s: %w", check.Check, err))
		}
		rec := &models.GateCheckRecord{
			StageRunID:  sr.ID,
			CheckType:   check.Check,
			CheckConfig: models.JSONMap(check.Config),
			Passed:      res.Passed,
			Message:     res.Message,
			ResultData:  res.Data,
			CheckedAt:   time.Now().UTC(),
		}
		if err := e.reg.RecordGateCheck(ctx, rec); err != nil {
			e.logger.Warn("recording gate check", "run_id", run.ID, "error", err)
		}
		metrics.GateChecks.WithLabelValues(check.Check, gateOutcome(res.Passed)).Inc()
		if res.Passed {
			passedCount++
		}
	}

	passed := passedCount == total
	if stage.AnyOf {
		passed = passedCount > 0
	}
	if !passed {
		// Reactive events re-trigger the evaluation; the engine never loops
		// on its own.
		sr.Status = models.StageStatusWaiting
		if err := e.reg.UpdateStageRun(ctx, sr); err != nil {
			return err
		}
		e.logger.Info("gate not passed, waiting", "run_id", run.ID,
			"stage", stage.ID, "passed", passedCount, "total", total)
		return nil
	}

	if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, nil); err != nil {
		return err
	}
	return e.advance(ctx, run, def, stage.ID, firstNonEmpty(stage.Transitions.OnPass, stage.Transitions.OnComplete))
}

func (e *Engine) dispatchAction(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	ac := ActionContext{
		IssueNumber: numberOf(run.IssueNumber),
		PRNumber:    numberOf(run.PRNumber),
		RunContext:  run.Context,
	}
	res, err := e.actions.Invoke(ctx, stage.ActionName, models.JSONMap(stage.ActionConfig), ac)
	if err != nil {
		return e.stageFailed(ctx, run, def, stage, sr, err)
	}

	switch {
	case res.Conflict && stage.OnConflict != "":
		if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, models.JSONMap{"conflict": true, "message": res.Message}); err != nil {
			return err
		}
		return e.advance(ctx, run, def, stage.ID, stage.OnConflict)
	case !res.Success:
		return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("action %s: %s", stage.ActionName, res.Message))
	}
	if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, res.Data); err != nil {
		return err
	}
	return e.advance(ctx, run, def, stage.ID, stage.Transitions.OnComplete)
}

func (e *Engine) dispatchDelay(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	d, err := time.ParseDuration(stage.Duration)
	if err != nil {
		return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("delay stage %s: bad duration %q: %w", stage.ID, stage.Duration, err))
	}

	sr.Status = models.StageStatusWaiting
	if err := e.reg.UpdateStageRun(ctx, sr); err != nil {
		return err
	}

	delayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.delayCancels[run.ID] = append(e.delayCancels[run.ID], cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		select {
		case <-time.After(d):
		case <-delayCtx.Done():
			e.logger.Info("delay cancelled", "run_id", run.ID, "stage", stage.ID)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		current, err := e.reg.GetPipelineRun(delayCtx, run.ID)
		if err != nil || current.Status != models.RunStatusRunning {
			return
		}
		if err := e.finishStageRun(delayCtx, sr, models.StageStatusCompleted, nil); err != nil {
			e.logger.Error("completing delay stage", "run_id", run.ID, "error", err)
			return
		}
		if err := e.advance(delayCtx, current, def, stage.ID, stage.Transitions.OnComplete); err != nil {
			e.logger.Error("advancing after delay", "run_id", run.ID, "error", err)
		}
	}()
	return nil
}

func (e *Engine) dispatchHuman(ctx context.Context, run *models.PipelineRun, stage *config.StageSpec, sr *models.StageRun) error {
	sr.Status = models.StageStatusWaiting
	if err := e.reg.UpdateStageRun(ctx, sr); err != nil {
		return err
	}
	now := time.Now().UTC()
	hs := &models.HumanStageState{
		StageRunID:      sr.ID,
		EntryNotifiedAt: &now,
		AssignedUsers:   models.StringList(stage.AssignedUsers),
	}
	if err := e.reg.CreateHumanStageState(ctx, hs); err != nil {
		return err
	}
	e.logger.Info("human checkpoint waiting", "run_id", run.ID, "stage", stage.ID,
		"assigned", stage.AssignedUsers)
	return nil
}

func (e *Engine) dispatchParallel(ctx context.Context, run *models.PipelineRun, stage *config.StageSpec, sr *models.StageRun) error {
	sr.Status = models.StageStatusWaiting
	if err := e.reg.UpdateStageRun(ctx, sr); err != nil {
		return err
	}

	for i := range stage.Branches {
		branch := &stage.Branches[i]
		now := time.Now().UTC()
		branchRun := &models.StageRun{
			RunID:         run.ID,
			StageID:       branch.ID,
			Status:        models.StageStatusRunning,
			BranchID:      &branch.ID,
			ParentStageID: &stage.ID,
			AttemptNumber: 1,
			MaxAttempts:   1,
			StartedAt:     &now,
		}
		if err := e.reg.CreateStageRun(ctx, branchRun); err != nil {
			return err
		}
		if branch.Type != config.StageTypeAgent {
			return fmt.Errorf("parallel branch %s: only agent branches are supported, got %q", branch.ID, branch.Type)
		}
		issue, pr := numberOf(run.IssueNumber), numberOf(run.PRNumber)
		agent, err := e.spawner.SpawnWorkflowAgent(ctx, branch.Role, issue, pr, run.ID, branch.ID, branch.Action, branch.ContinueSession)
		if err != nil {
			if ferr := e.finishStageRun(ctx, branchRun, models.StageStatusFailed, nil); ferr != nil {
				return ferr
			}
			continue
		}
		branchRun.Status = models.StageStatusWaiting
		branchRun.AgentID = &agent.ID
		if err := e.reg.UpdateStageRun(ctx, branchRun); err != nil {
			return err
		}
	}
	return e.maybeJoinParallel(ctx, run, stage.ID)
}

// maybeJoinParallel advances the parent stage once every branch is terminal.
// Caller holds e.mu.
func (e *Engine) maybeJoinParallel(ctx context.Context, run *models.PipelineRun, parentStageID string) error {
	all, err := e.reg.ListStageRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	var parent *models.StageRun
	anyFailed, pending := false, 0
	for i := range all {
		sr := &all[i]
		if sr.StageID == parentStageID && sr.ParentStageID == nil && !sr.Status.Terminal() {
			parent = sr
			continue
		}
		if sr.ParentStageID == nil || *sr.ParentStageID != parentStageID {
			continue
		}
		if !sr.Status.Terminal() {
			pending++
		} else if sr.Status == models.StageStatusFailed {
			anyFailed = true
		}
	}
	if parent == nil || pending > 0 {
		return nil
	}

	def, err := e.snapshotOf(run)
	if err != nil {
		return err
	}
	stage := def.StageByID(parentStageID)
	if stage == nil {
		return e.failRun(ctx, run, parentStageID, fmt.Errorf("%w: %q", ErrUnknownStage, parentStageID))
	}

	if err := e.finishStageRun(ctx, parent, models.StageStatusCompleted, models.JSONMap{"any_failed": anyFailed}); err != nil {
		return err
	}
	target := stage.Transitions.OnComplete
	if anyFailed && stage.OnAnyReject != "" {
		target = stage.OnAnyReject
	}
	return e.advance(ctx, run, def, parentStageID, target)
}

func (e *Engine) dispatchSubPipeline(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun) error {
	sr.Status = models.StageStatusWaiting
	if err := e.reg.UpdateStageRun(ctx, sr); err != nil {
		return err
	}

	// The stage-run id keeps the delivery id unique across retries and
	// loop-back re-entries of the stage; terminal child runs retain theirs.
	trigger := models.Event{
		Type:        models.EventWorkflowInternal,
		DeliveryID:  fmt.Sprintf("%s-%s-%d", run.ID, stage.ID, sr.ID),
		IssueNumber: numberOf(run.IssueNumber),
		PRNumber:    numberOf(run.PRNumber),
	}

	// StartRun re-acquires e.mu; run it outside the lock.
	e.mu.Unlock()
	child, err := e.StartRun(ctx, stage.Pipeline, trigger, run, stage.ID)
	e.mu.Lock()
	if err != nil {
		return e.stageFailed(ctx, run, def, stage, sr, fmt.Errorf("starting sub-pipeline %s: %w", stage.Pipeline, err))
	}

	// The child may have run to completion synchronously and already
	// resolved this stage; re-read before linking to avoid reviving it.
	current, err := e.reg.GetStageRun(ctx, sr.ID)
	if err != nil {
		return err
	}
	current.ChildPipelineRunID = &child.ID
	return e.reg.UpdateStageRun(ctx, current)
}

// skipStage marks the stage SKIPPED and follows skip_to.
func (e *Engine) skipStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec) error {
	now := time.Now().UTC()
	sr := &models.StageRun{
		RunID:         run.ID,
		StageID:       stage.ID,
		Status:        models.StageStatusSkipped,
		AttemptNumber: 1,
		MaxAttempts:   1,
		StartedAt:     &now,
		CompletedAt:   &now,
	}
	if err := e.reg.CreateStageRun(ctx, sr); err != nil {
		return err
	}
	e.logger.Info("stage skipped by condition", "run_id", run.ID, "stage", stage.ID)
	return e.advance(ctx, run, def, stage.ID, stage.Transitions.SkipTo)
}

// stageFailed applies the retry-then-transition policy. Caller holds e.mu.
func (e *Engine) stageFailed(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, stage *config.StageSpec, sr *models.StageRun, cause error) error {
	e.logger.Error("stage failed", "run_id", run.ID, "stage", stage.ID,
		"attempt", sr.AttemptNumber, "error", cause)
	msg := cause.Error()
	sr.ErrorMessage = &msg
	if err := e.finishStageRun(ctx, sr, models.StageStatusFailed, nil); err != nil {
		return err
	}

	if sr.AttemptNumber < sr.MaxAttempts {
		next, err := e.newStageRun(ctx, run, stage, sr.AttemptNumber+1)
		if err != nil {
			return err
		}
		return e.dispatch(ctx, run, def, stage, next)
	}

	if t := stage.Transitions.OnError; t != nil && t.Then != "" {
		return e.advance(ctx, run, def, stage.ID, t.Then)
	}
	return e.failRun(ctx, run, stage.ID, cause)
}

// advance resolves a transition target and enters the next stage. Caller
// holds e.mu.
func (e *Engine) advance(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, fromStageID, target string) error {
	if target == "" {
		target = config.TransitionNext
	}
	switch target {
	case config.TransitionNext:
		next := def.NextStageID(fromStageID)
		if next == "" {
			return e.completeRun(ctx, run)
		}
		return e.executeStage(ctx, run, def, next)
	case config.TransitionComplete:
		return e.completeRun(ctx, run)
	case config.TransitionEscalate:
		return e.escalateRun(ctx, run, fromStageID)
	default:
		if def.StageByID(target) == nil {
			return e.failRun(ctx, run, fromStageID, fmt.Errorf("%w: transition target %q", ErrUnknownStage, target))
		}
		return e.executeStage(ctx, run, def, target)
	}
}

func (e *Engine) completeRun(ctx context.Context, run *models.PipelineRun) error {
	return e.finishRun(ctx, run, models.RunStatusCompleted, nil, "")
}

func (e *Engine) escalateRun(ctx context.Context, run *models.PipelineRun, stageID string) error {
	return e.finishRun(ctx, run, models.RunStatusEscalated, fmt.Errorf("escalated at stage %s", stageID), stageID)
}

func (e *Engine) failRun(ctx context.Context, run *models.PipelineRun, stageID string, cause error) error {
	return e.finishRun(ctx, run, models.RunStatusFailed, cause, stageID)
}

// finishRun terminates a run and notifies its parent stage, if any. Caller
// holds e.mu.
func (e *Engine) finishRun(ctx context.Context, run *models.PipelineRun, status models.RunStatus, cause error, stageID string) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if cause != nil {
		msg := cause.Error()
		run.ErrorMessage = &msg
	}
	if stageID != "" {
		run.ErrorStageID = &stageID
	}
	if err := e.reg.UpdatePipelineRun(ctx, run); err != nil {
		return err
	}
	metrics.PipelineRunsFinished.WithLabelValues(run.PipelineName, string(status)).Inc()
	e.logger.Info("pipeline run finished", "pipeline", run.PipelineName,
		"run_id", run.ID, "status", status)

	e.cancelDelays(run.ID)
	delete(e.iterations, run.ID)

	if run.ParentRunID != nil {
		if err := e.resumeParent(ctx, run, status); err != nil {
			e.logger.Error("resuming parent run", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// resumeParent advances the parent's sub-pipeline stage after a child run
// terminates. Caller holds e.mu.
func (e *Engine) resumeParent(ctx context.Context, child *models.PipelineRun, childStatus models.RunStatus) error {
	parent, err := e.reg.GetPipelineRun(ctx, *child.ParentRunID)
	if err != nil {
		return err
	}
	if parent.Status != models.RunStatusRunning {
		return nil
	}
	def, err := e.snapshotOf(parent)
	if err != nil {
		return err
	}
	stage := def.StageByID(*child.ParentStageID)
	if stage == nil {
		return e.failRun(ctx, parent, *child.ParentStageID, fmt.Errorf("%w: %q", ErrUnknownStage, *child.ParentStageID))
	}

	sr, err := e.waitingStageRun(ctx, parent.ID, stage.ID)
	if err != nil {
		return err
	}
	if sr == nil {
		return nil
	}

	if childStatus == models.RunStatusCompleted {
		if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, nil); err != nil {
			return err
		}
		return e.advance(ctx, parent, def, stage.ID, stage.Transitions.OnComplete)
	}
	return e.stageFailed(ctx, parent, def, stage, sr, fmt.Errorf("sub-pipeline run %s finished %s", child.ID, childStatus))
}

// OnAgentComplete is the lifecycle callback for workflow agents.
func (e *Engine) OnAgentComplete(ctx context.Context, agentID string, outputs models.JSONMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resumeAgentStage(ctx, agentID, outputs, nil); err != nil {
		e.logger.Error("resuming after agent completion", "agent_id", agentID, "error", err)
	}
}

// OnAgentError is the lifecycle callback for workflow agents that escalated
// or failed.
func (e *Engine) OnAgentError(ctx context.Context, agentID string, agentErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resumeAgentStage(ctx, agentID, nil, agentErr); err != nil {
		e.logger.Error("resuming after agent error", "agent_id", agentID, "error", err)
	}
}

// resumeAgentStage finds the WAITING stage bound to the agent and advances
// or fails it. Caller holds e.mu.
func (e *Engine) resumeAgentStage(ctx context.Context, agentID string, outputs models.JSONMap, agentErr error) error {
	sr, err := e.reg.FindStageRunByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if sr == nil {
		e.logger.Debug("no waiting stage for agent", "agent_id", agentID)
		return nil
	}
	run, err := e.reg.GetPipelineRun(ctx, sr.RunID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusRunning {
		return nil
	}
	def, err := e.snapshotOf(run)
	if err != nil {
		return err
	}
	stage := def.StageByID(sr.StageID)
	if stage == nil {
		return e.failRun(ctx, run, sr.StageID, fmt.Errorf("%w: %q", ErrUnknownStage, sr.StageID))
	}

	// Parallel branches join instead of advancing the run directly.
	if sr.ParentStageID != nil {
		status := models.StageStatusCompleted
		if agentErr != nil {
			status = models.StageStatusFailed
			msg := agentErr.Error()
			sr.ErrorMessage = &msg
		}
		if err := e.finishStageRun(ctx, sr, status, outputs); err != nil {
			return err
		}
		return e.maybeJoinParallel(ctx, run, *sr.ParentStageID)
	}

	if agentErr != nil {
		return e.stageFailed(ctx, run, def, stage, sr, agentErr)
	}
	if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, outputs); err != nil {
		return err
	}
	return e.advance(ctx, run, def, stage.ID, stage.Transitions.OnComplete)
}

// CompleteHumanStage resolves a WAITING human checkpoint. action is the
// transition outcome key: "complete" advances on_complete, "fail" follows
// on_fail.
func (e *Engine) CompleteHumanStage(ctx context.Context, stageRunID int64, user, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, err := e.reg.GetStageRun(ctx, stageRunID)
	if err != nil {
		return err
	}
	if sr.Status != models.StageStatusWaiting {
		return fmt.Errorf("stage run %d is %s, not waiting", stageRunID, sr.Status)
	}
	run, err := e.reg.GetPipelineRun(ctx, sr.RunID)
	if err != nil {
		return err
	}
	def, err := e.snapshotOf(run)
	if err != nil {
		return err
	}
	stage := def.StageByID(sr.StageID)
	if stage == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStage, sr.StageID)
	}

	hs, err := e.reg.GetHumanStageState(ctx, stageRunID)
	if err != nil {
		return err
	}
	if hs != nil {
		hs.CompletedBy = &user
		hs.CompletedAction = &action
		if err := e.reg.UpdateHumanStageState(ctx, hs); err != nil {
			return err
		}
	}

	if action == "fail" {
		if err := e.finishStageRun(ctx, sr, models.StageStatusFailed, nil); err != nil {
			return err
		}
		return e.advance(ctx, run, def, stage.ID, firstNonEmpty(stage.Transitions.OnFail, config.TransitionEscalate))
	}
	if err := e.finishStageRun(ctx, sr, models.StageStatusCompleted, nil); err != nil {
		return err
	}
	return e.advance(ctx, run, def, stage.ID, stage.Transitions.OnComplete)
}

// CancelRun cancels a run, its pending stages, its delay tasks, and its
// child runs, recursively.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRunLocked(ctx, runID)
}

func (e *Engine) cancelRunLocked(ctx context.Context, runID string) error {
	run, err := e.reg.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	children, err := e.reg.ListChildRuns(ctx, runID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.cancelRunLocked(ctx, child.ID); err != nil {
			e.logger.Error("cancelling child run", "run_id", child.ID, "error", err)
		}
	}

	stageRuns, err := e.reg.ListStageRuns(ctx, runID)
	if err != nil {
		return err
	}
	for i := range stageRuns {
		sr := &stageRuns[i]
		if !sr.Status.Terminal() {
			if err := e.finishStageRun(ctx, sr, models.StageStatusCancelled, nil); err != nil {
				e.logger.Error("cancelling stage run", "run_id", runID, "stage", sr.StageID, "error", err)
			}
		}
	}

	e.cancelDelays(runID)
	delete(e.iterations, runID)

	now := time.Now().UTC()
	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now
	if err := e.reg.UpdatePipelineRun(ctx, run); err != nil {
		return err
	}
	metrics.PipelineRunsFinished.WithLabelValues(run.PipelineName, string(models.RunStatusCancelled)).Inc()
	e.logger.Info("pipeline run cancelled", "pipeline", run.PipelineName, "run_id", runID)
	return nil
}

// react feeds an event to the reactive handlers of every running pipeline.
func (e *Engine) react(ctx context.Context, event models.Event) error {
	runs, err := e.reg.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return err
	}
	for i := range runs {
		run := &runs[i]
		if !runConcerns(run, event) {
			continue
		}
		def, err := e.snapshotOf(run)
		if err != nil {
			e.logger.Error("decoding snapshot for reaction", "run_id", run.ID, "error", err)
			continue
		}
		reaction, ok := def.OnEvents[string(event.Type)]
		if !ok {
			continue
		}
		if err := e.applyReaction(ctx, run, def, reaction, event); err != nil {
			e.logger.Error("applying reaction", "run_id", run.ID,
				"action", reaction.Action, "error", err)
		}
	}
	return nil
}

func (e *Engine) applyReaction(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, reaction config.ReactionSpec, event models.Event) error {
	e.logger.Info("pipeline reaction", "run_id", run.ID, "event", event.Type, "action", reaction.Action)

	switch reaction.Action {
	case config.ReactionCancel:
		return e.cancelRunLockedEntry(ctx, run.ID)

	case config.ReactionReevaluateGates:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.reevaluateCurrentGate(ctx, run, def, event)

	case config.ReactionInvalidateAndRestart:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.invalidateAndRestart(ctx, run, def, reaction)

	case config.ReactionNotify:
		// Placeholder by design; notification transport is external.
		return nil
	}
	return fmt.Errorf("unknown reaction action %q", reaction.Action)
}

func (e *Engine) cancelRunLockedEntry(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRunLocked(ctx, runID)
}

// reevaluateCurrentGate re-runs the current stage's gate when one of its
// checks is reactive to the event type. Caller holds e.mu.
func (e *Engine) reevaluateCurrentGate(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, event models.Event) error {
	if run.CurrentStageID == nil {
		return nil
	}
	stage := def.StageByID(*run.CurrentStageID)
	if stage == nil || stage.Type != config.StageTypeGate {
		return nil
	}
	if !gateReactiveTo(e.checks, stage, event.Type) {
		return nil
	}
	sr, err := e.waitingStageRun(ctx, run.ID, stage.ID)
	if err != nil || sr == nil {
		return err
	}
	return e.evaluateGate(ctx, run, def, stage, sr)
}

// invalidateAndRestart cancels the listed stages and restarts execution.
// Caller holds e.mu.
func (e *Engine) invalidateAndRestart(ctx context.Context, run *models.PipelineRun, def *config.PipelineConfig, reaction config.ReactionSpec) error {
	stageRuns, err := e.reg.ListStageRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	invalidate := make(map[string]struct{}, len(reaction.Stages))
	for _, id := range reaction.Stages {
		invalidate[id] = struct{}{}
	}
	for i := range stageRuns {
		sr := &stageRuns[i]
		if _, ok := invalidate[sr.StageID]; !ok {
			continue
		}
		if sr.Status.Terminal() && sr.Status != models.StageStatusCompleted {
			continue
		}
		if err := e.finishStageRun(ctx, sr, models.StageStatusCancelled, nil); err != nil {
			return err
		}
	}

	restartFrom := reaction.RestartFrom
	if restartFrom == "" || restartFrom == "current" {
		if run.CurrentStageID == nil {
			return nil
		}
		restartFrom = *run.CurrentStageID
	}
	return e.executeStage(ctx, run, def, restartFrom)
}

// Recover resumes bookkeeping for runs that were RUNNING at the last
// shutdown. WAITING stages stay waiting; stages caught mid-RUNNING are
// surfaced for manual recovery rather than re-dispatched.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	runs, err := e.reg.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return err
	}
	for i := range runs {
		run := &runs[i]
		stageRuns, err := e.reg.ListStageRuns(ctx, run.ID)
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for j := range stageRuns {
			sr := &stageRuns[j]
			if sr.AttemptNumber == 1 && sr.ParentStageID == nil {
				counts[sr.StageID]++
			}
			switch sr.Status {
			case models.StageStatusRunning:
				e.logger.Warn("stage was RUNNING at shutdown, needs manual recovery",
					"run_id", run.ID, "stage", sr.StageID, "stage_run_id", sr.ID)
			case models.StageStatusWaiting:
				e.logger.Info("stage resumes waiting", "run_id", run.ID, "stage", sr.StageID)
			}
		}
		e.iterations[run.ID] = counts
		e.logger.Info("pipeline run recovered", "pipeline", run.PipelineName,
			"run_id", run.ID, "current_stage", deref(run.CurrentStageID))
	}
	return nil
}

func (e *Engine) waitingStageRun(ctx context.Context, runID, stageID string) (*models.StageRun, error) {
	stageRuns, err := e.reg.ListStageRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(stageRuns) - 1; i >= 0; i-- {
		sr := &stageRuns[i]
		if sr.StageID == stageID && sr.ParentStageID == nil &&
			(sr.Status == models.StageStatusWaiting || sr.Status == models.StageStatusRunning) {
			return sr, nil
		}
	}
	return nil, nil
}

func (e *Engine) finishStageRun(ctx context.Context, sr *models.StageRun, status models.StageStatus, outputs models.JSONMap) error {
	now := time.Now().UTC()
	sr.Status = status
	sr.CompletedAt = &now
	if outputs != nil {
		sr.Outputs = outputs
	}
	return e.reg.UpdateStageRun(ctx, sr)
}

func (e *Engine) bumpIteration(runID, stageID string) int {
	counts, ok := e.iterations[runID]
	if !ok {
		counts = make(map[string]int)
		e.iterations[runID] = counts
	}
	counts[stageID]++
	return counts[stageID]
}

func (e *Engine) cancelDelays(runID string) {
	for _, cancel := range e.delayCancels[runID] {
		cancel()
	}
	delete(e.delayCancels, runID)
}

// gateReactiveTo reports whether any of the stage's checks reacts to the
// event type, per the check's own declaration or the stage config.
func gateReactiveTo(checks *gatecheck.Registry, stage *config.StageSpec, eventType models.EventType) bool {
	for _, cond := range stage.Checks {
		if slices.Contains(cond.ReactiveTo, string(eventType)) {
			return true
		}
		check, err := checks.Get(cond.Check)
		if err != nil {
			continue
		}
		if slices.Contains(check.ReactiveTo(), eventType) {
			return true
		}
	}
	return false
}

// runConcerns reports whether the event plausibly belongs to the run.
// Events without issue/PR coordinates concern every run.
func runConcerns(run *models.PipelineRun, event models.Event) bool {
	if event.IssueNumber == 0 && event.PRNumber == 0 {
		return true
	}
	if event.PRNumber != 0 && run.PRNumber != nil && *run.PRNumber == event.PRNumber {
		return true
	}
	if event.IssueNumber != 0 && run.IssueNumber != nil && *run.IssueNumber == event.IssueNumber {
		return true
	}
	return false
}

// conditionHolds evaluates a stage condition against the run context.
func conditionHolds(cond *config.ConditionSpec, runCtx models.JSONMap) bool {
	if cond.LabelsInclude != "" {
		if !slices.Contains(contextLabels(runCtx), cond.LabelsInclude) {
			return false
		}
	}
	for i := range cond.All {
		if !conditionHolds(&cond.All[i], runCtx) {
			return false
		}
	}
	if len(cond.Any) > 0 {
		any := false
		for i := range cond.Any {
			if conditionHolds(&cond.Any[i], runCtx) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func contextLabels(runCtx models.JSONMap) []string {
	switch v := runCtx["labels"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func gateOutcome(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func numberOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
