// Package lifecycle implements the single authority over agents: spawning,
// waking, turn execution, the post-turn state machine, escalation, command
// routing, and cleanup. All agent record writes flow through this package.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/squadron-hq/squadron/pkg/agentsession"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/gitops"
	"github.com/squadron-hq/squadron/pkg/mail"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/registry"
	"github.com/squadron-hq/squadron/pkg/watchdog"
)

var (
	// ErrRoleUnknown indicates the role is not configured.
	ErrRoleUnknown = errors.New("unknown role")

	// ErrAgentNotSleeping indicates a wake was requested for an agent that
	// is not SLEEPING.
	ErrAgentNotSleeping = errors.New("agent is not sleeping")

	// ErrNotManaged indicates no in-memory runtime exists for the agent.
	ErrNotManaged = errors.New("agent has no live runtime")
)

// cleanupTimeout bounds every teardown step.
const cleanupTimeout = 30 * time.Second

// Callbacks lets the pipeline engine observe workflow-agent outcomes.
type Callbacks interface {
	OnAgentComplete(ctx context.Context, agentID string, outputs models.JSONMap)
	OnAgentError(ctx context.Context, agentID string, err error)
}

// EventSink re-enqueues events. Implemented by the router; used to re-issue
// inbox events a terminal ephemeral singleton never drained.
type EventSink interface {
	Publish(ctx context.Context, event models.Event) error
}

// agentRuntime is the in-memory state for one non-terminal agent.
type agentRuntime struct {
	agentID  string
	role     string
	workflow bool

	session   agentsession.Session
	breaker   *watchdog.Breaker
	heartbeat *watchdog.Heartbeat
	wd        *watchdog.Watchdog

	cancelTurn   context.CancelFunc
	turnDone     chan struct{}
	turnInFlight bool

	holdsSlot bool

	escalationOnce sync.Once
}

// Manager owns all agent runtimes.
type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	store  *mail.Store
	runner agentsession.Runner
	git    gitops.Worktrees
	api    platform.API
	logger *slog.Logger

	// gitToken authenticates pushes; injected per git call, never into
	// the agent environment.
	gitToken string

	// sem gates concurrently active agents; nil means unlimited.
	sem *semaphore.Weighted

	mu       sync.Mutex
	runtimes map[string]*agentRuntime

	callbacks Callbacks
	sink      EventSink
}

// New creates a Manager.
func New(cfg *config.Config, reg *registry.Registry, store *mail.Store,
	runner agentsession.Runner, git gitops.Worktrees, api platform.API,
	gitToken string, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		runner:   runner,
		git:      git,
		api:      api,
		gitToken: gitToken,
		logger:   logger.With("component", "lifecycle"),
		runtimes: make(map[string]*agentRuntime),
	}
	if n := cfg.Runtime.MaxConcurrentAgents; n > 0 {
		m.sem = semaphore.NewWeighted(int64(n))
	}
	return m
}

// SetCallbacks registers the pipeline engine's completion callbacks. Called
// once during startup wiring.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// SetEventSink registers the router for event re-issue. Called once during
// startup wiring.
func (m *Manager) SetEventSink(sink EventSink) {
	m.sink = sink
}

// AgentID derives the canonical id for a (role, issue) agent.
func AgentID(role string, issueNumber int) string {
	return fmt.Sprintf("%s-%d", role, issueNumber)
}

// WorkflowAgentID derives a unique id for a pipeline-spawned agent.
func WorkflowAgentID(role, runID, stageID string) string {
	return fmt.Sprintf("%s-%s-%s", role, runID, stageID)
}

// CreateAgent spawns an agent of the role for an issue. Returns the existing
// agent without mutation when a non-terminal one already covers (role,
// issue). The trigger event seeds the first prompt.
func (m *Manager) CreateAgent(ctx context.Context, role string, issueNumber int, trigger models.Event, overrideBranch string) (*models.Agent, error) {
	roleCfg, ok := m.cfg.AgentRoles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleUnknown, role)
	}

	// Duplicate guard: a live agent for this (role, issue) wins.
	if existing, err := m.reg.FindNonTerminalAgent(ctx, role, issueNumber); err != nil {
		return nil, err
	} else if existing != nil {
		m.logger.Info("agent already exists for role and issue",
			"agent_id", existing.ID, "status", existing.Status)
		return existing, nil
	}

	// Singleton guard: at most one non-terminal agent of the role anywhere.
	if roleCfg.Singleton {
		if existing, err := m.reg.FindNonTerminalAgentByRole(ctx, role); err != nil {
			return nil, err
		} else if existing != nil {
			m.logger.Info("singleton role already running", "role", role, "agent_id", existing.ID)
			return existing, nil
		}
	}

	agentID := AgentID(role, issueNumber)

	// A stale terminal row with the same id blocks the insert; re-spawn
	// requires deleting it first.
	if prior, err := m.reg.GetAgent(ctx, agentID); err == nil && prior.Status.Terminal() {
		if err := m.reg.DeleteAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}

	branch, prNumber, err := m.resolveBranch(ctx, roleCfg, issueNumber, overrideBranch, trigger)
	if err != nil {
		return nil, err
	}

	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}

	// Delivery structures exist before the row does, so a webhook landing
	// mid-spawn has somewhere to go.
	m.store.Register(agentID)

	agent := &models.Agent{
		ID:          agentID,
		Role:        role,
		Status:      models.AgentStatusCreated,
		IssueNumber: &issueNumber,
		Branch:      branch,
		BlockedBy:   models.IntSet{},
	}
	if prNumber != 0 {
		agent.PRNumber = &prNumber
	}
	if err := m.reg.CreateAgent(ctx, agent); err != nil {
		m.store.Remove(agentID)
		m.releaseSlot()
		return nil, err
	}

	worktreePath := ""
	if roleCfg.Persistent() {
		worktreePath, err = m.git.CreateWorktree(ctx, branch, m.cfg.Runtime.SparseCheckout, m.cfg.Runtime.WorktreeDir)
		if err != nil {
			m.failSpawn(ctx, agent, fmt.Errorf("creating worktree: %w", err))
			return nil, err
		}
		agent.WorktreePath = worktreePath
	}

	rt, err := m.startRuntime(ctx, agent, roleCfg, false)
	if err != nil {
		m.failSpawn(ctx, agent, err)
		return nil, err
	}

	now := time.Now().UTC()
	agent.Status = models.AgentStatusActive
	agent.ActiveSince = &now
	sessionID := rt.session.ID()
	agent.SessionID = &sessionID
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		m.teardownRuntime(agent.ID)
		return nil, err
	}
	metrics.AgentsByStatus.WithLabelValues(string(models.AgentStatusActive)).Inc()
	m.logger.Info("agent created", "agent_id", agentID, "role", role,
		"issue", issueNumber, "branch", branch)

	prompt := m.buildFreshPrompt(roleCfg, agent, trigger)
	m.claimTurn(agent.ID)
	go m.runTurn(context.WithoutCancel(ctx), agent.ID, prompt)
	return agent, nil
}

// SpawnWorkflowAgent is the pipeline engine's spawn variant: unique id per
// (run, stage), no worktree, completion reported through the callbacks.
func (m *Manager) SpawnWorkflowAgent(ctx context.Context, role string, issueNumber, prNumber int, runID, stageID, action string, continueSession bool) (*models.Agent, error) {
	roleCfg, ok := m.cfg.AgentRoles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleUnknown, role)
	}

	agentID := WorkflowAgentID(role, runID, stageID)
	if prior, err := m.reg.GetAgent(ctx, agentID); err == nil && prior.Status.Terminal() {
		if err := m.reg.DeleteAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}

	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}
	m.store.Register(agentID)

	agent := &models.Agent{
		ID:        agentID,
		Role:      role,
		Status:    models.AgentStatusCreated,
		BlockedBy: models.IntSet{},
	}
	if issueNumber != 0 {
		agent.IssueNumber = &issueNumber
	}
	if prNumber != 0 {
		agent.PRNumber = &prNumber
	}
	if err := m.reg.CreateAgent(ctx, agent); err != nil {
		m.store.Remove(agentID)
		m.releaseSlot()
		return nil, err
	}

	rt, err := m.startRuntime(ctx, agent, roleCfg, true)
	if err != nil {
		m.failSpawn(ctx, agent, err)
		return nil, err
	}

	now := time.Now().UTC()
	agent.Status = models.AgentStatusActive
	agent.ActiveSince = &now
	sessionID := rt.session.ID()
	agent.SessionID = &sessionID
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		m.teardownRuntime(agent.ID)
		return nil, err
	}
	m.logger.Info("workflow agent created", "agent_id", agentID, "run_id", runID, "stage_id", stageID)

	prompt := m.buildWorkflowPrompt(roleCfg, agent, action, continueSession)
	m.claimTurn(agent.ID)
	go m.runTurn(context.WithoutCancel(ctx), agent.ID, prompt)
	return agent, nil
}

// WakeAgent transitions a SLEEPING agent back to ACTIVE and resumes its
// session with a wake prompt derived from the trigger.
func (m *Manager) WakeAgent(ctx context.Context, agentID string, trigger models.Event) error {
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != models.AgentStatusSleeping {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotSleeping, agentID, agent.Status)
	}
	roleCfg, ok := m.cfg.AgentRoles[agent.Role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleUnknown, agent.Role)
	}

	if err := m.acquireSlot(ctx); err != nil {
		return err
	}
	m.store.Register(agentID)

	rt, err := m.startRuntime(ctx, agent, roleCfg, false)
	if err != nil {
		m.releaseSlot()
		return err
	}

	now := time.Now().UTC()
	agent.Status = models.AgentStatusActive
	agent.ActiveSince = &now
	agent.SleepingSince = nil
	agent.IterationCount++
	sessionID := rt.session.ID()
	agent.SessionID = &sessionID
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		m.teardownRuntime(agentID)
		return err
	}
	m.logger.Info("agent woken", "agent_id", agentID,
		"iteration", agent.IterationCount, "trigger", trigger.Type)

	prompt := m.buildWakePrompt(agent, trigger)
	m.claimTurn(agentID)
	go m.runTurn(context.WithoutCancel(ctx), agentID, prompt)
	return nil
}

// CompleteAgent force-completes an agent whose issue or PR changed state
// underneath it. The branch is preserved.
func (m *Manager) CompleteAgent(ctx context.Context, agentID string) error {
	agent, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status.Terminal() {
		return nil
	}

	m.cancelTurnIfRunning(agentID)

	agent.Status = models.AgentStatusCompleted
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	m.cleanupTerminal(ctx, m.runtime(agentID), agent)
	m.logger.Info("agent completed", "agent_id", agentID)
	return nil
}

// startRuntime creates the session and arms the breaker, watchdog, and
// heartbeat for an agent entering ACTIVE.
func (m *Manager) startRuntime(ctx context.Context, agent *models.Agent, roleCfg *config.RoleConfig, workflow bool) (*agentRuntime, error) {
	limits := m.cfg.CircuitBreakers.ForRole(agent.Role)

	rt := &agentRuntime{
		agentID:  agent.ID,
		role:     agent.Role,
		workflow: workflow,
	}
	rt.breaker = watchdog.NewBreaker(agent.ID, agent.ToolCallCount, limits, roleCfg.Tools,
		m.reg, func(reason string) {
			m.escalateAsync(agent.ID, reason)
		}, m.logger)

	sessionCfg := agentsession.Config{
		AgentID:      agent.ID,
		Role:         agent.Role,
		Model:        m.cfg.Runtime.DefaultModel,
		Provider:     m.cfg.Runtime.Provider,
		SystemPrompt: m.buildSystemPrompt(roleCfg, agent),
		WorkingDir:   agent.WorktreePath,
		AllowedTools: roleCfg.Tools,
		PreTool:      rt.breaker.PreTool,
		PostTool:     rt.breaker.PostTool,
	}

	var (
		session agentsession.Session
		err     error
	)
	if agent.SessionID != nil && roleCfg.Persistent() {
		session, err = m.runner.ResumeSession(ctx, *agent.SessionID, sessionCfg)
	} else {
		session, err = m.runner.CreateSession(ctx, sessionCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("starting session for %s: %w", agent.ID, err)
	}
	rt.session = session
	rt.holdsSlot = true

	rt.heartbeat = watchdog.NewHeartbeat(agent.ID,
		watchdog.HeartbeatInterval(limits.MaxActiveDuration.Std()),
		func() (int, int) {
			current, err := m.reg.GetAgent(context.Background(), agent.ID)
			if err != nil {
				return rt.breaker.Count(), 0
			}
			return rt.breaker.Count(), current.TurnCount
		}, m.logger)
	rt.heartbeat.Start()

	m.mu.Lock()
	m.runtimes[agent.ID] = rt
	m.mu.Unlock()
	return rt, nil
}

// failSpawn rolls a half-created agent into FAILED.
func (m *Manager) failSpawn(ctx context.Context, agent *models.Agent, cause error) {
	m.logger.Error("agent spawn failed", "agent_id", agent.ID, "error", cause)
	agent.Status = models.AgentStatusFailed
	if err := m.reg.UpdateAgent(ctx, agent); err != nil {
		m.logger.Error("marking failed spawn", "agent_id", agent.ID, "error", err)
	}
	m.teardownRuntime(agent.ID)
	m.store.Remove(agent.ID)
	m.releaseSlot()
}

func (m *Manager) acquireSlot(ctx context.Context) error {
	if m.sem == nil {
		return nil
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring agent slot: %w", err)
	}
	return nil
}

func (m *Manager) releaseSlot() {
	if m.sem != nil {
		m.sem.Release(1)
	}
}

func (m *Manager) runtime(agentID string) *agentRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[agentID]
}

// claimTurn marks the agent's turn slot taken. Exactly one turn runs per
// agent; the loser of a claim race leaves its deliveries queued for the
// winner to pick up.
func (m *Manager) claimTurn(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[agentID]
	if rt == nil || rt.turnInFlight {
		return false
	}
	rt.turnInFlight = true
	return true
}

func (m *Manager) releaseTurn(agentID string) {
	m.mu.Lock()
	if rt := m.runtimes[agentID]; rt != nil {
		rt.turnInFlight = false
	}
	m.mu.Unlock()
}

func (m *Manager) cancelTurnIfRunning(agentID string) {
	m.mu.Lock()
	rt := m.runtimes[agentID]
	m.mu.Unlock()
	if rt != nil && rt.cancelTurn != nil {
		rt.cancelTurn()
	}
}

// teardownRuntime stops the per-agent goroutines and forgets the runtime.
// Does not touch the registry row.
func (m *Manager) teardownRuntime(agentID string) {
	m.mu.Lock()
	rt := m.runtimes[agentID]
	delete(m.runtimes, agentID)
	m.mu.Unlock()
	if rt == nil {
		return
	}
	if rt.wd != nil {
		rt.wd.Stop()
	}
	if rt.heartbeat != nil {
		rt.heartbeat.Stop()
	}
	if rt.holdsSlot {
		rt.holdsSlot = false
		m.releaseSlot()
	}
}

// Stop tears down all live runtimes. Agent rows keep their persisted status
// for recovery on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.cancelTurnIfRunning(id)
		m.teardownRuntime(id)
	}
	m.logger.Info("lifecycle manager stopped", "agents", len(ids))
}
