package config

import (
	"fmt"
	"sync"
)

// Transition sentinels. Any transition may also name a stage id directly.
const (
	// TransitionNext advances to the next stage in definition order.
	TransitionNext = "__next__"
	// TransitionComplete completes the pipeline run.
	TransitionComplete = "__complete__"
	// TransitionEscalate escalates the pipeline run.
	TransitionEscalate = "__escalate__"
)

// Stage types.
const (
	StageTypeAgent    = "agent"
	StageTypeGate     = "gate"
	StageTypeAction   = "action"
	StageTypeDelay    = "delay"
	StageTypeHuman    = "human"
	StageTypeParallel = "parallel"
	StageTypePipeline = "pipeline"
)

// Reactive event actions for PipelineConfig.OnEvents.
const (
	ReactionCancel               = "cancel"
	ReactionReevaluateGates      = "reevaluate_gates"
	ReactionInvalidateAndRestart = "invalidate_and_restart"
	ReactionNotify               = "notify"
)

// PipelineConfig is a declarative pipeline definition. It carries both yaml
// tags (inline config) and json tags (the immutable per-run snapshot).
type PipelineConfig struct {
	Name           string                  `yaml:"name" json:"name"`
	Description    string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger        TriggerSpec             `yaml:"trigger" json:"trigger"`
	Scope          string                  `yaml:"scope,omitempty" json:"scope,omitempty"`
	DefaultContext map[string]any          `yaml:"default_context,omitempty" json:"default_context,omitempty"`
	Stages         []StageSpec             `yaml:"stages" json:"stages"`
	OnEvents       map[string]ReactionSpec `yaml:"on_events,omitempty" json:"on_events,omitempty"`
}

// ScopeSinglePR suppresses duplicate runs for the same PR.
const ScopeSinglePR = "single-pr"

// TriggerSpec declares when a pipeline starts.
type TriggerSpec struct {
	Event      string   `yaml:"event" json:"event"`
	Label      string   `yaml:"label,omitempty" json:"label,omitempty"`
	LabelsAny  []string `yaml:"labels_any,omitempty" json:"labels_any,omitempty"`
	BaseBranch string   `yaml:"base_branch,omitempty" json:"base_branch,omitempty"`
}

// StageSpec is one stage of a pipeline definition.
type StageSpec struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`

	// Agent stages.
	Role            string `yaml:"role,omitempty" json:"role,omitempty"`
	Action          string `yaml:"action,omitempty" json:"action,omitempty"`
	ContinueSession bool   `yaml:"continue_session,omitempty" json:"continue_session,omitempty"`

	// Gate stages. AnyOf switches conjunctive to disjunctive semantics.
	Checks []GateConditionSpec `yaml:"checks,omitempty" json:"checks,omitempty"`
	AnyOf  bool                `yaml:"any_of,omitempty" json:"any_of,omitempty"`

	// Action stages.
	ActionName   string         `yaml:"action_name,omitempty" json:"action_name,omitempty"`
	ActionConfig map[string]any `yaml:"action_config,omitempty" json:"action_config,omitempty"`
	OnConflict   string         `yaml:"on_conflict,omitempty" json:"on_conflict,omitempty"`

	// Delay stages. Accepts Ns/Nm/Nh.
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`

	// Human stages.
	AssignedUsers []string `yaml:"assigned_users,omitempty" json:"assigned_users,omitempty"`

	// Parallel stages.
	Branches    []StageSpec `yaml:"branches,omitempty" json:"branches,omitempty"`
	OnAnyReject string      `yaml:"on_any_reject,omitempty" json:"on_any_reject,omitempty"`

	// Sub-pipeline stages.
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// Optional execution condition; a failing condition marks the stage
	// SKIPPED and follows SkipTo (default __next__).
	Condition *ConditionSpec `yaml:"condition,omitempty" json:"condition,omitempty"`

	Transitions TransitionSpec `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// GateConditionSpec is one condition evaluated by a gate stage.
type GateConditionSpec struct {
	Check  string         `yaml:"check" json:"check"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// ReactiveTo lists event types that re-trigger this check via the
	// reevaluate_gates reaction, in addition to what the check itself
	// declares.
	ReactiveTo []string `yaml:"reactive_to,omitempty" json:"reactive_to,omitempty"`
}

// ConditionSpec gates stage execution on run context.
type ConditionSpec struct {
	LabelsInclude string          `yaml:"labels_include,omitempty" json:"labels_include,omitempty"`
	Any           []ConditionSpec `yaml:"any,omitempty" json:"any,omitempty"`
	All           []ConditionSpec `yaml:"all,omitempty" json:"all,omitempty"`
}

// ErrorTransition configures retry-then-transition behavior for stage errors.
type ErrorTransition struct {
	Retry int    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Then  string `yaml:"then,omitempty" json:"then,omitempty"`
}

// TransitionSpec maps stage outcomes to targets. Empty fields default to
// TransitionNext.
type TransitionSpec struct {
	OnComplete string           `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnPass     string           `yaml:"on_pass,omitempty" json:"on_pass,omitempty"`
	OnFail     string           `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
	OnError    *ErrorTransition `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	SkipTo     string           `yaml:"skip_to,omitempty" json:"skip_to,omitempty"`

	// MaxIterations bounds how many times this stage may be re-entered in a
	// single run; Then is the escape target on reaching the bound.
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Then          string `yaml:"then,omitempty" json:"then,omitempty"`
}

// ReactionSpec declares how a running pipeline reacts to an event type.
type ReactionSpec struct {
	Action string `yaml:"action" json:"action"`

	// Stages to invalidate for invalidate_and_restart.
	Stages []string `yaml:"stages,omitempty" json:"stages,omitempty"`

	// RestartFrom names the stage to restart at, or "current".
	RestartFrom string `yaml:"restart_from,omitempty" json:"restart_from,omitempty"`
}

// StageByID returns the stage spec with the given id, searching parallel
// branches too.
func (p *PipelineConfig) StageByID(id string) *StageSpec {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
		for j := range p.Stages[i].Branches {
			if p.Stages[i].Branches[j].ID == id {
				return &p.Stages[i].Branches[j]
			}
		}
	}
	return nil
}

// NextStageID returns the id of the stage following the given one in
// definition order, or "" when it is the last stage.
func (p *PipelineConfig) NextStageID(id string) string {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			if i+1 < len(p.Stages) {
				return p.Stages[i+1].ID
			}
			return ""
		}
	}
	return ""
}

// WorkflowRegistry stores pipeline definitions in memory with thread-safe
// access.
type WorkflowRegistry struct {
	workflows map[string]*PipelineConfig
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates a registry over the given definitions.
func NewWorkflowRegistry(workflows map[string]*PipelineConfig) *WorkflowRegistry {
	copied := make(map[string]*PipelineConfig, len(workflows))
	for k, v := range workflows {
		copied[k] = v
	}
	return &WorkflowRegistry{workflows: copied}
}

// Get retrieves a pipeline definition by name.
func (r *WorkflowRegistry) Get(name string) (*PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return wf, nil
}

// GetAll returns all definitions (copy of the map).
func (r *WorkflowRegistry) GetAll() map[string]*PipelineConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*PipelineConfig, len(r.workflows))
	for k, v := range r.workflows {
		result[k] = v
	}
	return result
}

// Has checks whether a pipeline exists.
func (r *WorkflowRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[name]
	return ok
}

// Len returns the number of definitions.
func (r *WorkflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
