// Package config defines Squadron's configuration model: project identity,
// runtime limits, circuit-breaker defaults, agent roles with their triggers,
// branch naming, review policy, escalation, and inline workflow definitions.
package config

import (
	"fmt"
	"time"
)

// Config is the fully merged and validated server configuration.
type Config struct {
	Project         ProjectConfig              `yaml:"project"`
	Runtime         RuntimeConfig              `yaml:"runtime"`
	CircuitBreakers CircuitBreakerConfig       `yaml:"circuit_breakers"`
	AgentRoles      map[string]*RoleConfig     `yaml:"agent_roles"`
	BranchNaming    BranchNamingConfig         `yaml:"branch_naming"`
	ReviewPolicy    ReviewPolicyConfig         `yaml:"review_policy"`
	Escalation      EscalationConfig           `yaml:"escalation"`
	Workflows       map[string]*PipelineConfig `yaml:"workflows"`

	// Built during Initialize.
	RoleRegistry     *RoleRegistry     `yaml:"-"`
	WorkflowRegistry *WorkflowRegistry `yaml:"-"`
}

// ProjectConfig identifies the hosted project and the bot identity.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	DefaultBranch string `yaml:"default_branch"`
	BotUsername   string `yaml:"bot_username"`
}

// RuntimeConfig holds server-wide runtime settings.
type RuntimeConfig struct {
	// MaxConcurrentAgents caps concurrently active agents. 0 means unlimited.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// ReconciliationInterval between platform/registry reconciliation sweeps.
	ReconciliationInterval Duration `yaml:"reconciliation_interval"`

	// SparseCheckout enables sparse worktree checkouts.
	SparseCheckout bool `yaml:"sparse_checkout"`

	// WorktreeDir is the base directory for agent worktrees.
	WorktreeDir string `yaml:"worktree_dir"`

	// DefaultModel passed through to session creation.
	DefaultModel string `yaml:"default_model"`

	// Provider passed through to session creation.
	Provider string `yaml:"provider"`

	// EventQueueSize bounds the internal event channel.
	EventQueueSize int `yaml:"event_queue_size"`
}

// CircuitBreakerConfig holds breaker defaults plus per-role overrides.
type CircuitBreakerConfig struct {
	Defaults BreakerLimits            `yaml:"defaults"`
	PerRole  map[string]BreakerLimits `yaml:"per_role"`
}

// BreakerLimits bounds a single agent's resource consumption.
type BreakerLimits struct {
	MaxIterations     int      `yaml:"max_iterations"`
	MaxToolCalls      int      `yaml:"max_tool_calls"`
	MaxTurns          int      `yaml:"max_turns"`
	MaxActiveDuration Duration `yaml:"max_active_duration"`
	MaxSleepDuration  Duration `yaml:"max_sleep_duration"`
	WarningThreshold  float64  `yaml:"warning_threshold"`
}

// ForRole returns the limits for a role, falling back to defaults for any
// zero-valued override field.
func (c *CircuitBreakerConfig) ForRole(role string) BreakerLimits {
	limits := c.Defaults
	override, ok := c.PerRole[role]
	if !ok {
		return limits
	}
	if override.MaxIterations > 0 {
		limits.MaxIterations = override.MaxIterations
	}
	if override.MaxToolCalls > 0 {
		limits.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxTurns > 0 {
		limits.MaxTurns = override.MaxTurns
	}
	if override.MaxActiveDuration > 0 {
		limits.MaxActiveDuration = override.MaxActiveDuration
	}
	if override.MaxSleepDuration > 0 {
		limits.MaxSleepDuration = override.MaxSleepDuration
	}
	if override.WarningThreshold > 0 {
		limits.WarningThreshold = override.WarningThreshold
	}
	return limits
}

// Lifecycle classifies how long an agent of a role lives.
type Lifecycle string

// Role lifecycles.
const (
	LifecycleEphemeral  Lifecycle = "ephemeral"
	LifecyclePersistent Lifecycle = "persistent"
	LifecycleStateful   Lifecycle = "stateful"
)

// TriggerAction is what a matching trigger does to an agent.
type TriggerAction string

// Trigger actions.
const (
	TriggerSpawn    TriggerAction = "spawn"
	TriggerWake     TriggerAction = "wake"
	TriggerComplete TriggerAction = "complete"
	TriggerSleep    TriggerAction = "sleep"
)

// TriggerConfig binds an event to a lifecycle action for a role.
type TriggerConfig struct {
	Event     string         `yaml:"event"`
	Label     string         `yaml:"label,omitempty"`
	Action    TriggerAction  `yaml:"action"`
	Condition map[string]any `yaml:"condition,omitempty"`
}

// RoleConfig is a named agent archetype.
type RoleConfig struct {
	// AgentDefinition is the role's system-prompt template.
	AgentDefinition string `yaml:"agent_definition"`

	// Description shown by the @bot help table.
	Description string `yaml:"description,omitempty"`

	// Singleton allows at most one non-terminal agent of this role at a time.
	Singleton bool `yaml:"singleton"`

	Lifecycle Lifecycle       `yaml:"lifecycle"`
	Triggers  []TriggerConfig `yaml:"triggers,omitempty"`

	// Subagents this role may delegate to.
	Subagents []string `yaml:"subagents,omitempty"`

	// Tools is the closed tool allowlist enforced by the pre-tool hook.
	Tools []string `yaml:"tools,omitempty"`

	// BranchTemplate overrides branch naming for this role.
	// Supports the {issue_number} placeholder.
	BranchTemplate string `yaml:"branch_template,omitempty"`
}

// Persistent reports whether agents of this role survive sleep/wake cycles.
func (r *RoleConfig) Persistent() bool {
	return r.Lifecycle == LifecyclePersistent || r.Lifecycle == LifecycleStateful
}

// BranchNamingConfig maps work categories to branch templates with an
// {issue_number} placeholder.
type BranchNamingConfig struct {
	Feature  string `yaml:"feature"`
	Bugfix   string `yaml:"bugfix"`
	Security string `yaml:"security"`
	Docs     string `yaml:"docs"`
	Infra    string `yaml:"infra"`
	Hotfix   string `yaml:"hotfix"`
}

// ReviewPolicyConfig drives PR review requirements and merge gating.
type ReviewPolicyConfig struct {
	Enabled             bool                `yaml:"enabled"`
	DefaultRequirements []ReviewRequirement `yaml:"default_requirements,omitempty"`
	Rules               []ReviewRule        `yaml:"rules,omitempty"`
	AutoMerge           bool                `yaml:"auto_merge"`
	OnSynchronize       string              `yaml:"on_synchronize,omitempty"`
}

// ReviewRequirement requires N approvals from a role.
type ReviewRequirement struct {
	Role  string `yaml:"role"`
	Count int    `yaml:"count"`
}

// ReviewRule applies extra requirements when a PR matches.
type ReviewRule struct {
	LabelsAny    []string            `yaml:"labels_any,omitempty"`
	PathsAny     []string            `yaml:"paths_any,omitempty"`
	Requirements []ReviewRequirement `yaml:"requirements"`
	Sequence     []string            `yaml:"sequence,omitempty"`
}

// EscalationConfig controls escalation notification.
type EscalationConfig struct {
	DefaultNotify    []string `yaml:"default_notify,omitempty"`
	EscalationLabels []string `yaml:"escalation_labels,omitempty"`
	MaxIssueDepth    int      `yaml:"max_issue_depth"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s", "5m", "2h" or from a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", ErrInvalidValue, v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("%w: duration must be a string or number, got %T", ErrInvalidValue, raw)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
