package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration comprehensively, collecting every error
// before failing so operators fix all problems in one pass.
type Validator struct {
	cfg    *Config
	errors []error
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs all checks and returns a combined error, or nil.
func (v *Validator) Validate() error {
	v.validateProject()
	v.validateRuntime()
	v.validateRoles()
	v.validateWorkflows()

	if len(v.errors) == 0 {
		return nil
	}
	msgs := make([]string, len(v.errors))
	for i, err := range v.errors {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%w:\n  - %s", ErrValidationFailed, strings.Join(msgs, "\n  - "))
}

func (v *Validator) addError(component, id, field string, err error) {
	v.errors = append(v.errors, NewValidationError(component, id, field, err))
}

func (v *Validator) validateProject() {
	p := v.cfg.Project
	if p.Owner == "" {
		v.addError("project", p.Name, "owner", ErrMissingRequiredField)
	}
	if p.Repo == "" {
		v.addError("project", p.Name, "repo", ErrMissingRequiredField)
	}
	if p.BotUsername == "" {
		v.addError("project", p.Name, "bot_username", ErrMissingRequiredField)
	}
}

func (v *Validator) validateRuntime() {
	rt := v.cfg.Runtime
	if rt.MaxConcurrentAgents < 0 {
		v.addError("runtime", "", "max_concurrent_agents",
			fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if rt.ReconciliationInterval.Std() < time.Second {
		v.addError("runtime", "", "reconciliation_interval",
			fmt.Errorf("%w: must be at least 1s", ErrInvalidValue))
	}
}

func (v *Validator) validateRoles() {
	for name, role := range v.cfg.AgentRoles {
		if role.AgentDefinition == "" {
			v.addError("role", name, "agent_definition", ErrMissingRequiredField)
		}
		switch role.Lifecycle {
		case LifecycleEphemeral, LifecyclePersistent, LifecycleStateful:
		case "":
			v.addError("role", name, "lifecycle", ErrMissingRequiredField)
		default:
			v.addError("role", name, "lifecycle",
				fmt.Errorf("%w: %q", ErrInvalidValue, role.Lifecycle))
		}
		for i, trig := range role.Triggers {
			if trig.Event == "" {
				v.addError("role", name, fmt.Sprintf("triggers[%d].event", i), ErrMissingRequiredField)
			}
			switch trig.Action {
			case TriggerSpawn, TriggerWake, TriggerComplete, TriggerSleep:
			default:
				v.addError("role", name, fmt.Sprintf("triggers[%d].action", i),
					fmt.Errorf("%w: %q", ErrInvalidValue, trig.Action))
			}
		}
		for _, sub := range role.Subagents {
			if _, ok := v.cfg.AgentRoles[sub]; !ok {
				v.addError("role", name, "subagents",
					fmt.Errorf("%w: unknown role %q", ErrInvalidReference, sub))
			}
		}
	}
}

func (v *Validator) validateWorkflows() {
	for name, wf := range v.cfg.Workflows {
		if wf.Trigger.Event == "" {
			v.addError("workflow", name, "trigger.event", ErrMissingRequiredField)
		}
		if len(wf.Stages) == 0 {
			v.addError("workflow", name, "stages", ErrMissingRequiredField)
			continue
		}

		ids := make(map[string]bool)
		collect := func(s *StageSpec) {
			if s.ID == "" {
				v.addError("workflow", name, "stages", fmt.Errorf("%w: stage id", ErrMissingRequiredField))
				return
			}
			if ids[s.ID] {
				v.addError("workflow", name, "stages",
					fmt.Errorf("%w: duplicate stage id %q", ErrInvalidValue, s.ID))
			}
			ids[s.ID] = true
		}
		for i := range wf.Stages {
			collect(&wf.Stages[i])
			for j := range wf.Stages[i].Branches {
				collect(&wf.Stages[i].Branches[j])
			}
		}

		for i := range wf.Stages {
			v.validateStage(name, &wf.Stages[i], ids)
			for j := range wf.Stages[i].Branches {
				v.validateStage(name, &wf.Stages[i].Branches[j], ids)
			}
		}

		for eventType, reaction := range wf.OnEvents {
			switch reaction.Action {
			case ReactionCancel, ReactionReevaluateGates, ReactionInvalidateAndRestart, ReactionNotify:
			default:
				v.addError("workflow", name, fmt.Sprintf("on_events[%s].action", eventType),
					fmt.Errorf("%w: %q", ErrInvalidValue, reaction.Action))
			}
			for _, s := range reaction.Stages {
				if !ids[s] {
					v.addError("workflow", name, fmt.Sprintf("on_events[%s].stages", eventType),
						fmt.Errorf("%w: unknown stage %q", ErrInvalidReference, s))
				}
			}
			if reaction.RestartFrom != "" && reaction.RestartFrom != "current" && !ids[reaction.RestartFrom] {
				v.addError("workflow", name, fmt.Sprintf("on_events[%s].restart_from", eventType),
					fmt.Errorf("%w: unknown stage %q", ErrInvalidReference, reaction.RestartFrom))
			}
		}
	}
}

func (v *Validator) validateStage(workflow string, s *StageSpec, ids map[string]bool) {
	field := func(f string) string { return fmt.Sprintf("stages[%s].%s", s.ID, f) }

	switch s.Type {
	case StageTypeAgent:
		if s.Role == "" {
			v.addError("workflow", workflow, field("role"), ErrMissingRequiredField)
		} else if _, ok := v.cfg.AgentRoles[s.Role]; !ok {
			v.addError("workflow", workflow, field("role"),
				fmt.Errorf("%w: unknown role %q", ErrInvalidReference, s.Role))
		}
	case StageTypeGate:
		if len(s.Checks) == 0 {
			v.addError("workflow", workflow, field("checks"), ErrMissingRequiredField)
		}
		for i, check := range s.Checks {
			if check.Check == "" {
				v.addError("workflow", workflow, field(fmt.Sprintf("checks[%d].check", i)), ErrMissingRequiredField)
			}
		}
	case StageTypeAction:
		if s.ActionName == "" {
			v.addError("workflow", workflow, field("action_name"), ErrMissingRequiredField)
		}
	case StageTypeDelay:
		if _, err := time.ParseDuration(s.Duration); err != nil {
			v.addError("workflow", workflow, field("duration"),
				fmt.Errorf("%w: %q", ErrInvalidValue, s.Duration))
		}
	case StageTypeHuman:
	case StageTypeParallel:
		if len(s.Branches) == 0 {
			v.addError("workflow", workflow, field("branches"), ErrMissingRequiredField)
		}
		for i := range s.Branches {
			if s.Branches[i].Type == StageTypeParallel {
				v.addError("workflow", workflow, field("branches"),
					fmt.Errorf("%w: nested parallel stages", ErrInvalidValue))
			}
			_ = i
		}
	case StageTypePipeline:
		if s.Pipeline == "" {
			v.addError("workflow", workflow, field("pipeline"), ErrMissingRequiredField)
		} else if _, ok := v.cfg.Workflows[s.Pipeline]; !ok {
			v.addError("workflow", workflow, field("pipeline"),
				fmt.Errorf("%w: unknown pipeline %q", ErrInvalidReference, s.Pipeline))
		}
	default:
		v.addError("workflow", workflow, field("type"),
			fmt.Errorf("%w: %q", ErrInvalidValue, s.Type))
	}

	v.validateTarget(workflow, s.ID, "on_complete", s.Transitions.OnComplete, ids)
	v.validateTarget(workflow, s.ID, "on_pass", s.Transitions.OnPass, ids)
	v.validateTarget(workflow, s.ID, "on_fail", s.Transitions.OnFail, ids)
	v.validateTarget(workflow, s.ID, "skip_to", s.Transitions.SkipTo, ids)
	v.validateTarget(workflow, s.ID, "then", s.Transitions.Then, ids)
	if s.Transitions.OnError != nil {
		v.validateTarget(workflow, s.ID, "on_error.then", s.Transitions.OnError.Then, ids)
		if s.Transitions.OnError.Retry < 0 {
			v.addError("workflow", workflow, field("transitions.on_error.retry"),
				fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
		}
	}
	if s.OnAnyReject != "" {
		v.validateTarget(workflow, s.ID, "on_any_reject", s.OnAnyReject, ids)
	}
}

// validateTarget checks a transition target is a sentinel or a known stage.
func (v *Validator) validateTarget(workflow, stageID, field, target string, ids map[string]bool) {
	if target == "" {
		return
	}
	switch target {
	case TransitionNext, TransitionComplete, TransitionEscalate:
		return
	}
	if !ids[target] {
		v.addError("workflow", workflow, fmt.Sprintf("stages[%s].transitions.%s", stageID, field),
			fmt.Errorf("%w: unknown stage %q", ErrInvalidReference, target))
	}
}
