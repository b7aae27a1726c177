package config

import "time"

// Default runtime values applied when the user config leaves them unset.
const (
	DefaultMaxConcurrentAgents    = 4
	DefaultReconciliationInterval = 300 * time.Second
	DefaultEventQueueSize         = 256
	DefaultWorktreeDir            = ".squadron/worktrees"
)

// Default circuit-breaker limits.
const (
	DefaultMaxIterations     = 10
	DefaultMaxToolCalls      = 200
	DefaultMaxTurns          = 50
	DefaultMaxActiveDuration = 45 * time.Minute
	DefaultMaxSleepDuration  = 7 * 24 * time.Hour
	DefaultWarningThreshold  = 0.80
)

// applyDefaults fills unset fields after merge, before validation.
func applyDefaults(cfg *Config) {
	rt := &cfg.Runtime
	if rt.MaxConcurrentAgents == 0 {
		rt.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if rt.ReconciliationInterval == 0 {
		rt.ReconciliationInterval = Duration(DefaultReconciliationInterval)
	}
	if rt.EventQueueSize == 0 {
		rt.EventQueueSize = DefaultEventQueueSize
	}
	if rt.WorktreeDir == "" {
		rt.WorktreeDir = DefaultWorktreeDir
	}

	cb := &cfg.CircuitBreakers.Defaults
	if cb.MaxIterations == 0 {
		cb.MaxIterations = DefaultMaxIterations
	}
	if cb.MaxToolCalls == 0 {
		cb.MaxToolCalls = DefaultMaxToolCalls
	}
	if cb.MaxTurns == 0 {
		cb.MaxTurns = DefaultMaxTurns
	}
	if cb.MaxActiveDuration == 0 {
		cb.MaxActiveDuration = Duration(DefaultMaxActiveDuration)
	}
	if cb.MaxSleepDuration == 0 {
		cb.MaxSleepDuration = Duration(DefaultMaxSleepDuration)
	}
	if cb.WarningThreshold == 0 {
		cb.WarningThreshold = DefaultWarningThreshold
	}

	if cfg.Project.DefaultBranch == "" {
		cfg.Project.DefaultBranch = "main"
	}
	if cfg.BranchNaming.Feature == "" {
		cfg.BranchNaming.Feature = "feature/issue-{issue_number}"
	}
	if cfg.BranchNaming.Bugfix == "" {
		cfg.BranchNaming.Bugfix = "bugfix/issue-{issue_number}"
	}
	if cfg.BranchNaming.Hotfix == "" {
		cfg.BranchNaming.Hotfix = "hotfix/issue-{issue_number}"
	}

	for name, wf := range cfg.Workflows {
		if wf.Name == "" {
			wf.Name = name
		}
	}
}
