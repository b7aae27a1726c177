// Package gatecheck implements the pluggable named checks evaluated by gate
// stages. Each check receives its stage-declared config and the run context
// and reports pass/fail with a message and structured data.
package gatecheck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/squadron-hq/squadron/pkg/models"
)

// ErrUnknownCheck indicates a gate references a check name nobody
// registered. Startup validation surfaces this before any run starts.
var ErrUnknownCheck = errors.New("unknown gate check")

// Context is the evaluation input shared by all checks.
type Context struct {
	IssueNumber int
	PRNumber    int
	Labels      []string
	WorkDir     string
	RunContext  models.JSONMap
}

// Result is one check evaluation outcome.
type Result struct {
	Passed  bool
	Message string
	Data    models.JSONMap
}

// Check is a named gate condition.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, config models.JSONMap, gc Context) (Result, error)
	// ReactiveTo lists the event types whose arrival should re-evaluate
	// a gate using this check. Stage config may override it.
	ReactiveTo() []models.EventType
}

// Registry holds the registered checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds a check. Re-registering a name replaces it.
func (r *Registry) Register(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[check.Name()] = check
}

// Get returns a check by name.
func (r *Registry) Get(name string) (Check, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	check, ok := r.checks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
	}
	return check, nil
}

// Has reports whether a check name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.checks[name]
	return ok
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs one named check.
func (r *Registry) Evaluate(ctx context.Context, name string, config models.JSONMap, gc Context) (Result, error) {
	check, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}
	return check.Evaluate(ctx, config, gc)
}

// Config value accessors. Gate configs come from the YAML definition
// snapshot, so numbers may arrive as int, int64, or float64.

func configString(config models.JSONMap, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func configInt(config models.JSONMap, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func configStrings(config models.JSONMap, key string) []string {
	switch v := config[key].(type) {
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
