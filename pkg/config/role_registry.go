package config

import (
	"fmt"
	"sort"
	"sync"
)

// RoleRegistry stores agent role configurations in memory with thread-safe
// access.
type RoleRegistry struct {
	roles map[string]*RoleConfig
	mu    sync.RWMutex
}

// NewRoleRegistry creates a new role registry.
func NewRoleRegistry(roles map[string]*RoleConfig) *RoleRegistry {
	copied := make(map[string]*RoleConfig, len(roles))
	for k, v := range roles {
		copied[k] = v
	}
	return &RoleRegistry{roles: copied}
}

// Get retrieves a role configuration by name.
func (r *RoleRegistry) Get(name string) (*RoleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// Has checks whether a role exists.
func (r *RoleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// Names returns all role names sorted alphabetically.
func (r *RoleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggersFor returns the roles whose triggers match the given event type,
// together with the matching trigger.
func (r *RoleRegistry) TriggersFor(eventType string) map[string]TriggerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TriggerConfig)
	for name, role := range r.roles {
		for _, trig := range role.Triggers {
			if trig.Event == eventType {
				out[name] = trig
				break
			}
		}
	}
	return out
}

// Len returns the number of roles.
func (r *RoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}
