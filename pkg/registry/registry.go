// Package registry implements transactional persistence for agents,
// pipeline runs, stage runs, gate checks, PR review state, and the
// delivery-id dedup index. One Registry instance shares one database
// connection between all components; row-level single-writer discipline is
// enforced by the callers that own each entity.
package registry

import (
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/squadron-hq/squadron/pkg/database"
)

var (
	// ErrAgentNotFound indicates the agent row does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists indicates an insert collided with an existing row.
	ErrAgentExists = errors.New("agent already exists")

	// ErrTerminalAgent indicates an attempt to mutate a terminal agent row
	// back to a non-terminal status. Callers must DeleteAgent first.
	ErrTerminalAgent = errors.New("agent is terminal")

	// ErrBlockerCycle indicates the blocker addition would create a cycle
	// in the blocks-on graph. The registry rejects it without mutation.
	ErrBlockerCycle = errors.New("blocker would create a cycle")

	// ErrRunNotFound indicates the pipeline run row does not exist.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrStageRunNotFound indicates the stage run row does not exist.
	ErrStageRunNotFound = errors.New("stage run not found")
)

// Registry provides typed CRUD over the shared store.
type Registry struct {
	db *sqlx.DB
}

// New creates a Registry over the given database client.
func New(client *database.Client) *Registry {
	return &Registry{db: client.DB()}
}

// NewFromDB wraps an existing sqlx handle (used by tests).
func NewFromDB(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// rebind adapts ? placeholders to the active driver.
func (r *Registry) rebind(query string) string {
	return r.db.Rebind(query)
}
