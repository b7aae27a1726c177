// Package agentsession defines the LLM session collaborator: session
// creation and resumption, prompt/turn exchange, and the pre/post tool hooks
// the server uses to enforce its circuit breaker and tool allowlists. The
// session implementation invokes the hooks; the server supplies them.
package agentsession

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound indicates the session id is unknown to the runner.
var ErrSessionNotFound = errors.New("session not found")

// Decision is a pre-tool hook verdict.
type Decision string

// Pre-tool hook verdicts.
const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// HookInput describes one tool invocation passing through the hooks.
type HookInput struct {
	AgentID   string
	SessionID string
	ToolName  string
	Arguments map[string]any
}

// HookResult is the pre-tool hook's verdict.
type HookResult struct {
	Decision Decision
	Reason   string
}

// PreToolHook runs before every tool invocation and may deny it.
type PreToolHook func(ctx context.Context, input HookInput) HookResult

// PostToolHook runs after every tool invocation with its wall duration.
type PostToolHook func(ctx context.Context, input HookInput, duration time.Duration)

// Config describes a session to create or resume.
type Config struct {
	AgentID      string
	Role         string
	Model        string
	Provider     string
	SystemPrompt string
	WorkingDir   string
	AllowedTools []string
	PreTool      PreToolHook
	PostTool     PostToolHook
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	Text      string
	ToolCalls int
}

// Session is one live LLM conversation.
type Session interface {
	ID() string
	SendPromptAndAwaitTurn(ctx context.Context, prompt string, timeout time.Duration) (*TurnResult, error)
	Stop(ctx context.Context) error
}

// Runner creates, resumes, and deletes sessions.
type Runner interface {
	CreateSession(ctx context.Context, cfg Config) (Session, error)
	ResumeSession(ctx context.Context, id string, cfg Config) (Session, error)
	DeleteSession(ctx context.Context, id string) error
}
