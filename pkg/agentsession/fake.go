package agentsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnFunc scripts a fake session's behavior for one turn. Implementations
// drive tool calls through Turn.CallTool so the configured hooks fire the
// same way a real session would fire them.
type TurnFunc func(ctx context.Context, turn *Turn) (*TurnResult, error)

// Turn is the scripting handle passed to a TurnFunc.
type Turn struct {
	SessionID string
	AgentID   string
	Role      string
	Prompt    string

	cfg       Config
	toolCalls int
}

// CallTool simulates one tool invocation: the pre-tool hook may deny it, the
// post-tool hook observes it. Returns whether the call was allowed.
func (t *Turn) CallTool(ctx context.Context, name string) (bool, string) {
	input := HookInput{
		AgentID:   t.AgentID,
		SessionID: t.SessionID,
		ToolName:  name,
	}
	if t.cfg.PreTool != nil {
		if res := t.cfg.PreTool(ctx, input); res.Decision == DecisionDeny {
			return false, res.Reason
		}
	}
	t.toolCalls++
	if t.cfg.PostTool != nil {
		t.cfg.PostTool(ctx, input, time.Millisecond)
	}
	return true, ""
}

// ToolCalls returns the number of allowed tool calls so far in this turn.
func (t *Turn) ToolCalls() int {
	return t.toolCalls
}

// FakeRunner is an in-memory Runner. It backs local runs without LLM
// credentials and the lifecycle tests: each turn is produced by the
// configured TurnFunc instead of a model.
type FakeRunner struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*fakeSession
	deleted  []string

	// TurnFunc scripts every session's turns. Defaults to an echo turn
	// with no tool calls.
	TurnFunc TurnFunc
}

// NewFakeRunner creates a FakeRunner with the default echo script.
func NewFakeRunner(logger *slog.Logger) *FakeRunner {
	return &FakeRunner{
		logger:   logger.With("component", "agentsession", "impl", "fake"),
		sessions: make(map[string]*fakeSession),
		TurnFunc: func(_ context.Context, turn *Turn) (*TurnResult, error) {
			return &TurnResult{Text: "ok: " + firstN(turn.Prompt, 80)}, nil
		},
	}
}

func (r *FakeRunner) CreateSession(_ context.Context, cfg Config) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSession{id: uuid.New().String(), cfg: cfg, runner: r}
	r.sessions[s.id] = s
	r.logger.Info("created session", "session_id", s.id, "agent_id", cfg.AgentID)
	return s, nil
}

func (r *FakeRunner) ResumeSession(_ context.Context, id string, cfg Config) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.cfg = cfg
		s.stopped = false
		return s, nil
	}
	// Resuming an id the runner has never seen recreates it; a persisted
	// session id can outlive this process.
	s := &fakeSession{id: id, cfg: cfg, runner: r}
	r.sessions[id] = s
	r.logger.Info("resumed session", "session_id", id, "agent_id", cfg.AgentID)
	return s, nil
}

func (r *FakeRunner) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.deleted = append(r.deleted, id)
	return nil
}

// Deleted returns session ids deleted so far.
func (r *FakeRunner) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.deleted))
	copy(out, r.deleted)
	return out
}

type fakeSession struct {
	id      string
	cfg     Config
	runner  *FakeRunner
	stopped bool
	mu      sync.Mutex
}

func (s *fakeSession) ID() string {
	return s.id
}

func (s *fakeSession) SendPromptAndAwaitTurn(ctx context.Context, prompt string, timeout time.Duration) (*TurnResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	turn := &Turn{
		SessionID: s.id,
		AgentID:   s.cfg.AgentID,
		Role:      s.cfg.Role,
		Prompt:    prompt,
		cfg:       s.cfg,
	}

	type outcome struct {
		result *TurnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.runner.TurnFunc(turnCtx, turn)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result != nil && out.result.ToolCalls == 0 {
			out.result.ToolCalls = turn.toolCalls
		}
		return out.result, nil
	case <-turnCtx.Done():
		return nil, turnCtx.Err()
	}
}

func (s *fakeSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	_ Runner  = (*FakeRunner)(nil)
	_ Session = (*fakeSession)(nil)
)
