package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
)

// ErrUnknownAction indicates an action stage references a name nobody
// registered.
var ErrUnknownAction = errors.New("unknown pipeline action")

// ActionContext is what an action sees of the run it executes in.
type ActionContext struct {
	IssueNumber int
	PRNumber    int
	RunContext  models.JSONMap
}

// ActionResult is one action invocation outcome. Conflict is reported
// separately from failure so on_conflict transitions can be honored.
type ActionResult struct {
	Success  bool
	Conflict bool
	Message  string
	Data     models.JSONMap
}

// ActionFunc executes one action stage.
type ActionFunc func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error)

// ActionRegistry holds the registered pipeline actions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionFunc)}
}

// Register adds an action. Re-registering a name replaces it.
func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Has reports whether an action name is registered.
func (r *ActionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns the registered action names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one named action.
func (r *ActionRegistry) Invoke(ctx context.Context, name string, config models.JSONMap, ac ActionContext) (ActionResult, error) {
	r.mu.RLock()
	fn, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return fn(ctx, config, ac)
}

// RegisterBuiltinActions installs the standard platform-backed actions.
func RegisterBuiltinActions(r *ActionRegistry, api platform.API) {
	r.Register("merge_pr", func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error) {
		if ac.PRNumber == 0 {
			return ActionResult{Message: "no PR associated with this run"}, nil
		}
		method := stringValue(config, "method")
		if method == "" {
			method = "squash"
		}
		err := api.MergePullRequest(ctx, ac.PRNumber, method)
		switch {
		case errors.Is(err, platform.ErrConflict):
			return ActionResult{Conflict: true, Message: err.Error()}, nil
		case err != nil:
			return ActionResult{}, fmt.Errorf("merging PR #%d: %w", ac.PRNumber, err)
		}
		return ActionResult{Success: true, Message: fmt.Sprintf("merged PR #%d (%s)", ac.PRNumber, method)}, nil
	})

	r.Register("comment_on_issue", func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error) {
		body := stringValue(config, "body")
		if body == "" {
			return ActionResult{}, fmt.Errorf("comment_on_issue: missing body")
		}
		number := ac.IssueNumber
		if number == 0 {
			number = ac.PRNumber
		}
		if number == 0 {
			return ActionResult{Message: "no issue or PR to comment on"}, nil
		}
		body = expandContext(body, ac)
		if _, err := api.CreateComment(ctx, number, body); err != nil {
			return ActionResult{}, fmt.Errorf("commenting on #%d: %w", number, err)
		}
		return ActionResult{Success: true, Message: fmt.Sprintf("commented on #%d", number)}, nil
	})

	r.Register("add_label", func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error) {
		labels := stringValues(config, "labels")
		if l := stringValue(config, "label"); l != "" {
			labels = append(labels, l)
		}
		if len(labels) == 0 {
			return ActionResult{}, fmt.Errorf("add_label: no labels declared")
		}
		if ac.IssueNumber == 0 {
			return ActionResult{Message: "no issue to label"}, nil
		}
		if err := api.AddLabels(ctx, ac.IssueNumber, labels); err != nil {
			return ActionResult{}, fmt.Errorf("labeling #%d: %w", ac.IssueNumber, err)
		}
		return ActionResult{Success: true, Message: fmt.Sprintf("labeled #%d: %s", ac.IssueNumber, strings.Join(labels, ", "))}, nil
	})

	r.Register("close_issue", func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error) {
		if ac.IssueNumber == 0 {
			return ActionResult{Message: "no issue to close"}, nil
		}
		if err := api.CloseIssue(ctx, ac.IssueNumber); err != nil {
			return ActionResult{}, fmt.Errorf("closing #%d: %w", ac.IssueNumber, err)
		}
		return ActionResult{Success: true, Message: fmt.Sprintf("closed #%d", ac.IssueNumber)}, nil
	})

	r.Register("delete_branch", func(ctx context.Context, config models.JSONMap, ac ActionContext) (ActionResult, error) {
		branch := stringValue(config, "branch")
		if branch == "" {
			if b, ok := ac.RunContext["branch"].(string); ok {
				branch = b
			}
		}
		if branch == "" {
			return ActionResult{}, fmt.Errorf("delete_branch: no branch")
		}
		if err := api.DeleteBranch(ctx, branch); err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				return ActionResult{Success: true, Message: fmt.Sprintf("branch %s already gone", branch)}, nil
			}
			return ActionResult{}, fmt.Errorf("deleting branch %s: %w", branch, err)
		}
		return ActionResult{Success: true, Message: fmt.Sprintf("deleted branch %s", branch)}, nil
	})
}

// expandContext substitutes {issue_number} and {pr_number} in action text.
func expandContext(s string, ac ActionContext) string {
	return strings.NewReplacer(
		"{issue_number}", fmt.Sprintf("%d", ac.IssueNumber),
		"{pr_number}", fmt.Sprintf("%d", ac.PRNumber),
	).Replace(s)
}

func stringValue(config models.JSONMap, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func stringValues(config models.JSONMap, key string) []string {
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
