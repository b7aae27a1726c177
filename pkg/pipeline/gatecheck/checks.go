package gatecheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
)

// commandTimeout bounds a command check's subprocess.
const commandTimeout = 5 * time.Minute

var expectRe = regexp.MustCompile(`^exit_code\s*(==|!=)\s*(\d+)$`)

// CommandCheck runs a shell command and matches its exit code. Config:
// {run: "...", expect: "exit_code == 0"}. Default expectation is exit 0.
type CommandCheck struct{}

func (CommandCheck) Name() string { return "command" }

func (CommandCheck) ReactiveTo() []models.EventType { return nil }

func (CommandCheck) Evaluate(ctx context.Context, config models.JSONMap, gc Context) (Result, error) {
	run := configString(config, "run")
	if run == "" {
		return Result{}, fmt.Errorf("command check: missing run")
	}

	op, want := "==", 0
	if expect := configString(config, "expect"); expect != "" {
		m := expectRe.FindStringSubmatch(strings.TrimSpace(expect))
		if m == nil {
			return Result{}, fmt.Errorf("command check: invalid expect %q", expect)
		}
		op = m[1]
		want, _ = strconv.Atoi(m[2])
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", run)
	cmd.Dir = gc.WorkDir
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Result{}, fmt.Errorf("command check: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	passed := exitCode == want
	if op == "!=" {
		passed = exitCode != want
	}
	return Result{
		Passed:  passed,
		Message: fmt.Sprintf("command exited %d (expect exit_code %s %d)", exitCode, op, want),
		Data: models.JSONMap{
			"exit_code": exitCode,
			"output":    lastN(string(output), 2000),
		},
	}, nil
}

// FileExistsCheck passes when every declared path exists. Config:
// {paths: [...]} or {path: "..."}; relative paths resolve from WorkDir.
type FileExistsCheck struct{}

func (FileExistsCheck) Name() string { return "file_exists" }

func (FileExistsCheck) ReactiveTo() []models.EventType { return nil }

func (FileExistsCheck) Evaluate(_ context.Context, config models.JSONMap, gc Context) (Result, error) {
	paths := configStrings(config, "paths")
	if p := configString(config, "path"); p != "" {
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return Result{}, fmt.Errorf("file_exists check: no paths declared")
	}

	var missing []string
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(gc.WorkDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("missing: %s", strings.Join(missing, ", ")),
			Data:    models.JSONMap{"missing": missing},
		}, nil
	}
	return Result{Passed: true, Message: fmt.Sprintf("all %d path(s) exist", len(paths))}, nil
}

// ApprovalStore reads PR approvals. Implemented by the registry.
type ApprovalStore interface {
	ListPRApprovals(ctx context.Context, prNumber int) ([]models.PRApproval, error)
}

// PRApprovalCheck passes when the PR holds enough non-stale approvals.
// Config: {count: N, role: "..."}; count defaults to 1, role to any.
type PRApprovalCheck struct {
	Approvals ApprovalStore
}

func (PRApprovalCheck) Name() string { return "pr_approval" }

func (PRApprovalCheck) ReactiveTo() []models.EventType {
	return []models.EventType{models.EventPRReviewSubmitted}
}

func (c PRApprovalCheck) Evaluate(ctx context.Context, config models.JSONMap, gc Context) (Result, error) {
	if gc.PRNumber == 0 {
		return Result{Passed: false, Message: "no PR associated with this run"}, nil
	}
	want := configInt(config, "count", 1)
	role := configString(config, "role")

	approvals, err := c.Approvals.ListPRApprovals(ctx, gc.PRNumber)
	if err != nil {
		return Result{}, fmt.Errorf("pr_approval check: %w", err)
	}
	have := 0
	for _, a := range approvals {
		if a.Approved && !a.Stale && (role == "" || a.Role == role) {
			have++
		}
	}
	label := "approvals"
	if role != "" {
		label = role + " approvals"
	}
	return Result{
		Passed:  have >= want,
		Message: fmt.Sprintf("%d/%d %s", have, want, label),
		Data:    models.JSONMap{"have": have, "want": want},
	}, nil
}

// LabelPresentCheck passes when the context labels include the configured
// label. Config: {label: "..."}.
type LabelPresentCheck struct{}

func (LabelPresentCheck) Name() string { return "label_present" }

func (LabelPresentCheck) ReactiveTo() []models.EventType {
	return []models.EventType{models.EventIssueLabeled}
}

func (LabelPresentCheck) Evaluate(_ context.Context, config models.JSONMap, gc Context) (Result, error) {
	label := configString(config, "label")
	if label == "" {
		return Result{}, fmt.Errorf("label_present check: missing label")
	}
	if slices.Contains(gc.Labels, label) {
		return Result{Passed: true, Message: fmt.Sprintf("label %q present", label)}, nil
	}
	return Result{Passed: false, Message: fmt.Sprintf("label %q absent", label)}, nil
}

// CIStatusCheck passes when the combined commit status for the run's branch
// matches the wanted state. Config: {ref: "...", state: "success"}; ref
// defaults to the run context's branch, state to success.
type CIStatusCheck struct {
	Platform platform.API
}

func (CIStatusCheck) Name() string { return "ci_status" }

func (CIStatusCheck) ReactiveTo() []models.EventType {
	return []models.EventType{models.EventPRSynchronize}
}

func (c CIStatusCheck) Evaluate(ctx context.Context, config models.JSONMap, gc Context) (Result, error) {
	ref := configString(config, "ref")
	if ref == "" {
		if branch, ok := gc.RunContext["branch"].(string); ok {
			ref = branch
		}
	}
	if ref == "" {
		return Result{}, fmt.Errorf("ci_status check: no ref")
	}
	want := configString(config, "state")
	if want == "" {
		want = "success"
	}

	status, err := c.Platform.GetCombinedStatus(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("ci_status check: %w", err)
	}
	return Result{
		Passed:  status.State == want,
		Message: fmt.Sprintf("combined status %q on %s (want %q)", status.State, ref, want),
		Data:    models.JSONMap{"state": status.State},
	}, nil
}

// RegisterBuiltins installs the standard checks.
func RegisterBuiltins(r *Registry, approvals ApprovalStore, api platform.API) {
	r.Register(CommandCheck{})
	r.Register(FileExistsCheck{})
	r.Register(PRApprovalCheck{Approvals: approvals})
	r.Register(LabelPresentCheck{})
	r.Register(CIStatusCheck{Platform: api})
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
