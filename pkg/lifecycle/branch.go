package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
)

// resolveBranch decides the branch a new agent works on, in precedence
// order: an explicit override, the head branch of an already-open PR for the
// issue, the role's branch template, and finally the category template picked
// from the issue's labels. Returns the PR number when an open PR exists.
func (m *Manager) resolveBranch(ctx context.Context, roleCfg *config.RoleConfig, issueNumber int, override string, trigger models.Event) (string, int, error) {
	if override != "" {
		return override, 0, nil
	}

	pr, err := m.api.FindOpenPullRequestForIssue(ctx, issueNumber)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return "", 0, fmt.Errorf("looking up open PR for issue #%d: %w", issueNumber, err)
	}
	if pr != nil {
		return pr.HeadBranch, pr.Number, nil
	}

	if roleCfg.BranchTemplate != "" {
		return expandBranchTemplate(roleCfg.BranchTemplate, issueNumber), 0, nil
	}

	labels := trigger.Payload.Labels
	if len(labels) == 0 {
		issue, err := m.api.GetIssue(ctx, issueNumber)
		if err == nil {
			labels = issue.Labels
		} else if !errors.Is(err, platform.ErrNotFound) {
			return "", 0, fmt.Errorf("reading issue #%d for branch naming: %w", issueNumber, err)
		}
	}

	template := m.categoryTemplate(labels)
	return expandBranchTemplate(template, issueNumber), 0, nil
}

// categoryTemplate maps issue labels to the configured branch template.
// First match wins in severity order; unlabeled work is a feature.
func (m *Manager) categoryTemplate(labels []string) string {
	naming := m.cfg.BranchNaming
	switch {
	case hasLabel(labels, "security") && naming.Security != "":
		return naming.Security
	case hasLabel(labels, "hotfix") && naming.Hotfix != "":
		return naming.Hotfix
	case hasLabel(labels, "bug") && naming.Bugfix != "":
		return naming.Bugfix
	case (hasLabel(labels, "docs") || hasLabel(labels, "documentation")) && naming.Docs != "":
		return naming.Docs
	case (hasLabel(labels, "infra") || hasLabel(labels, "infrastructure")) && naming.Infra != "":
		return naming.Infra
	case naming.Feature != "":
		return naming.Feature
	}
	return "feature/issue-{issue_number}"
}

func expandBranchTemplate(template string, issueNumber int) string {
	return strings.ReplaceAll(template, "{issue_number}", fmt.Sprintf("%d", issueNumber))
}

func hasLabel(labels []string, label string) bool {
	return slices.Contains(labels, label)
}
