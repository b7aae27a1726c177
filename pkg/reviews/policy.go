// Package reviews tracks PR review requirements and approvals and gates
// merging on them. It listens to PR lifecycle events: requirements are
// declared when a PR opens, approvals accumulate per role, new commits
// invalidate them, and an optional auto-merge fires once every requirement
// is met.
package reviews

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// HumanRole is the requirement role satisfied by reviews from accounts other
// than the bot.
const HumanRole = "human"

// signedPrefix extracts the agent id out of a bot-signed review body.
var signedPrefix = regexp.MustCompile(`^\*\*\[([^\]]+)\]\*\*`)

// Policy applies the configured review policy to incoming review events.
type Policy struct {
	cfg    *config.Config
	reg    *registry.Registry
	api    platform.API
	logger *slog.Logger
}

// New creates a Policy.
func New(cfg *config.Config, reg *registry.Registry, api platform.API, logger *slog.Logger) *Policy {
	return &Policy{
		cfg:    cfg,
		reg:    reg,
		api:    api,
		logger: logger.With("component", "reviews"),
	}
}

// RegisterHandlers subscribes the policy to the event stream. No-op when the
// policy is disabled.
func (p *Policy) RegisterHandlers(r *events.Router) {
	if !p.cfg.ReviewPolicy.Enabled {
		return
	}
	r.On(models.EventPROpened, p.HandlePROpened)
	r.On(models.EventPRReviewSubmitted, p.HandleReviewSubmitted)
	r.On(models.EventPRSynchronize, p.HandleSynchronize)
	r.On(models.EventPRClosed, p.HandlePRClosed)
}

// HandlePROpened declares the review requirements for a new PR from the
// default requirements plus every matching rule. The first matching rule
// with a sequence also installs the ordered-review cursor.
func (p *Policy) HandlePROpened(ctx context.Context, event models.Event) error {
	reqs := requirementRows(p.cfg.ReviewPolicy.DefaultRequirements)

	var sequence []string
	for _, rule := range p.cfg.ReviewPolicy.Rules {
		match, err := p.ruleMatches(ctx, rule, event)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		reqs = append(reqs, requirementRows(rule.Requirements)...)
		if sequence == nil && len(rule.Sequence) > 0 {
			sequence = rule.Sequence
		}
	}

	reqs = dedupeByRole(reqs)
	if len(reqs) == 0 {
		return nil
	}
	if err := p.reg.SetPRRequirements(ctx, event.PRNumber, reqs); err != nil {
		return err
	}
	p.logger.Info("review requirements set", "pr", event.PRNumber, "count", len(reqs))

	if len(sequence) > 0 {
		state := &models.PRSequenceState{
			PRNumber:    event.PRNumber,
			CurrentRole: sequence[0],
		}
		if err := p.reg.SetPRSequenceState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// HandleReviewSubmitted records the verdict and, on approval, advances the
// review sequence and checks merge readiness.
func (p *Policy) HandleReviewSubmitted(ctx context.Context, event models.Event) error {
	reqs, err := p.reg.ListPRRequirements(ctx, event.PRNumber)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}

	state := event.Payload.ReviewState
	if state != models.ReviewStateApproved && state != models.ReviewStateChangesRequested {
		return nil
	}
	role := p.reviewerRole(event)
	approval := &models.PRApproval{
		PRNumber: event.PRNumber,
		Role:     role,
		Approved: state == models.ReviewStateApproved,
		ReviewID: event.Payload.ReviewID,
	}
	if err := p.reg.RecordPRApproval(ctx, approval); err != nil {
		return err
	}
	p.logger.Info("review recorded", "pr", event.PRNumber, "role", role,
		"approved", approval.Approved)

	if !approval.Approved {
		return nil
	}
	if err := p.advanceSequence(ctx, event.PRNumber, role); err != nil {
		return err
	}
	return p.checkMergeReady(ctx, event.PRNumber)
}

// HandleSynchronize invalidates live approvals when new commits land, unless
// on_synchronize is "ignore".
func (p *Policy) HandleSynchronize(ctx context.Context, event models.Event) error {
	if p.cfg.ReviewPolicy.OnSynchronize == "ignore" {
		return nil
	}
	n, err := p.reg.InvalidatePRApprovals(ctx, event.PRNumber)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	p.logger.Info("approvals invalidated", "pr", event.PRNumber, "count", n)
	body := p.sign(fmt.Sprintf(
		"New commits invalidated %d approval(s) on this PR. Reviews must be re-submitted.", n))
	if _, err := p.api.CreateComment(ctx, event.PRNumber, body); err != nil {
		p.logger.Error("posting invalidation comment", "pr", event.PRNumber, "error", err)
	}
	return nil
}

// HandlePRClosed drops the review state for the closed PR.
func (p *Policy) HandlePRClosed(ctx context.Context, event models.Event) error {
	return p.reg.ClearPRReviewState(ctx, event.PRNumber)
}

// advanceSequence moves the ordered-review cursor past the role that just
// approved and requests the next role in line.
func (p *Policy) advanceSequence(ctx context.Context, prNumber int, role string) error {
	state, err := p.reg.GetPRSequenceState(ctx, prNumber)
	if err != nil {
		return err
	}
	if state == nil || state.CurrentRole != role {
		return nil
	}
	sequence := p.sequenceFor(ctx, prNumber)
	next := state.SequenceIndex + 1
	if next >= len(sequence) {
		return nil
	}
	state.SequenceIndex = next
	state.CurrentRole = sequence[next]
	if err := p.reg.SetPRSequenceState(ctx, state); err != nil {
		return err
	}
	body := p.sign(fmt.Sprintf("@%s %s: please review this PR.",
		p.cfg.Project.BotUsername, state.CurrentRole))
	if _, err := p.api.CreateComment(ctx, prNumber, body); err != nil {
		p.logger.Error("requesting next reviewer", "pr", prNumber,
			"role", state.CurrentRole, "error", err)
	}
	return nil
}

// checkMergeReady posts the readiness verdict and auto-merges when enabled.
func (p *Policy) checkMergeReady(ctx context.Context, prNumber int) error {
	ready, missing, err := p.reg.CheckPRMergeReady(ctx, prNumber)
	if err != nil {
		return err
	}
	if !ready {
		p.logger.Info("merge requirements unmet", "pr", prNumber, "missing", missing)
		return nil
	}
	body := p.sign("All review requirements are met.")
	if _, err := p.api.CreateComment(ctx, prNumber, body); err != nil {
		p.logger.Error("posting merge-ready comment", "pr", prNumber, "error", err)
	}
	if !p.cfg.ReviewPolicy.AutoMerge {
		return nil
	}
	if err := p.api.MergePullRequest(ctx, prNumber, "squash"); err != nil {
		p.logger.Error("auto-merge failed", "pr", prNumber, "error", err)
		return nil
	}
	p.logger.Info("auto-merged", "pr", prNumber)
	return nil
}

// ruleMatches checks labels_any against the PR labels and paths_any against
// the changed files. A rule with neither filter matches everything.
func (p *Policy) ruleMatches(ctx context.Context, rule config.ReviewRule, event models.Event) (bool, error) {
	if len(rule.LabelsAny) > 0 {
		labels := event.Payload.Labels
		if len(labels) == 0 {
			pr, err := p.api.GetPullRequest(ctx, event.PRNumber)
			if err != nil {
				return false, fmt.Errorf("fetching PR #%d labels: %w", event.PRNumber, err)
			}
			labels = pr.Labels
		}
		if !anyOverlap(labels, rule.LabelsAny) {
			return false, nil
		}
	}
	if len(rule.PathsAny) > 0 {
		files, err := p.api.ListPullRequestFiles(ctx, event.PRNumber)
		if err != nil {
			return false, fmt.Errorf("listing PR #%d files: %w", event.PRNumber, err)
		}
		if !anyPathMatch(files, rule.PathsAny) {
			return false, nil
		}
	}
	return true, nil
}

// reviewerRole attributes a review to a requirement role. Bot-submitted
// reviews carry the acting agent's signed prefix; the agent id starts with
// its role name. Everything else counts as a human review.
func (p *Policy) reviewerRole(event models.Event) string {
	if event.Sender != p.cfg.Project.BotUsername {
		return HumanRole
	}
	m := signedPrefix.FindStringSubmatch(strings.TrimSpace(event.Payload.ReviewBody))
	if m == nil {
		return HumanRole
	}
	agentID := m[1]
	best := ""
	for role := range p.cfg.AgentRoles {
		if (agentID == role || strings.HasPrefix(agentID, role+"-")) && len(role) > len(best) {
			best = role
		}
	}
	if best == "" {
		return HumanRole
	}
	return best
}

// sequenceFor reconstructs the configured sequence that applies to the PR.
// Only the first matching rule with a sequence counts, mirroring
// HandlePROpened.
func (p *Policy) sequenceFor(ctx context.Context, prNumber int) []string {
	for _, rule := range p.cfg.ReviewPolicy.Rules {
		if len(rule.Sequence) == 0 {
			continue
		}
		match, err := p.ruleMatches(ctx, rule, models.Event{PRNumber: prNumber})
		if err != nil || !match {
			continue
		}
		return rule.Sequence
	}
	return nil
}

func (p *Policy) sign(body string) string {
	return fmt.Sprintf("**[%s]** %s", p.cfg.Project.BotUsername, body)
}

func requirementRows(reqs []config.ReviewRequirement) []models.PRReviewRequirement {
	rows := make([]models.PRReviewRequirement, 0, len(reqs))
	for _, req := range reqs {
		rows = append(rows, models.PRReviewRequirement{
			Role:          req.Role,
			RequiredCount: req.Count,
		})
	}
	return rows
}

// dedupeByRole keeps the strictest requirement per role.
func dedupeByRole(rows []models.PRReviewRequirement) []models.PRReviewRequirement {
	byRole := make(map[string]int)
	var out []models.PRReviewRequirement
	for _, row := range rows {
		if i, ok := byRole[row.Role]; ok {
			if row.RequiredCount > out[i].RequiredCount {
				out[i].RequiredCount = row.RequiredCount
			}
			continue
		}
		byRole[row.Role] = len(out)
		out = append(out, row)
	}
	return out
}

func anyOverlap(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func anyPathMatch(files, patterns []string) bool {
	for _, pattern := range patterns {
		for _, file := range files {
			if ok, _ := path.Match(pattern, file); ok {
				return true
			}
			// Directory prefix patterns such as "docs/" or "pkg/api/**".
			prefix := strings.TrimSuffix(strings.TrimSuffix(pattern, "**"), "/")
			if prefix != pattern && prefix != "" && strings.HasPrefix(file, prefix+"/") {
				return true
			}
		}
	}
	return false
}
