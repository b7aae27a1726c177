package gatecheck

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/platform"
)

type memApprovals struct {
	approvals map[int][]models.PRApproval
}

func (m *memApprovals) ListPRApprovals(_ context.Context, pr int) ([]models.PRApproval, error) {
	return m.approvals[pr], nil
}

func TestRegistryUnknownCheck(t *testing.T) {
	r := NewRegistry()
	_, err := r.Evaluate(context.Background(), "nope", nil, Context{})
	assert.ErrorIs(t, err, ErrUnknownCheck)
}

func TestCommandCheck(t *testing.T) {
	tests := []struct {
		name   string
		config models.JSONMap
		passed bool
	}{
		{"default expect passes on zero", models.JSONMap{"run": "true"}, true},
		{"default expect fails on nonzero", models.JSONMap{"run": "exit 3"}, false},
		{"explicit equality", models.JSONMap{"run": "exit 3", "expect": "exit_code == 3"}, true},
		{"inequality", models.JSONMap{"run": "true", "expect": "exit_code != 0"}, false},
		{"inequality passes", models.JSONMap{"run": "exit 1", "expect": "exit_code != 0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := CommandCheck{}.Evaluate(context.Background(), tt.config, Context{WorkDir: t.TempDir()})
			require.NoError(t, err)
			assert.Equal(t, tt.passed, res.Passed, res.Message)
		})
	}

	_, err := CommandCheck{}.Evaluate(context.Background(), models.JSONMap{"run": "true", "expect": "always"}, Context{})
	assert.Error(t, err)

	_, err = CommandCheck{}.Evaluate(context.Background(), models.JSONMap{}, Context{})
	assert.Error(t, err)
}

func TestFileExistsCheck(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	res, err := FileExistsCheck{}.Evaluate(context.Background(),
		models.JSONMap{"paths": []any{"README.md"}}, Context{WorkDir: dir})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = FileExistsCheck{}.Evaluate(context.Background(),
		models.JSONMap{"paths": []any{"README.md", "missing.go"}}, Context{WorkDir: dir})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "missing.go")
}

func TestPRApprovalCheck(t *testing.T) {
	store := &memApprovals{approvals: map[int][]models.PRApproval{
		10: {
			{PRNumber: 10, Role: "pr-review", Approved: true},
			{PRNumber: 10, Role: "pr-review", Approved: true, Stale: true},
			{PRNumber: 10, Role: "security-review", Approved: false},
		},
	}}
	check := PRApprovalCheck{Approvals: store}
	ctx := context.Background()

	res, err := check.Evaluate(ctx, models.JSONMap{}, Context{PRNumber: 10})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "1/1 approvals", res.Message)

	// Stale and rejected rows never count.
	res, err = check.Evaluate(ctx, models.JSONMap{"count": 2}, Context{PRNumber: 10})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = check.Evaluate(ctx, models.JSONMap{"role": "security-review"}, Context{PRNumber: 10})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = check.Evaluate(ctx, models.JSONMap{}, Context{PRNumber: 0})
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestLabelPresentCheck(t *testing.T) {
	ctx := context.Background()
	gc := Context{Labels: []string{"feature", "backend"}}

	res, err := LabelPresentCheck{}.Evaluate(ctx, models.JSONMap{"label": "feature"}, gc)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = LabelPresentCheck{}.Evaluate(ctx, models.JSONMap{"label": "urgent"}, gc)
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestCIStatusCheck(t *testing.T) {
	api := platform.NewLocal(slog.Default())
	api.SeedCombinedStatus("agent/developer/42", platform.CombinedStatus{State: "success"})
	check := CIStatusCheck{Platform: api}
	ctx := context.Background()

	res, err := check.Evaluate(ctx, models.JSONMap{},
		Context{RunContext: models.JSONMap{"branch": "agent/developer/42"}})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	// Unknown refs report pending, which fails a success expectation.
	res, err = check.Evaluate(ctx, models.JSONMap{"ref": "other"}, Context{})
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, &memApprovals{}, platform.NewLocal(slog.Default()))
	assert.Equal(t, []string{"ci_status", "command", "file_exists", "label_present", "pr_approval"}, r.Names())
}
