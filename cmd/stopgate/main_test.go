package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/exec/exectest"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/override"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

type cli struct {
	t    *testing.T
	dir  string
	fake *exectest.Fake
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	files := map[string]string{
		"go.mod":       "module example.com/app\n\ngo 1.22\n",
		"main.go":      "package main\n\nfunc main() {}\n",
		"main_test.go": "package main\n",
	}
	for rel, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, rel), []byte(content), 0o644))
	}
	return &cli{t: t, dir: dir, fake: exectest.New("go", "govulncheck")}
}

// run executes one command and decodes its JSON output.
func (c *cli) run(args ...string) (map[string]any, int) {
	c.t.Helper()
	out, code, _ := c.runWithStderr(args...)
	return out, code
}

func (c *cli) runWithStderr(args ...string) (map[string]any, int, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(""), &stdout, &stderr,
		orchestrator.WithCommandRunner(c.fake),
		orchestrator.WithCacheRand(func() float64 { return 1 }))
	code := a.execute(context.Background(), append([]string{"--project", c.dir}, args...))

	var out map[string]any
	require.NoError(c.t, json.Unmarshal(stdout.Bytes(), &out), "stdout: %s", stdout.String())
	return out, code, stderr.String()
}

func (c *cli) start(agentID string) string {
	c.t.Helper()
	out, code := c.run("start-authorization", agentID)
	require.Equal(c.t, 0, code, out)
	key, _ := out["authKey"].(string)
	require.NotEmpty(c.t, key)
	return key
}

func TestCLI_SequentialAuthorization(t *testing.T) {
	c := newCLI(t)
	key := c.start("agentA")

	for i, step := range models.BuiltinCriteria() {
		out, code := c.run("validate-criterion", key, step)
		require.Equal(t, 0, code, out)
		require.Equal(t, true, out["success"], "%s: %v", step, out)
		assert.Equal(t, fmt.Sprintf("%d/7", i+1), out["progress"])
	}

	out, code := c.run("status", "agentA")
	require.Equal(t, 0, code)
	assert.Equal(t, "stopgate complete-authorization <authKey>", out["nextStep"])
	assert.NotContains(t, fmt.Sprint(out), key, "status must not print the auth key")

	out, code = c.run("complete-authorization", key)
	require.Equal(t, 0, code, out)
	flag := out["flag"].(map[string]any)
	assert.Equal(t, "agentA", flag["agent_id"])
	assert.Len(t, flag["completed_steps"], 7)

	out, code = c.run("verify-termination")
	require.Equal(t, 0, code, out)
	assert.Equal(t, true, out["verified"])
}

func TestCLI_ParallelAuthorization(t *testing.T) {
	c := newCLI(t)
	key := c.start("agentA")

	out, code := c.run("validate-criteria-parallel", key)
	require.Equal(t, 0, code, out)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, string(models.SessionReady), out["status"])
	assert.Equal(t, "stopgate complete-authorization "+key, out["nextStep"])
}

func TestCLI_FailedCriterionIsData(t *testing.T) {
	c := newCLI(t)
	c.fake.Queue("go vet ./...", exectest.Exit(1, "main.go:3: vet failed"), exectest.OK(""))
	key := c.start("agentA")

	c.run("validate-criterion", key, models.CriterionFocusedCodebase)
	c.run("validate-criterion", key, models.CriterionSecurity)

	out, code := c.run("validate-criterion", key, models.CriterionLint)
	require.Equal(t, 0, code, "a failing criterion is not a command error")
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "2/7", out["progress"])

	out, code = c.run("selective-revalidation", key)
	require.Equal(t, 0, code, out)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []any{models.CriterionLint}, out["merged"])
	assert.Equal(t, "3/7", out["progress"])
}

func TestCLI_ErrorEnvelopes(t *testing.T) {
	c := newCLI(t)
	key := c.start("agentA")

	tests := []struct {
		name     string
		args     []string
		code     string
		category Category
	}{
		{"out of order", []string{"validate-criterion", key, models.CriterionTest}, "criterion_out_of_order", CategoryInvalidInput},
		{"wrong key", []string{"validate-criterion", "not-a-key", models.CriterionFocusedCodebase}, "session_key_mismatch", CategoryAuthorization},
		{"unknown criterion", []string{"validate-criterion", key, "vibes-check"}, "unknown_criterion", CategoryInvalidInput},
		{"not ready", []string{"complete-authorization", key}, "session_not_ready", CategoryInvalidInput},
		{"missing args", []string{"start-authorization"}, "invalid_usage", CategoryInvalidInput},
		{"bad json", []string{"create-emergency-override", "{nope"}, "invalid_json", CategoryInvalidInput},
		{"unknown snapshot", []string{"perform-rollback", "missing"}, "snapshot_not_found", CategoryNotFound},
		{"no flag", []string{"verify-termination"}, "not_found", CategoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := c.run(tt.args...)
			assert.Equal(t, 1, code)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.code, out["error_code"], out["error"])
			assert.Equal(t, string(tt.category), out["error_category"])
			assert.NotEmpty(t, out["nextStep"])
		})
	}
}

func TestCLI_EmergencyOverride(t *testing.T) {
	c := newCLI(t)

	out, code := c.run("create-emergency-override",
		`{"agentId":"agentA","incidentId":"INC-7","justification":"prod down","impactLevel":"medium","authorizedBy":"oncall"}`)
	require.Equal(t, 0, code, out)
	key := out["overrideKey"].(string)
	assert.Equal(t, float64(1), out["maxUsage"])

	out, code = c.run("execute-emergency-override", key, `{"reason":"hotfix deployed"}`)
	require.Equal(t, 0, code, out)
	assert.Equal(t, string(override.StatusExhausted), out["status"])
	flag := out["flag"].(map[string]any)
	assert.Equal(t, session.ViaOverride, flag["via"])

	out, code = c.run("execute-emergency-override", key, "again")
	assert.Equal(t, 1, code)
	assert.Equal(t, "override_exhausted", out["error_code"])

	out, code = c.run("check-emergency-override", key)
	require.Equal(t, 0, code, out)
	assert.Equal(t, float64(0), out["remaining"])
}

func TestCLI_CreateOverrideRejectsMissingFields(t *testing.T) {
	c := newCLI(t)
	out, code := c.run("create-emergency-override", `{"agentId":"agentA","impactLevel":"low"}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_override_request", out["error_code"])
}

func TestCLI_Snapshots(t *testing.T) {
	c := newCLI(t)

	out, code := c.run("create-validation-state-snapshot", `{"description":"before refactor"}`)
	require.Equal(t, 0, code, out)
	id := out["snapshotId"].(string)
	require.NotEmpty(t, id)

	out, code = c.run("list-snapshots")
	require.Equal(t, 0, code, out)
	list := out["snapshots"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].(map[string]any)["id"])
}

func TestCLI_StateDryRun(t *testing.T) {
	c := newCLI(t)

	out, code := c.run("state-dry-run", "--suggest", "login=Login page", "--implement", "login")
	require.Equal(t, 0, code, out)
	result := out["result"].(map[string]any)
	assert.Equal(t, []any{"login"}, result["focus_violations"])

	out, code = c.run("state-dry-run")
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_usage", out["error_code"])

	out, code = c.run("state-dry-run", "--approve", "ghost")
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_usage", out["error_code"])
}

func TestCLI_Plan(t *testing.T) {
	c := newCLI(t)
	out, code := c.run("plan")
	require.Equal(t, 0, code, out)
	plan := out["plan"].(map[string]any)
	assert.Equal(t, false, plan["fallback"])
	assert.NotEmpty(t, plan["waves"])
}

func TestToSnake(t *testing.T) {
	tests := map[string]string{
		"impactLevel":   "impact_level",
		"agentId":       "agent_id",
		"agentID":       "agent_id",
		"authorized_by": "authorized_by",
		"delete-after":  "delete_after",
		"reason":        "reason",
	}
	for in, want := range tests {
		assert.Equal(t, want, toSnake(in), in)
	}
}

func TestClassifyWrapped(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{fmt.Errorf("save state: %w", lock.ErrTimeout), "lock_timeout", true},
		{fmt.Errorf("validate: %w", session.ErrExpired), "session_expired", false},
		{fmt.Errorf("execute: %w", override.ErrExpired), "override_expired", false},
		{errors.New("boom"), "internal_failure", false},
	}
	for _, tt := range tests {
		info := classify(tt.err)
		assert.Equal(t, tt.code, info.Code, tt.err.Error())
		assert.Equal(t, tt.retryable, info.Retryable, tt.err.Error())
	}
}

func TestCLI_ProgressGoesToStderr(t *testing.T) {
	c := newCLI(t)
	key := c.start("agentA")

	out, code, progress := c.runWithStderr("--progress", "validate-criteria-parallel", key)
	require.Equal(t, 0, code, out)
	require.Equal(t, true, out["success"], out)

	for _, step := range models.BuiltinCriteria() {
		assert.Contains(t, progress, step)
	}
	assert.Contains(t, progress, "wave 1:")
	assert.Contains(t, progress, "session ready")

	_, _, quiet := c.runWithStderr("status", "agentA")
	assert.Empty(t, quiet)
}
