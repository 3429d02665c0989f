//go:build !windows

package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunnerSuccess(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Shell(t.TempDir(), "echo hello; echo oops 1>&2", 5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected OK, got exit %d timedOut=%v", res.ExitCode, res.TimedOut)
	}
	out := string(res.Output)
	if !strings.Contains(out, "hello") || !strings.Contains(out, "oops") {
		t.Errorf("expected combined output, got %q", out)
	}
}

func TestExecRunnerExitCode(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Shell("", "exit 3", 5*time.Second))
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.OK() {
		t.Error("expected not OK")
	}
}

func TestExecRunnerTimeoutKillsGroup(t *testing.T) {
	r := NewRunner()
	start := time.Now()
	// The child sleep would keep the pipe open if only the shell were killed.
	res, err := r.Run(context.Background(), Shell("", "sleep 30 & sleep 30", 200*time.Millisecond))
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process group not killed promptly: %s", elapsed)
	}
}

func TestExecRunnerParentCancel(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, Shell("", "sleep 30", 0))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecRunnerEnvAndMissingBinary(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo $STOPGATE_TEST_VAR"}, Env: []string{"STOPGATE_TEST_VAR=yes"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Output)) != "yes" {
		t.Errorf("env not passed, got %q", res.Output)
	}

	if _, err := r.Run(context.Background(), Command{Name: "stopgate-definitely-missing-binary"}); err == nil {
		t.Error("expected start error for missing binary")
	}
	if r.LookPath("stopgate-definitely-missing-binary") {
		t.Error("LookPath should be false for missing binary")
	}
	if !r.LookPath("sh") {
		t.Error("LookPath should find sh")
	}
}

func TestCommandString(t *testing.T) {
	c := Command{Name: "npm", Args: []string{"run", "lint"}}
	if got := c.String(); got != "npm run lint" {
		t.Errorf("String() = %q", got)
	}
	if got := (Command{Name: "pytest"}).String(); got != "pytest" {
		t.Errorf("String() = %q", got)
	}
}
