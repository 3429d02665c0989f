package models

import (
	"strings"
	"testing"
)

func TestSessionStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status SessionStatus
		want   bool
	}{
		{"in_progress is valid", SessionInProgress, true},
		{"ready is valid", SessionReady, true},
		{"completed is valid", SessionCompleted, true},
		{"expired is valid", SessionExpired, true},
		{"empty string is invalid", SessionStatus(""), false},
		{"unknown is invalid", SessionStatus("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("SessionStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestSessionStatus_IsTerminal(t *testing.T) {
	if SessionInProgress.IsTerminal() || SessionReady.IsTerminal() {
		t.Error("in_progress and ready_for_completion must not be terminal")
	}
	if !SessionCompleted.IsTerminal() || !SessionExpired.IsTerminal() {
		t.Error("completed and expired must be terminal")
	}
}

func TestBuiltinCriteria_CanonicalOrder(t *testing.T) {
	got := BuiltinCriteria()
	want := []string{
		"focused-codebase",
		"security-validation",
		"linter-validation",
		"type-validation",
		"build-validation",
		"start-validation",
		"test-validation",
	}
	if len(got) != len(want) {
		t.Fatalf("BuiltinCriteria() length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BuiltinCriteria()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Mutating the returned slice must not affect later calls.
	got[0] = "tampered"
	if BuiltinCriteria()[0] != CriterionFocusedCodebase {
		t.Error("BuiltinCriteria() returned shared backing array")
	}
}

func TestIsBuiltin(t *testing.T) {
	if !IsBuiltin(CriterionBuild) {
		t.Error("build-validation should be builtin")
	}
	if IsBuiltin("docs-check") {
		t.Error("docs-check should not be builtin")
	}
}

func TestTruncateOutput(t *testing.T) {
	short := "all good"
	if TruncateOutput(short) != short {
		t.Errorf("short output should be unchanged")
	}

	long := strings.Repeat("a", maxOutputBytes) + "TAIL"
	got := TruncateOutput(long)
	if !strings.HasSuffix(got, "TAIL") {
		t.Errorf("truncated output should keep the tail")
	}
	if !strings.HasPrefix(got, "...(truncated)") {
		t.Errorf("truncated output should be marked")
	}
}

func TestPassFail(t *testing.T) {
	p := Pass(CriterionLint, "ok")
	if !p.Success || p.Details != "ok" || p.FinishedAt.IsZero() {
		t.Errorf("Pass() = %+v", p)
	}
	f := Fail(CriterionLint, "boom")
	if f.Success || f.Error != "boom" {
		t.Errorf("Fail() = %+v", f)
	}
}
