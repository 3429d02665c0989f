package models

import "time"

// maxOutputBytes bounds the command output kept on a Result.
const maxOutputBytes = 8 * 1024

// Result is the outcome of validating one criterion.
// Criterion failures are data: Success=false with Error populated.
type Result struct {
	// Criterion is the criterion identifier.
	Criterion string `json:"criterion"`
	// Success indicates the criterion passed (possibly via a degradation policy).
	Success bool `json:"success"`
	// Details is a short human-readable explanation of the outcome.
	Details string `json:"details,omitempty"`
	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`
	// Command is the command line that decided the outcome, if any.
	Command string `json:"command,omitempty"`
	// Output is the tail of the deciding command's combined output.
	Output string `json:"output,omitempty"`
	// Duration is the wall-clock time spent validating.
	Duration time.Duration `json:"duration_ns"`
	// Attempts counts every command invocation made for this result.
	Attempts int `json:"attempts,omitempty"`
	// Degraded is true when a named policy, not a command, produced the pass.
	Degraded bool `json:"degraded,omitempty"`
	// Policy names the degradation policy or retry rule that applied.
	Policy string `json:"policy,omitempty"`
	// Cached is true when the result was served from the result cache.
	Cached bool `json:"cached,omitempty"`
	// FinishedAt is when validation completed.
	FinishedAt time.Time `json:"finished_at"`
}

// Pass builds a successful result.
func Pass(criterion, details string) *Result {
	return &Result{
		Criterion:  criterion,
		Success:    true,
		Details:    details,
		FinishedAt: time.Now().UTC(),
	}
}

// Fail builds a failed result.
func Fail(criterion, errMsg string) *Result {
	return &Result{
		Criterion:  criterion,
		Success:    false,
		Error:      errMsg,
		FinishedAt: time.Now().UTC(),
	}
}

// TruncateOutput keeps the last maxOutputBytes of s. Tool failures are
// usually reported at the end of the output.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return "...(truncated)\n" + s[len(s)-maxOutputBytes:]
}
