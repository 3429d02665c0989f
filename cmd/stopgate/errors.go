package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/ShayCichocki/stopgate/internal/cache"
	"github.com/ShayCichocki/stopgate/internal/criteria"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/override"
	"github.com/ShayCichocki/stopgate/internal/planner"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/internal/sign"
	"github.com/ShayCichocki/stopgate/internal/snapshot"
	"github.com/ShayCichocki/stopgate/internal/store"
)

var (
	// errUsage marks malformed arguments or flags.
	errUsage = errors.New("invalid usage")
	// errInvalidJSON marks a JSON argument that could not be decoded.
	errInvalidJSON = errors.New("invalid JSON argument")
)

// Category groups error codes by how a caller should react.
type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryAuthorization     Category = "authorization_integrity"
	CategoryNotFound          Category = "not_found"
	CategoryPolicyBlocked     Category = "policy_blocked"
	CategoryVerification      Category = "verification_failed"
	CategoryStateContention   Category = "state_contention"
	CategoryExecution         Category = "execution_infrastructure"
	CategoryDependencyMissing Category = "dependency_missing"
	CategoryIOFailure         Category = "io_failure"
	CategoryInternalFailure   Category = "internal_failure"
)

// errorInfo is the machine-readable part of an error envelope.
type errorInfo struct {
	Code      string
	Category  Category
	Retryable bool
	NextStep  string
}

// errorTable is checked in order; the first errors.Is match wins.
var errorTable = []struct {
	target error
	info   errorInfo
}{
	{errUsage, errorInfo{"invalid_usage", CategoryInvalidInput, false, "run stopgate <command> --help"}},
	{errInvalidJSON, errorInfo{"invalid_json", CategoryInvalidInput, false, "pass a single JSON object argument"}},
	{lock.ErrTimeout, errorInfo{"lock_timeout", CategoryStateContention, true, "another stopgate process holds the lock; retry the same command"}},
	{session.ErrExpired, errorInfo{"session_expired", CategoryAuthorization, false, "run stopgate start-authorization <agentId> to open a new session"}},
	{session.ErrKeyMismatch, errorInfo{"session_key_mismatch", CategoryAuthorization, false, "use the authKey returned by start-authorization for this agent"}},
	{session.ErrNotFound, errorInfo{"session_not_found", CategoryNotFound, false, "run stopgate start-authorization <agentId>"}},
	{session.ErrOutOfOrder, errorInfo{"criterion_out_of_order", CategoryInvalidInput, false, "validate the session's next step; run stopgate status <agentId> to see it"}},
	{session.ErrNotReady, errorInfo{"session_not_ready", CategoryInvalidInput, false, "validate the remaining steps before stopgate complete-authorization"}},
	{session.ErrInvalidAgent, errorInfo{"invalid_agent_id", CategoryInvalidInput, false, "use an agent id made of letters, digits, '.', '_' or '-'"}},
	{criteria.ErrUnknownCriterion, errorInfo{"unknown_criterion", CategoryInvalidInput, false, "use one of the requiredSteps returned by start-authorization"}},
	{criteria.ErrCommandTimeout, errorInfo{"command_timeout", CategoryExecution, true, "raise timeouts.* in .stopgate.yaml or fix the hanging command, then retry"}},
	{planner.ErrCycleDetected, errorInfo{"dependency_cycle", CategoryInvalidInput, false, "remove the cycle from .stopgate/dependencies.yaml"}},
	{cache.ErrCorrupt, errorInfo{"cache_corrupt", CategoryIOFailure, true, "retry; the corrupt cache entry has been discarded"}},
	{snapshot.ErrNotFound, errorInfo{"snapshot_not_found", CategoryNotFound, false, "run stopgate list-snapshots to see available ids"}},
	{snapshot.ErrRestoreFailed, errorInfo{"snapshot_restore_failed", CategoryIOFailure, false, "inspect the rollback steps; the working tree may be partially restored"}},
	{override.ErrInvalidRequest, errorInfo{"invalid_override_request", CategoryInvalidInput, false, "provide agentId, incidentId, justification, impactLevel (critical|high|medium) and authorizedBy"}},
	{override.ErrExhausted, errorInfo{"override_exhausted", CategoryPolicyBlocked, false, "complete validation normally or create a new emergency override"}},
	{override.ErrExpired, errorInfo{"override_expired", CategoryPolicyBlocked, false, "create a new emergency override"}},
	{override.ErrInvalid, errorInfo{"override_invalid", CategoryPolicyBlocked, false, "use the overrideKey returned by create-emergency-override"}},
	{store.ErrSchema, errorInfo{"state_schema_invalid", CategoryVerification, false, "inspect .stopgate/state.json or restore it with perform-rollback"}},
	{sign.ErrInvalidSignature, errorInfo{"invalid_signature", CategoryVerification, false, "do not trust the termination flag; re-run complete-authorization"}},
	{orchestrator.ErrStatsUnavailable, errorInfo{"stats_unavailable", CategoryDependencyMissing, false, "check that .stopgate/stats.db is writable"}},
	{context.DeadlineExceeded, errorInfo{"timeout", CategoryExecution, true, "retry with a longer --timeout"}},
	{context.Canceled, errorInfo{"canceled", CategoryExecution, true, "re-run the command"}},
	{fs.ErrNotExist, errorInfo{"not_found", CategoryNotFound, false, "check the path; run stopgate doctor to inspect the project"}},
}

var fallbackInfo = errorInfo{"internal_failure", CategoryInternalFailure, false, "re-run with --debug and inspect .stopgate/logs/stopgate-debug.log"}

// classify maps err onto its envelope fields.
func classify(err error) errorInfo {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.info
		}
	}
	return fallbackInfo
}

// writeError prints the failure envelope for err.
func (a *app) writeError(err error) {
	info := classify(err)
	_ = a.writeJSON(map[string]any{
		"success":        false,
		"error":          err.Error(),
		"error_code":     info.Code,
		"error_category": info.Category,
		"retryable":      info.Retryable,
		"nextStep":       info.NextStep,
	})
}
