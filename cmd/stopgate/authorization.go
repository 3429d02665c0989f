package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// sessionFields is the progress block shared by the authorization commands.
func sessionFields(s *session.Session) map[string]any {
	return map[string]any{
		"agentId":        s.AgentID,
		"status":         s.Status,
		"requiredSteps":  s.RequiredSteps,
		"completedSteps": nonNil(s.CompletedSteps),
		"remaining":      nonNil(s.Remaining()),
		"progress":       fmt.Sprintf("%d/%d", len(s.CompletedSteps), len(s.RequiredSteps)),
		"expiresAt":      s.ExpiresAt,
	}
}

// nextFor is the command that moves s forward.
func nextFor(s *session.Session) string {
	switch s.Status {
	case models.SessionReady:
		return fmt.Sprintf("stopgate complete-authorization %s", s.AuthKey)
	case models.SessionInProgress:
		return fmt.Sprintf("stopgate validate-criterion %s %s", s.AuthKey, s.NextStep())
	case models.SessionExpired:
		return fmt.Sprintf("stopgate start-authorization %s", s.AgentID)
	}
	return "termination authorized; the agent may stop"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (a *app) startAuthorizationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-authorization <agentId>",
		Short: "Open an authorization session for an agent",
		Long: `Open a new authorization session for agentId, replacing any previous one.

The returned authKey must be passed to every later command of the session.
Sessions expire after session.ttl (30m by default).`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				s, err := eng.Start(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fields := sessionFields(s)
				fields["authKey"] = s.AuthKey
				fields["nextCriterion"] = s.NextStep()
				return a.respond(fields, nextFor(s))
			})
		},
	}
}

func (a *app) validateCriterionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-criterion <authKey> <criterion>",
		Short: "Validate the session's next required step",
		Long: `Run one criterion, which must be the session's next required step.

A failing criterion is reported with "success": false and leaves the session
unchanged; fix the problem and validate the same step again, or use
selective-revalidation.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, criterion := args[0], args[1]
			return a.withEngine(func(eng *orchestrator.Engine) error {
				out, err := eng.ValidateNext(cmd.Context(), key, criterion)
				if err != nil {
					return err
				}
				fields := sessionFields(out.Session)
				fields["criterion"] = criterion
				fields["result"] = out.Result
				if !out.Result.Success {
					fields["success"] = false
					return a.respond(fields, fmt.Sprintf("fix the %s failure, then run stopgate validate-criterion %s %s", criterion, key, criterion))
				}
				return a.respond(fields, nextFor(out.Session))
			})
		},
	}
}

func (a *app) validateParallelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-criteria-parallel <authKey> [criteria...]",
		Short: "Validate remaining steps in dependency-planned parallel waves",
		Long: `Plan the remaining required steps (or the given subset) into waves and run
each wave concurrently. A wave with any failure halts the waves after it.
Every passing criterion is merged into the session.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return a.withEngine(func(eng *orchestrator.Engine) error {
				out, err := eng.ValidateParallel(cmd.Context(), key, args[1:])
				if err != nil {
					return err
				}
				fields := sessionFields(out.Session)
				fields["plan"] = out.Plan
				fields["results"] = out.Results
				fields["passed"] = nonNil(out.Passed)
				fields["failed"] = nonNil(out.Failed)
				fields["skipped"] = nonNil(out.Skipped)
				fields["merged"] = nonNil(out.Merged)
				fields["haltedAt"] = out.HaltedAt
				if len(out.Failed) > 0 {
					fields["success"] = false
					return a.respond(fields, fmt.Sprintf("fix %v, then run stopgate selective-revalidation %s", out.Failed, key))
				}
				next := nextFor(out.Session)
				if out.Session.Status == models.SessionInProgress {
					next = fmt.Sprintf("stopgate validate-criteria-parallel %s", key)
				}
				return a.respond(fields, next)
			})
		},
	}
}

func (a *app) completeAuthorizationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-authorization <authKey>",
		Short: "Issue the signed termination flag for a ready session",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				out, err := eng.Complete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.respond(map[string]any{
					"agentId":  out.Flag.AgentID,
					"flag":     out.Flag,
					"flagPath": out.FlagPath,
				}, "termination authorized; the agent may stop")
			})
		},
	}
}

func (a *app) selectiveRevalidationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selective-revalidation <authKey> [criteria...]",
		Short: "Re-run only the recorded failing criteria",
		Long: `Re-run the criteria recorded as failing for this session, or the given ones.
Passes clear their failure record and are merged into the session once their
dependencies have passed; failures bump their retry count.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return a.withEngine(func(eng *orchestrator.Engine) error {
				out, err := eng.SelectiveRevalidate(cmd.Context(), key, args[1:])
				if err != nil {
					return err
				}
				fields := sessionFields(out.Session)
				fields["nothingToDo"] = out.NothingToDo
				fields["targets"] = nonNil(out.Targets)
				fields["results"] = out.Results
				fields["resolved"] = nonNil(out.Resolved)
				fields["stillFailing"] = out.StillFailing
				fields["merged"] = nonNil(out.Merged)
				if len(out.StillFailing) > 0 {
					fields["success"] = false
					return a.respond(fields, fmt.Sprintf("fix the remaining failures, then run stopgate selective-revalidation %s", key))
				}
				return a.respond(fields, nextFor(out.Session))
			})
		},
	}
}
