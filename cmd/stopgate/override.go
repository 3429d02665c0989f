package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/override"
)

func overrideFields(r *override.Record) map[string]any {
	return map[string]any{
		"overrideKey": r.Key,
		"agentId":     r.AgentID,
		"incidentId":  r.IncidentID,
		"impactLevel": r.ImpactLevel,
		"status":      r.Status,
		"usageCount":  r.UsageCount,
		"maxUsage":    r.MaxUsage,
		"remaining":   r.Remaining(),
		"expiresAt":   r.ExpiresAt,
	}
}

func executeHint(key string) string {
	return fmt.Sprintf(`stopgate execute-emergency-override %s '{"reason":"..."}'`, key)
}

func (a *app) createOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-emergency-override <json>",
		Short: "Create an emergency override that bypasses validation",
		Long: `Create an emergency override from a JSON object ("-" reads it from stdin):

  {"agentId": "...", "incidentId": "...", "justification": "...",
   "impactLevel": "critical|high|medium", "authorizedBy": "..."}

The impact level sets the quota (critical 5, high 3, medium 1). Overrides
expire after override.ttl (2h by default).`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req override.Request
			if err := a.decodeObject(args[0], &req); err != nil {
				return err
			}
			return a.withEngine(func(eng *orchestrator.Engine) error {
				rec, err := eng.CreateOverride(cmd.Context(), req)
				if err != nil {
					return err
				}
				return a.respond(overrideFields(rec), executeHint(rec.Key))
			})
		},
	}
}

// reasonArg accepts {"reason": "..."} or a plain string.
func (a *app) reasonArg(arg string) (string, error) {
	trimmed := strings.TrimSpace(arg)
	if trimmed != "-" && !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := a.decodeObject(trimmed, &body); err != nil {
		return "", err
	}
	return body.Reason, nil
}

func (a *app) executeOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute-emergency-override <key> <reasonJson>",
		Short: "Spend one override use and write the termination flag",
		Long: `Spend one use of an emergency override and write the signed termination
flag directly, bypassing the validation pipeline. The reason is a JSON object
{"reason": "..."} or plain text. Every attempt is audited.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := a.reasonArg(args[1])
			if err != nil {
				return err
			}
			return a.withEngine(func(eng *orchestrator.Engine) error {
				out, err := eng.ExecuteOverride(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fields := overrideFields(out.Record)
				fields["flag"] = out.Flag
				fields["flagPath"] = out.FlagPath
				return a.respond(fields, "termination authorized by emergency override; the agent may stop")
			})
		},
	}
}

func (a *app) checkOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-emergency-override <key>",
		Short: "Report an emergency override's status without using it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				rec, err := eng.CheckOverride(args[0])
				if err != nil {
					return err
				}
				fields := overrideFields(rec)
				fields["auditTrail"] = rec.AuditTrail
				next := executeHint(rec.Key)
				if rec.Status != override.StatusActive {
					next = "override is no longer usable; complete validation normally or create a new override"
				}
				return a.respond(fields, next)
			})
		},
	}
}
