package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/notify"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/planner"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/internal/tui"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// reportNext suggests the next command for a status report. The auth key is
// never printed, so it is left as a placeholder.
func reportNext(r *orchestrator.StatusReport) string {
	switch {
	case r.Flag != nil && r.Session == nil:
		return "termination authorized; the agent may stop"
	case r.Session == nil:
		return fmt.Sprintf("stopgate start-authorization %s", r.AgentID)
	case r.Session.Status == models.SessionExpired:
		return fmt.Sprintf("stopgate start-authorization %s", r.AgentID)
	case r.Session.Status == models.SessionReady:
		return "stopgate complete-authorization <authKey>"
	case len(r.Failures) > 0:
		return "stopgate selective-revalidation <authKey>"
	}
	return fmt.Sprintf("stopgate validate-criterion <authKey> %s", r.Session.NextStep)
}

func (a *app) statusCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "status <agentId>",
		Short: "Show an agent's session, failures and termination flag",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				report, err := eng.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if pretty {
					printReport(a.stdout, report)
					return nil
				}
				return a.respond(map[string]any{
					"agentId":  report.AgentID,
					"session":  report.Session,
					"failures": report.Failures,
					"flag":     report.Flag,
				}, reportNext(report))
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print coloured text instead of JSON")
	return cmd
}

func (a *app) monitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor <agentId>",
		Short: "Watch an agent's validation progress in a terminal UI",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			return a.withEngine(func(eng *orchestrator.Engine) error {
				fetch := func(ctx context.Context) (*orchestrator.StatusReport, error) {
					return eng.Status(ctx, agentID)
				}
				return tui.Run(cmd.Context(), agentID, fetch, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval")
	return cmd
}

func (a *app) planCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "plan [criteria...]",
		Short: "Preview the parallel wave plan without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				p := eng.Plan(args)
				if pretty {
					fmt.Fprint(a.stdout, planner.Render(p))
					return nil
				}
				fields := map[string]any{"plan": p}
				if g, err := eng.Graph(); err == nil {
					fields["graph"] = g.ValidateGraph()
				} else {
					fields["graphError"] = err.Error()
				}
				return a.respond(fields, "stopgate validate-criteria-parallel <authKey> runs this plan")
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print the plan as text")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-criterion execution statistics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				stats, err := eng.Stats()
				if err != nil {
					return err
				}
				if stats == nil {
					stats = []models.CriterionStats{}
				}
				if pretty {
					printStats(a.stdout, stats)
					return nil
				}
				return a.respond(map[string]any{"criteria": stats}, "stopgate plan uses these durations as estimates")
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print a table instead of JSON")
	return cmd
}

func (a *app) verifyTerminationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-termination",
		Short: "Check the termination flag's signature",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				f, err := eng.VerifyTermination()
				if err != nil {
					return err
				}
				return a.respond(map[string]any{
					"verified": true,
					"agentId":  f.AgentID,
					"via":      f.Via,
					"flag":     f,
				}, "termination flag is authentic; the agent may stop")
			})
		},
	}
}

func (a *app) waitForTerminationCmd() *cobra.Command {
	var (
		agentID  string
		timeout  time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-for-termination",
		Short: "Block until the termination flag is issued",
		Long: `Block until the termination flag appears, optionally for a given agent,
then verify its signature. Exits non-zero when --timeout elapses first.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := a.project()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			f, err := notify.WaitForFlag(ctx, project.FlagFile(), agentID, interval)
			if err != nil {
				return fmt.Errorf("wait for termination flag: %w", err)
			}
			verified := session.VerifyFlag(f, project.KeysDir()) == nil
			fields := map[string]any{
				"verified": verified,
				"agentId":  f.AgentID,
				"via":      f.Via,
				"flag":     f,
			}
			if !verified {
				fields["success"] = false
				return a.respond(fields, "the termination flag signature does not verify; do not stop the agent")
			}
			return a.respond(fields, "termination authorized; the agent may stop")
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Only accept a flag issued to this agent")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	cmd.Flags().DurationVar(&interval, "interval", notify.DefaultPollInterval, "Polling interval")
	return cmd
}
