package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/snapshot"
)

func (a *app) createSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-validation-state-snapshot [json]",
		Short: "Snapshot the working tree and critical files",
		Long: `Record the current revision and branch, stash uncommitted changes under a
snapshot tag and copy critical files (manifests, lock files, state, env files).
The optional JSON argument is {"description": "..."}.`,
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Description string `json:"description"`
			}
			if len(args) == 1 {
				if err := a.decodeObject(args[0], &body); err != nil {
					return err
				}
			}
			return a.withEngine(func(eng *orchestrator.Engine) error {
				meta, err := eng.Snapshot(cmd.Context(), body.Description)
				if err != nil {
					return err
				}
				return a.respond(map[string]any{
					"snapshotId": meta.ID,
					"snapshot":   meta,
				}, fmt.Sprintf(`stopgate perform-rollback %s '{"reason":"..."}' restores this state`, meta.ID))
			})
		},
	}
}

func (a *app) rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perform-rollback <snapshotId> [json]",
		Short: "Restore a snapshot",
		Long: `Hard-reset to the snapshot's revision, re-apply its stash and restore its
critical files. The optional JSON argument is {"reason": "...", "deleteAfter": true}.
A failed restore is reported with "success": false and is still recorded in the
rollback history.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Reason      string `json:"reason"`
				DeleteAfter bool   `json:"delete_after"`
			}
			if len(args) == 2 {
				if err := a.decodeObject(args[1], &body); err != nil {
					return err
				}
			}
			return a.withEngine(func(eng *orchestrator.Engine) error {
				res, err := eng.Rollback(cmd.Context(), args[0], snapshot.RollbackOptions{
					Reason:      body.Reason,
					DeleteAfter: body.DeleteAfter,
				})
				if err != nil {
					return err
				}
				fields := map[string]any{
					"snapshotId": res.SnapshotID,
					"rollback":   res,
				}
				if !res.Success {
					info := classify(res.Err())
					fields["success"] = false
					fields["error"] = res.Error
					fields["error_code"] = info.Code
					fields["error_category"] = info.Category
					return a.respond(fields, info.NextStep)
				}
				return a.respond(fields, "state restored; re-run validation from start-authorization")
			})
		},
	}
}

func (a *app) listSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-snapshots",
		Short: "List snapshots, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				list, err := eng.Snapshots().List()
				if err != nil {
					return err
				}
				if list == nil {
					list = []*snapshot.Metadata{}
				}
				history, err := eng.Snapshots().RollbackHistory()
				if err != nil {
					return err
				}
				if history == nil {
					history = []snapshot.RollbackResult{}
				}
				return a.respond(map[string]any{
					"snapshots": list,
					"rollbacks": history,
				}, "stopgate perform-rollback <snapshotId> to restore one")
			})
		},
	}
}

func (a *app) cleanupSnapshotsCmd() *cobra.Command {
	var maxAge time.Duration
	var maxCount int
	cmd := &cobra.Command{
		Use:   "cleanup-snapshots",
		Short: "Delete old snapshots",
		Long: `Delete snapshots older than --max-age or beyond the newest --max-count,
oldest first. Unreadable snapshot directories are always removed. Zero values
use snapshots.cleanup_max_age and snapshots.cleanup_max_count.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				report, err := eng.Snapshots().Cleanup(cmd.Context(), maxAge, maxCount)
				if err != nil {
					return err
				}
				return a.respond(map[string]any{
					"removed": nonNil(report.Removed),
					"corrupt": nonNil(report.Corrupt),
					"kept":    report.Kept,
				}, "stopgate list-snapshots shows what remains")
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Delete snapshots older than this")
	cmd.Flags().IntVar(&maxCount, "max-count", 0, "Keep at most this many snapshots")
	return cmd
}
