package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/engine"
)

// newActionsCmd: очередь HITL, просмотр и решения оператора.
func newActionsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and decide proposed actions",
	}

	var (
		limit  int
		status string
	)
	list := &cobra.Command{
		Use:     "list <tenant>",
		Aliases: []string{"pending"},
		Short:   "List actions by status, newest first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				list, err := a.orch.ListActions(cmd.Context(), args[0], domain.ActionStatus(status), limit)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", engine.DefaultListLimit, "maximum number of actions")
	list.Flags().StringVar(&status, "status", string(domain.ActionPending), "action status: pending, approved, rejected, executed, failed")

	cmd.AddCommand(
		list,
		newDecisionCmd(configPath, "approve <action-id>", "Approve an action and execute it", func(a *app, cmd *cobra.Command, id, actor string, execute bool) domain.ActionResult {
			return a.orch.ApproveAction(cmd.Context(), id, actor, execute)
		}),
		newDecisionCmd(configPath, "execute <action-id>", "Execute an approved action", func(a *app, cmd *cobra.Command, id, _ string, _ bool) domain.ActionResult {
			return a.orch.ExecuteAction(cmd.Context(), id)
		}),
		newDecisionCmd(configPath, "reject <action-id>", "Reject an action", func(a *app, cmd *cobra.Command, id, actor string, _ bool) domain.ActionResult {
			return a.orch.RejectAction(cmd.Context(), id, actor)
		}),
		newDecisionCmd(configPath, "rollback <action-id>", "Undo the effect of an executed action", func(a *app, cmd *cobra.Command, id, _ string, _ bool) domain.ActionResult {
			return a.orch.RollbackAction(cmd.Context(), id)
		}),
		newBulkCmd(configPath, "bulk-approve <action-id>...", "Approve several actions", func(a *app, cmd *cobra.Command, ids []string, actor string, execute bool) map[string]domain.ActionResult {
			return a.orch.BulkApprove(cmd.Context(), ids, actor, execute)
		}),
		newBulkCmd(configPath, "bulk-reject <action-id>...", "Reject several actions", func(a *app, cmd *cobra.Command, ids []string, actor string, _ bool) map[string]domain.ActionResult {
			return a.orch.BulkReject(cmd.Context(), ids, actor)
		}),
	)
	return cmd
}

type decisionFunc func(a *app, cmd *cobra.Command, id, actor string, execute bool) domain.ActionResult

func newDecisionCmd(configPath func() string, use, short string, decide decisionFunc) *cobra.Command {
	var (
		actor   string
		execute bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				res := decide(a, cmd, args[0], actor, execute)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %s", res.Kind, res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "operator recorded as the decision maker")
	cmd.Flags().BoolVar(&execute, "execute", true, "execute right after approval")
	return cmd
}

type bulkFunc func(a *app, cmd *cobra.Command, ids []string, actor string, execute bool) map[string]domain.ActionResult

func newBulkCmd(configPath func() string, use, short string, decide bulkFunc) *cobra.Command {
	var (
		actor   string
		execute bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				results := decide(a, cmd, args, actor, execute)
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				failed := 0
				for _, res := range results {
					if !res.Success {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d actions failed", failed, len(results))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "operator recorded as the decision maker")
	cmd.Flags().BoolVar(&execute, "execute", true, "execute right after approval")
	return cmd
}
