package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/engine"
)

// newSyncCmd: синхронизация реестра с каталогом. newApp делает ее на каждом старте,
// команда нужна для миграций и CI.
func newSyncCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Apply the schema and upsert agent definitions from the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				defs, err := a.store.ListDefinitions(cmd.Context())
				if err != nil {
					return fmt.Errorf("sync: %w", err)
				}
				for _, d := range defs {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s default_enabled=%t\n", d.Slug, d.Kind, d.DefaultEnabled)
				}
				return nil
			})
		},
	}
}

func newRunCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <tenant> <agent-slug>",
		Short: "Trigger one agent for one tenant manually",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				res := a.orch.RunAgent(cmd.Context(), args[1], args[0], domain.TriggerManual, domain.TriggerData{"source": "cli"})
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("run %s: %s", res.Kind, res.ErrorMessage)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(configPath func() string) *cobra.Command {
	var (
		agentSlug string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history <tenant>",
		Short: "Show recent runs of a tenant, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				runs, err := a.orch.RunHistory(cmd.Context(), args[0], agentSlug, limit)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().StringVar(&agentSlug, "agent", "", "only runs of this agent")
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultListLimit, "maximum number of runs")
	return cmd
}
