package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/engine"
)

// agentView: строка вывода "agents list".
type agentView struct {
	Slug            string                 `json:"slug"`
	Name            string                 `json:"name"`
	Kind            domain.AgentKind       `json:"kind"`
	Enabled         bool                   `json:"enabled"`
	PermissionLevel domain.PermissionLevel `json:"permission_level"`
	Config          domain.Config          `json:"config"`
	NextRunAt       any                    `json:"next_run_at,omitempty"`
	LastRunAt       any                    `json:"last_run_at,omitempty"`
}

func newAgentsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and configure agents of a tenant",
	}

	list := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List registered agents with the tenant's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				agents, err := a.orch.AgentsForTenant(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("agents: %w", err)
				}
				out := make([]agentView, 0, len(agents))
				for _, ta := range agents {
					v := agentView{
						Slug:            ta.Definition.Slug,
						Name:            ta.Definition.Name,
						Kind:            ta.Definition.Kind,
						Enabled:         ta.State.Enabled,
						PermissionLevel: ta.State.PermissionLevel,
						Config:          ta.State.Config,
					}
					if ta.State.NextRunAt != nil {
						v.NextRunAt = ta.State.NextRunAt
					}
					if ta.State.LastRunAt != nil {
						v.LastRunAt = ta.State.LastRunAt
					}
					out = append(out, v)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	initCmd := &cobra.Command{
		Use:   "init <tenant>",
		Short: "Create state rows for every registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				n, err := a.orch.InitializeTenant(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("init: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Initialized %d agents for %s\n", n, args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, initCmd, newAgentsSetCmd(configPath))
	return cmd
}

func newAgentsSetCmd(configPath func() string) *cobra.Command {
	var (
		enabled    bool
		permission string
		configJSON string
	)
	cmd := &cobra.Command{
		Use:   "set <tenant> <agent-slug>",
		Short: "Change enabled flag, permission level or config overrides",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.SettingsPatch
			if cmd.Flags().Changed("enabled") {
				patch.Enabled = &enabled
			}
			if permission != "" {
				level := domain.PermissionLevel(permission)
				if !level.Valid() {
					return fmt.Errorf("set: unknown permission level %q", permission)
				}
				patch.PermissionLevel = &level
			}
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &patch.Config); err != nil {
					return fmt.Errorf("set: invalid --config-json: %w", err)
				}
			}

			return withApp(cmd.Context(), configPath, func(a *app) error {
				state, err := a.orch.UpdateSettings(cmd.Context(), args[0], args[1], patch)
				if err != nil {
					return fmt.Errorf("set: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), state)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable the agent for the tenant")
	cmd.Flags().StringVar(&permission, "permission", "", "block, approve or auto")
	cmd.Flags().StringVar(&configJSON, "config-json", "", `config overrides, e.g. {"discount_pct": 15}`)
	return cmd
}
