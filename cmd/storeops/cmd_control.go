package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/storeops-agents/internal/engine"
)

// errNoRedis: без Redis флаги живут только в памяти процесса, и CLI не до кого их донести.
var errNoRedis = errors.New("redis is disabled: flags would not reach running engines")

// newControlCmd: глобальные рубильники оператора (Control Plane).
func newControlCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Kill switch and quarantine for agents across all tenants",
	}

	flag := func(use, short string, pick func(a *app) *engine.FlagSet, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, func(a *app) error {
					if a.rdb == nil {
						return errNoRedis
					}
					if _, ok := a.registry.Agent(args[0]); !ok {
						return fmt.Errorf("control: unknown agent %q", args[0])
					}
					if err := pick(a).Set(cmd.Context(), args[0], on); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], short)
					return nil
				})
			},
		}
	}
	killSwitch := func(a *app) *engine.FlagSet { return a.killSwitch }
	quarantine := func(a *app) *engine.FlagSet { return a.quarantine }

	status := &cobra.Command{
		Use:   "status",
		Short: "Show blocked and quarantined agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(a *app) error {
				return printJSON(cmd.OutOrStdout(), map[string][]string{
					"blocked":     a.killSwitch.Members(),
					"quarantined": a.quarantine.Members(),
				})
			})
		},
	}

	cmd.AddCommand(
		flag("block <agent-slug>", "blocked", killSwitch, true),
		flag("unblock <agent-slug>", "unblocked", killSwitch, false),
		flag("quarantine <agent-slug>", "quarantined", quarantine, true),
		flag("release <agent-slug>", "released from quarantine", quarantine, false),
		status,
	)
	return cmd
}
