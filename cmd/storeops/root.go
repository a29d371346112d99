package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd собирает корневую команду со всеми подкомандами.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "storeops",
		Short:         "Agent orchestration and action approval engine",
		Long:          "storeops runs store automation agents per tenant and keeps their side effects\nbehind an approval queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")

	cfg := func() string { return configPath }
	cmd.AddCommand(
		newServeCmd(cfg),
		newSyncCmd(cfg),
		newRunCmd(cfg),
		newActionsCmd(cfg),
		newHistoryCmd(cfg),
		newAgentsCmd(cfg),
		newControlCmd(cfg),
		newEmitCmd(cfg),
	)
	return cmd
}
