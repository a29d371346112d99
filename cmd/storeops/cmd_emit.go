package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/engine"
)

// newEmitCmd публикует доменное событие в шину. Без Redis событие
// диспетчеризуется прямо в этом процессе и печатаются результаты запусков.
func newEmitCmd(configPath func() string) *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "emit <tenant> <event-name>",
		Short: "Publish a domain event for a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := engine.DomainEvent{TenantID: args[0], Name: args[1], Payload: domain.Payload{}}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
					return fmt.Errorf("emit: invalid --payload: %w", err)
				}
			}
			if err := ev.Validate(); err != nil {
				return err
			}

			return withApp(cmd.Context(), configPath, func(a *app) error {
				if a.rdb != nil {
					if err := engine.PublishEvent(cmd.Context(), a.rdb, ev); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Published %s for %s\n", ev.Name, ev.TenantID)
					return nil
				}
				results := a.orch.DispatchEvent(cmd.Context(), ev.Name, ev.Payload, ev.TenantID)
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", `event payload, e.g. {"sku": "SKU-1"}`)
	return cmd
}
