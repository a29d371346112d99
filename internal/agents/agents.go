// Package agents содержит встроенные агенты магазина.
package agents

import (
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

// Register регистрирует встроенных агентов в реестре.
func Register(reg *registry.Registry, catalog connectors.Catalog, logger *zap.Logger) error {
	for _, a := range []registry.Agent{
		NewMarkdownScheduler(catalog, logger),
		NewLowStockNotifier(logger),
	} {
		if err := reg.RegisterAgent(a); err != nil {
			return err
		}
	}
	return nil
}
