package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/actions"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

const (
	LowStockNotifierSlug = "low-stock-notifier"
	InventoryDepleted    = "inventory.depleted"
)

// LowStockNotifier на событие inventory.depleted предлагает оповестить
// ответственного за магазин.
type LowStockNotifier struct {
	logger *zap.Logger
}

func NewLowStockNotifier(logger *zap.Logger) *LowStockNotifier {
	return &LowStockNotifier{logger: logger.Named(LowStockNotifierSlug)}
}

func (a *LowStockNotifier) Slug() string           { return LowStockNotifierSlug }
func (a *LowStockNotifier) Name() string           { return "Low stock notifier" }
func (a *LowStockNotifier) Description() string    { return "Notifies store staff when a product runs out of stock" }
func (a *LowStockNotifier) Kind() domain.AgentKind { return domain.KindEvent }
func (a *LowStockNotifier) SubscribedEvents() []string {
	return []string{InventoryDepleted}
}

func (a *LowStockNotifier) DefaultConfig() domain.Config {
	return domain.Config{"recipient": "store-manager"}
}

// CanRun: без получателя оповещать некого.
func (a *LowStockNotifier) CanRun(state *domain.TenantAgentState) bool {
	return a.recipient(state) != ""
}

func (a *LowStockNotifier) Run(ctx context.Context, run *domain.Run, state *domain.TenantAgentState, proposer registry.ActionProposer) (string, error) {
	event := eventPayload(run.TriggerData)
	sku := event.String("sku")
	if sku == "" {
		return "", errors.New("low-stock: event payload has no sku")
	}

	message := fmt.Sprintf("SKU %s is out of stock", sku)
	if name := event.String("name"); name != "" {
		message = fmt.Sprintf("%s (%s) is out of stock", name, sku)
	}

	recipient := a.recipient(state)
	if _, err := proposer.Propose(ctx, actions.NotificationSend, domain.Payload{
		"recipient": recipient,
		"message":   message,
		"sku":       sku,
	}); err != nil {
		return "", fmt.Errorf("low-stock: propose notification: %w", err)
	}
	a.logger.Debug("notification proposed", zap.String("tenant_id", run.TenantID), zap.String("sku", sku))
	return fmt.Sprintf("notification for %s proposed to %s", sku, recipient), nil
}

func (a *LowStockNotifier) recipient(state *domain.TenantAgentState) string {
	cfg := a.DefaultConfig()
	if state != nil {
		cfg = cfg.Merge(state.Config)
	}
	return cfg.String("recipient", "")
}

// eventPayload достает данные события из trigger_data.
func eventPayload(data domain.TriggerData) domain.Payload {
	switch p := data["payload"].(type) {
	case domain.Payload:
		return p
	case map[string]any:
		return domain.Payload(p)
	}
	return domain.Payload{}
}
