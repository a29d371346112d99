// Package actions содержит встроенные обработчики действий с побочными эффектами.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/domain"
)

const PriceUpdate = "price.update"

// PriceUpdateHandler меняет цену товара в каталоге. Откат возвращает previous_price.
type PriceUpdateHandler struct {
	catalog connectors.Catalog
}

func NewPriceUpdateHandler(catalog connectors.Catalog) *PriceUpdateHandler {
	return &PriceUpdateHandler{catalog: catalog}
}

func (h *PriceUpdateHandler) ActionType() string { return PriceUpdate }

func (h *PriceUpdateHandler) ValidatePayload(p domain.Payload) error {
	if p.String("sku") == "" {
		return errors.New("price.update: sku is required")
	}
	price, ok := p.Float("new_price")
	if !ok || price <= 0 {
		return errors.New("price.update: new_price must be a positive number")
	}
	if prev, ok := p.Float("previous_price"); !ok || prev < 0 {
		return errors.New("price.update: previous_price must be a non-negative number")
	}
	return nil
}

func (h *PriceUpdateHandler) Execute(ctx context.Context, a *domain.Action) (string, error) {
	sku := a.Payload.String("sku")
	price, _ := a.Payload.Float("new_price")
	if err := h.catalog.SetPrice(ctx, a.TenantID, sku, price); err != nil {
		return "", fmt.Errorf("price.update: set %s: %w", sku, err)
	}
	return fmt.Sprintf("price of %s set to %.2f", sku, price), nil
}

func (h *PriceUpdateHandler) Rollback(ctx context.Context, a *domain.Action) error {
	sku := a.Payload.String("sku")
	prev, _ := a.Payload.Float("previous_price")
	if err := h.catalog.SetPrice(ctx, a.TenantID, sku, prev); err != nil {
		return fmt.Errorf("price.update: restore %s: %w", sku, err)
	}
	return nil
}
