package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

const NotificationSend = "notification.send"

// NotificationSendHandler отправляет сообщение персоналу. Отправленное не отозвать.
type NotificationSendHandler struct {
	notifier connectors.Notifier
}

func NewNotificationSendHandler(notifier connectors.Notifier) *NotificationSendHandler {
	return &NotificationSendHandler{notifier: notifier}
}

func (h *NotificationSendHandler) ActionType() string { return NotificationSend }

func (h *NotificationSendHandler) ValidatePayload(p domain.Payload) error {
	if p.String("recipient") == "" {
		return errors.New("notification.send: recipient is required")
	}
	if p.String("message") == "" {
		return errors.New("notification.send: message is required")
	}
	return nil
}

func (h *NotificationSendHandler) Execute(ctx context.Context, a *domain.Action) (string, error) {
	recipient := a.Payload.String("recipient")
	id, err := h.notifier.Notify(ctx, a.TenantID, recipient, a.Payload.String("message"))
	if err != nil {
		return "", fmt.Errorf("notification.send: notify %s: %w", recipient, err)
	}
	return fmt.Sprintf("delivered to %s (%s)", recipient, id), nil
}

func (h *NotificationSendHandler) Rollback(context.Context, *domain.Action) error {
	return registry.ErrRollbackUnsupported
}

// Register регистрирует встроенные обработчики.
func Register(reg *registry.Registry, catalog connectors.Catalog, notifier connectors.Notifier) error {
	for _, h := range []registry.ActionHandler{
		NewPriceUpdateHandler(catalog),
		NewNotificationSendHandler(notifier),
	} {
		if err := reg.RegisterAction(h); err != nil {
			return err
		}
	}
	return nil
}
