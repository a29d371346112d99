package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

func TestPriceUpdate_ValidatePayload(t *testing.T) {
	h := NewPriceUpdateHandler(connectors.NewMockSystemsConnector())
	cases := []struct {
		name    string
		payload domain.Payload
		ok      bool
	}{
		{"valid", domain.Payload{"sku": "A", "new_price": 8.0, "previous_price": 10.0}, true},
		{"free previous", domain.Payload{"sku": "A", "new_price": 8.0, "previous_price": 0}, true},
		{"missing sku", domain.Payload{"new_price": 8.0, "previous_price": 10.0}, false},
		{"zero price", domain.Payload{"sku": "A", "new_price": 0, "previous_price": 10.0}, false},
		{"string price", domain.Payload{"sku": "A", "new_price": "8", "previous_price": 10.0}, false},
		{"negative previous", domain.Payload{"sku": "A", "new_price": 8.0, "previous_price": -1.0}, false},
		{"missing previous", domain.Payload{"sku": "A", "new_price": 8.0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.ValidatePayload(tc.payload)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPriceUpdate_ExecuteAndRollback(t *testing.T) {
	ctx := context.Background()
	catalog := connectors.NewMockSystemsConnector()
	catalog.PutProduct("shop-1", connectors.Product{SKU: "A", Price: 10, Stock: 1})
	h := NewPriceUpdateHandler(catalog)

	a := &domain.Action{TenantID: "shop-1", Payload: domain.Payload{"sku": "A", "new_price": 8.0, "previous_price": 10.0}}
	msg, err := h.Execute(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "price of A set to 8.00", msg)

	price, err := catalog.Price(ctx, "shop-1", "A")
	require.NoError(t, err)
	assert.Equal(t, 8.0, price)

	require.NoError(t, h.Rollback(ctx, a))
	price, err = catalog.Price(ctx, "shop-1", "A")
	require.NoError(t, err)
	assert.Equal(t, 10.0, price)

	_, err = h.Execute(ctx, &domain.Action{TenantID: "shop-1", Payload: domain.Payload{"sku": "missing", "new_price": 1.0}})
	assert.ErrorIs(t, err, connectors.ErrProductNotFound)
}

func TestNotificationSend(t *testing.T) {
	ctx := context.Background()
	notifier := connectors.NewMockSystemsConnector()
	h := NewNotificationSendHandler(notifier)

	assert.Error(t, h.ValidatePayload(domain.Payload{"message": "hi"}))
	assert.Error(t, h.ValidatePayload(domain.Payload{"recipient": "ops"}))
	require.NoError(t, h.ValidatePayload(domain.Payload{"recipient": "ops", "message": "hi"}))

	a := &domain.Action{TenantID: "shop-1", Payload: domain.Payload{"recipient": "ops", "message": "SKU A is out of stock"}}
	msg, err := h.Execute(ctx, a)
	require.NoError(t, err)
	assert.Contains(t, msg, "delivered to ops")

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "SKU A is out of stock", sent[0].Message)

	assert.ErrorIs(t, h.Rollback(ctx, a), registry.ErrRollbackUnsupported)
}

func TestRegister(t *testing.T) {
	mock := connectors.NewMockSystemsConnector()
	reg := registry.New()
	require.NoError(t, Register(reg, mock, mock))
	assert.Equal(t, []string{NotificationSend, PriceUpdate}, reg.ActionTypes())
	assert.Error(t, Register(reg, mock, mock))
}
