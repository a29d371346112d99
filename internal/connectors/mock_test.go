package connectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSystemsConnector_Catalog(t *testing.T) {
	ctx := context.Background()
	c := NewMockSystemsConnector()
	c.PutProduct("t1", Product{SKU: "B", Price: 10, Stock: 3, LastSoldAt: time.Now().Add(-90 * 24 * time.Hour)})
	c.PutProduct("t1", Product{SKU: "A", Price: 20, Stock: 1, LastSoldAt: time.Now().Add(-60 * 24 * time.Hour)})
	c.PutProduct("t1", Product{SKU: "fresh", Price: 5, Stock: 9, LastSoldAt: time.Now()})
	c.PutProduct("t1", Product{SKU: "empty", Price: 5, Stock: 0, LastSoldAt: time.Now().Add(-90 * 24 * time.Hour)})

	stale, err := c.StaleProducts(ctx, "t1", 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "A", stale[0].SKU)
	assert.Equal(t, "B", stale[1].SKU)

	require.NoError(t, c.SetPrice(ctx, "t1", "A", 15))
	price, err := c.Price(ctx, "t1", "A")
	require.NoError(t, err)
	assert.Equal(t, 15.0, price)

	_, err = c.Price(ctx, "t2", "A")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestMockSystemsConnector_Throttle(t *testing.T) {
	ctx := context.Background()
	c := NewMockSystemsConnector()
	c.ThrottleNext(1, time.Millisecond)

	_, err := c.Notify(ctx, "t1", "ops@example.com", "hi")
	var tErr *ThrottleError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, time.Millisecond, tErr.RetryAfter)

	id, err := c.Notify(ctx, "t1", "ops@example.com", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, c.Sent(), 1)
}
