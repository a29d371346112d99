package connectors

import (
	"context"
	"errors"
	"time"
)

// ErrProductNotFound: SKU отсутствует в каталоге тенанта.
var ErrProductNotFound = errors.New("product not found")

type Product struct {
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	Stock      int       `json:"stock"`
	LastSoldAt time.Time `json:"last_sold_at"`
}

// Catalog: внешняя система товаров магазина. Агенты только читают,
// запись цен делает обработчик price.update.
type Catalog interface {
	StaleProducts(ctx context.Context, tenantID string, unsoldFor time.Duration) ([]Product, error)
	Price(ctx context.Context, tenantID, sku string) (float64, error)
	SetPrice(ctx context.Context, tenantID, sku string, price float64) error
}

// Notifier: канал оповещения персонала магазина.
type Notifier interface {
	Notify(ctx context.Context, tenantID, recipient, message string) (deliveryID string, err error)
}
