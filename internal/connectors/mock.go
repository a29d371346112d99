package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification: запись об отправленном сообщении в памяти мока.
type Notification struct {
	ID        string
	TenantID  string
	Recipient string
	Message   string
}

// MockSystemsConnector: in-memory каталог и нотификатор для dev-режима и тестов.
// Умеет имитировать задержку и троттлинг внешней системы.
type MockSystemsConnector struct {
	mu       sync.Mutex
	products map[string]map[string]*Product // tenant -> sku -> product
	sent     []Notification

	// MaxLatency > 0 включает случайную задержку на каждый вызов
	MaxLatency time.Duration
	throttle   int
	retryAfter time.Duration
}

func NewMockSystemsConnector() *MockSystemsConnector {
	return &MockSystemsConnector{products: make(map[string]map[string]*Product)}
}

// PutProduct заводит или перезаписывает товар.
func (c *MockSystemsConnector) PutProduct(tenantID string, p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.products[tenantID] == nil {
		c.products[tenantID] = make(map[string]*Product)
	}
	cp := p
	c.products[tenantID][p.SKU] = &cp
}

// ThrottleNext заставляет следующие n вызовов вернуть ThrottleError.
func (c *MockSystemsConnector) ThrottleNext(n int, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = n
	c.retryAfter = retryAfter
}

func (c *MockSystemsConnector) Sent() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *MockSystemsConnector) StaleProducts(ctx context.Context, tenantID string, unsoldFor time.Duration) ([]Product, error) {
	if err := c.call(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-unsoldFor)
	var out []Product
	for _, p := range c.products[tenantID] {
		if p.Stock > 0 && p.LastSoldAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (c *MockSystemsConnector) Price(ctx context.Context, tenantID, sku string) (float64, error) {
	if err := c.call(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[tenantID][sku]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProductNotFound, sku)
	}
	return p.Price, nil
}

func (c *MockSystemsConnector) SetPrice(ctx context.Context, tenantID, sku string, price float64) error {
	if err := c.call(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[tenantID][sku]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, sku)
	}
	p.Price = price
	return nil
}

func (c *MockSystemsConnector) Notify(ctx context.Context, tenantID, recipient, message string) (string, error) {
	if err := c.call(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := Notification{ID: uuid.NewString(), TenantID: tenantID, Recipient: recipient, Message: message}
	c.sent = append(c.sent, n)
	return n.ID, nil
}

// call имитирует сетевой вызов: задержка, отмена по контексту, троттлинг.
func (c *MockSystemsConnector) call(ctx context.Context) error {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.throttle > 0 {
		c.throttle--
		return &ThrottleError{RetryAfter: c.retryAfter, Cause: fmt.Errorf("rate limited by upstream")}
	}
	return nil
}
