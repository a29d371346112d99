package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/actions"
	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

const MarkdownSchedulerSlug = "markdown-scheduler"

// markdownConfig: настройки уценки, тенант переопределяет любые поля.
type markdownConfig struct {
	IntervalHours float64
	StaleDays     float64
	DiscountPct   float64
	MaxActions    int
}

// MarkdownScheduler раз в interval_hours ищет товары без продаж дольше stale_days
// и предлагает снизить цену на discount_pct.
type MarkdownScheduler struct {
	catalog connectors.Catalog
	logger  *zap.Logger
}

func NewMarkdownScheduler(catalog connectors.Catalog, logger *zap.Logger) *MarkdownScheduler {
	return &MarkdownScheduler{catalog: catalog, logger: logger.Named(MarkdownSchedulerSlug)}
}

func (a *MarkdownScheduler) Slug() string { return MarkdownSchedulerSlug }
func (a *MarkdownScheduler) Name() string { return "Markdown scheduler" }
func (a *MarkdownScheduler) Description() string {
	return "Proposes price markdowns for products that have not sold for a while"
}
func (a *MarkdownScheduler) Kind() domain.AgentKind     { return domain.KindBackground }
func (a *MarkdownScheduler) SubscribedEvents() []string { return nil }

// DefaultEnabled: цены без ведома владельца магазина не трогаем.
func (a *MarkdownScheduler) DefaultEnabled() bool { return false }

func (a *MarkdownScheduler) DefaultConfig() domain.Config {
	return domain.Config{
		"interval_hours": 24.0,
		"stale_days":     30.0,
		"discount_pct":   20.0,
		"max_actions":    50,
	}
}

func (a *MarkdownScheduler) CanRun(state *domain.TenantAgentState) bool {
	if a.catalog == nil {
		return false
	}
	cfg := a.config(state)
	return cfg.DiscountPct > 0 && cfg.DiscountPct < 100 && cfg.StaleDays > 0
}

func (a *MarkdownScheduler) NextRunAt(state *domain.TenantAgentState, from time.Time) time.Time {
	hours := a.config(state).IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return from.Add(time.Duration(hours * float64(time.Hour)))
}

func (a *MarkdownScheduler) Run(ctx context.Context, run *domain.Run, state *domain.TenantAgentState, proposer registry.ActionProposer) (string, error) {
	cfg := a.config(state)
	unsoldFor := time.Duration(cfg.StaleDays * 24 * float64(time.Hour))

	products, err := a.catalog.StaleProducts(ctx, run.TenantID, unsoldFor)
	if err != nil {
		return "", fmt.Errorf("markdown: load stale products: %w", err)
	}

	proposed := 0
	for _, p := range products {
		if cfg.MaxActions > 0 && proposed >= cfg.MaxActions {
			break
		}
		newPrice := markdownPrice(p.Price, cfg.DiscountPct)
		if newPrice <= 0 || newPrice >= p.Price {
			continue
		}
		payload := domain.Payload{
			"sku":            p.SKU,
			"new_price":      newPrice,
			"previous_price": p.Price,
			"discount_pct":   cfg.DiscountPct,
		}
		if _, err := proposer.Propose(ctx, actions.PriceUpdate, payload); err != nil {
			return "", fmt.Errorf("markdown: propose %s: %w", p.SKU, err)
		}
		proposed++
	}

	a.logger.Debug("markdown scan finished",
		zap.String("tenant_id", run.TenantID),
		zap.Int("stale", len(products)),
		zap.Int("proposed", proposed))
	return fmt.Sprintf("proposed %d markdowns for %d stale products", proposed, len(products)), nil
}

func (a *MarkdownScheduler) config(state *domain.TenantAgentState) markdownConfig {
	merged := a.DefaultConfig()
	if state != nil {
		merged = merged.Merge(state.Config)
	}
	return markdownConfig{
		IntervalHours: merged.Float("interval_hours", 24),
		StaleDays:     merged.Float("stale_days", 30),
		DiscountPct:   merged.Float("discount_pct", 20),
		MaxActions:    int(merged.Float("max_actions", 50)),
	}
}

// markdownPrice округляет до центов.
func markdownPrice(price, discountPct float64) float64 {
	return math.Round(price*(100-discountPct)) / 100
}
