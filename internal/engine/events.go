package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/infra"
)

// DomainEvent: сообщение шины событий магазинов.
type DomainEvent struct {
	Name     string         `json:"event"`
	TenantID string         `json:"tenant_id"`
	Payload  domain.Payload `json:"payload"`
}

func (ev DomainEvent) Validate() error {
	if ev.Name == "" {
		return errors.New("event: empty name")
	}
	if ev.TenantID == "" {
		return fmt.Errorf("event %s: empty tenant_id", ev.Name)
	}
	return nil
}

// EventDispatcher: то, чем слушатель отдает события в движок (Orchestrator).
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, eventName string, payload domain.Payload, tenantID string) map[string]domain.RunResult
}

// EventListener читает доменные события из Redis и диспетчеризует их.
// Число одновременно обрабатываемых событий ограничено.
type EventListener struct {
	rdb        *redis.Client
	dispatcher EventDispatcher
	limit      int
	logger     *zap.Logger
}

func NewEventListener(rdb *redis.Client, dispatcher EventDispatcher, limit int, logger *zap.Logger) *EventListener {
	if limit <= 0 {
		limit = 1
	}
	return &EventListener{rdb: rdb, dispatcher: dispatcher, limit: limit, logger: logger.Named("events")}
}

// Listen блокируется до отмены контекста и дожидается обработки принятых событий.
func (l *EventListener) Listen(ctx context.Context) {
	g := &errgroup.Group{}
	g.SetLimit(l.limit)
	defer func() { _ = g.Wait() }()

	l.logger.Info("event listener started", zap.String("chan", infra.RedisChanEvents))
	ListenResilient(ctx, l.rdb, l.logger, infra.RedisChanEvents, nil, func(payload string) {
		ev, err := DecodeEvent([]byte(payload))
		if err != nil {
			l.logger.Error("invalid event", zap.String("payload", payload), zap.Error(err))
			return
		}
		g.Go(func() error {
			l.Handle(ctx, ev)
			return nil
		})
	})
}

// Handle синхронно диспетчеризует одно событие.
func (l *EventListener) Handle(ctx context.Context, ev DomainEvent) map[string]domain.RunResult {
	results := l.dispatcher.DispatchEvent(ctx, ev.Name, ev.Payload, ev.TenantID)
	for slug, res := range results {
		if !res.Success {
			l.logger.Warn("event run failed",
				zap.String("event", ev.Name),
				zap.String("tenant_id", ev.TenantID),
				zap.String("agent_slug", slug),
				zap.String("kind", string(res.Kind)),
				zap.String("reason", res.ErrorMessage),
			)
		}
	}
	return results
}

func DecodeEvent(raw []byte) (DomainEvent, error) {
	var ev DomainEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return DomainEvent{}, fmt.Errorf("event: decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return DomainEvent{}, err
	}
	return ev, nil
}

// PublishEvent кладет событие в шину (используется CLI и внешними продюсерами).
func PublishEvent(ctx context.Context, rdb *redis.Client, ev DomainEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: encode: %w", err)
	}
	if err := rdb.Publish(ctx, infra.RedisChanEvents, raw).Err(); err != nil {
		return fmt.Errorf("event: publish: %w", err)
	}
	return nil
}
