package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = 5 * time.Second
	reconnectDelay   = 1 * time.Second
)

// ListenResilient: универсальный цикл для "живучей" подписки на канал Redis.
// Переподписывается при обрыве и вызывает onReconnect (может быть nil) после каждой успешной подписки.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте: сигналы могли потеряться
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// ListenStateResilient: то же для сигналов формата "slug:on" / "slug:off".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onSignal func(slug string, on bool),
) {
	ListenResilient(ctx, rdb, logger, channel, onReconnect, func(payload string) {
		slug, on, ok := ParseSignal(payload)
		if !ok {
			logger.Error("invalid signal format", zap.String("chan", channel), zap.String("payload", payload))
			return
		}
		onSignal(slug, on)
	})
}

// ParseSignal разбирает "slug:status". Гибкий парсинг: on/true включают флаг.
func ParseSignal(payload string) (slug string, on bool, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	status := payload[i+1:]
	switch status {
	case "on", "true":
		on = true
	case "off", "false":
	default:
		return "", false, false
	}
	return payload[:i], on, true
}

func FormatSignal(slug string, on bool) string {
	if on {
		return slug + ":on"
	}
	return slug + ":off"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
