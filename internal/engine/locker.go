package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/infra"
)

// RunLocker исключает пересекающиеся запуски одной пары (tenant, agent):
// ручной запуск не должен гоняться с тиком планировщика.
type RunLocker interface {
	// TryLock не ждет: ok == false, если пара уже занята.
	TryLock(ctx context.Context, tenantID, agentSlug string) (unlock func(), ok bool, err error)
}

// LocalLocker: блокировки внутри одного процесса.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, tenantID, agentSlug string) (func(), bool, error) {
	key := domain.PairKey(tenantID, agentSlug)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Снимаем лок, только если он все еще наш (ttl мог истечь и лок взял другой инстанс)
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker: блокировки между инстансами через SetNX с TTL.
// TTL должен быть больше run_timeout, иначе лок истечет посреди запуска.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger.Named("run-locker")}
}

func (l *RedisLocker) TryLock(ctx context.Context, tenantID, agentSlug string) (func(), bool, error) {
	key := infra.RunLockKey(tenantID, agentSlug)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("run lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background: лок надо снять даже если контекст запуска уже отменен
			err := releaseScript.Run(context.Background(), l.rdb, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Error("failed to release run lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}
