package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/infra"
)

// FlagChecker: read-only взгляд на набор флагов по slug агента.
type FlagChecker interface {
	IsFlagged(agentSlug string) bool
}

// FlagSet: глобальный (для всех тенантов) набор помеченных агентов.
// Источник истины лежит в Redis Set, локальная копия обновляется через Pub/Sub.
// Без Redis работает как чисто локальный набор (dev, тесты).
type FlagSet struct {
	mu      sync.RWMutex
	flagged map[string]struct{}

	setKey  string
	channel string
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewFlagSet(name, setKey, channel string, rdb *redis.Client, logger *zap.Logger) *FlagSet {
	return &FlagSet{
		flagged: make(map[string]struct{}),
		setKey:  setKey,
		channel: channel,
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", name)),
	}
}

// NewKillSwitch: заблокированные агенты не стартуют ни у одного тенанта.
func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *FlagSet {
	return NewFlagSet("kill-switch", infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, rdb, logger)
}

// NewQuarantine: все новые действия агентов в карантине требуют апрува.
func NewQuarantine(rdb *redis.Client, logger *zap.Logger) *FlagSet {
	return NewFlagSet("quarantine", infra.RedisKeyQuarantinedAgents, infra.RedisChanQuarantine, rdb, logger)
}

// Init загружает текущее состояние при старте и после переподключения.
func (f *FlagSet) Init(ctx context.Context) error {
	if f.rdb == nil {
		return nil
	}
	slugs, err := f.rdb.SMembers(ctx, f.setKey).Result()
	if err != nil {
		return fmt.Errorf("flagset: load %s: %w", f.setKey, err)
	}

	next := make(map[string]struct{}, len(slugs))
	for _, s := range slugs {
		next[s] = struct{}{}
	}
	f.mu.Lock()
	f.flagged = next
	f.mu.Unlock()
	return nil
}

// Set меняет флаг: пишет в Redis Set и рассылает сигнал остальным инстансам.
func (f *FlagSet) Set(ctx context.Context, agentSlug string, on bool) error {
	if f.rdb != nil {
		_, err := f.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if on {
				pipe.SAdd(ctx, f.setKey, agentSlug)
			} else {
				pipe.SRem(ctx, f.setKey, agentSlug)
			}
			pipe.Publish(ctx, f.channel, FormatSignal(agentSlug, on))
			return nil
		})
		if err != nil {
			return fmt.Errorf("flagset: set %s: %w", agentSlug, err)
		}
	}
	f.apply(agentSlug, on)
	return nil
}

func (f *FlagSet) apply(agentSlug string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.flagged[agentSlug] = struct{}{}
	} else {
		delete(f.flagged, agentSlug)
	}
}

func (f *FlagSet) IsFlagged(agentSlug string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.flagged[agentSlug]
	return ok
}

func (f *FlagSet) Members() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.flagged))
	for s := range f.flagged {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Listen держит подписку на сигналы до отмены контекста.
func (f *FlagSet) Listen(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	f.logger.Info("listener started", zap.String("chan", f.channel))
	ListenStateResilient(ctx, f.rdb, f.logger, f.channel,
		func() error { return f.Init(ctx) },
		func(slug string, on bool) {
			f.logger.Info("signal received", zap.String("agent_slug", slug), zap.Bool("on", on))
			f.apply(slug, on)
		},
	)
}
