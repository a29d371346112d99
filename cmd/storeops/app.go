package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/actions"
	"github.com/xela07ax/storeops-agents/internal/agents"
	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/engine"
	"github.com/xela07ax/storeops-agents/internal/infra"
	"github.com/xela07ax/storeops-agents/internal/policy"
	"github.com/xela07ax/storeops-agents/internal/registry"
	"github.com/xela07ax/storeops-agents/internal/repository/postgres"
	"github.com/xela07ax/storeops-agents/internal/repository/sqlite"
	"github.com/xela07ax/storeops-agents/internal/risk"
)

var (
	_ engine.Store = (*sqlite.Store)(nil)
	_ engine.Store = (*postgres.Store)(nil)
)

// app: собранный движок. Один и тот же wiring для serve и разовых CLI-команд.
type app struct {
	cfg    *infra.Config
	logger *zap.Logger

	store      engine.Store
	closeStore func()
	rdb        *redis.Client

	promReg    *prometheus.Registry
	metrics    *engine.Metrics
	trail      *audit.Trail
	killSwitch *engine.FlagSet
	quarantine *engine.FlagSet
	ring       *engine.TenantRing

	registry *registry.Registry
	orch     *engine.Orchestrator
}

// newApp поднимает хранилище, Redis (если включен), реестр и оркестратор.
// Реестр синхронизируется в БД на каждом старте.
func newApp(ctx context.Context, cfg *infra.Config) (*app, error) {
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = engine.NewMetrics(a.promReg)

	a.killSwitch = engine.NewKillSwitch(a.rdb, logger)
	a.quarantine = engine.NewQuarantine(a.rdb, logger)
	for _, fs := range []*engine.FlagSet{a.killSwitch, a.quarantine} {
		if err := fs.Init(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	a.ring, err = engine.NewTenantRing(cfg.Scheduler.InstanceID, cfg.Scheduler.Members)
	if err != nil {
		a.close()
		return nil, err
	}

	a.trail = audit.NewTrail(a.store, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferFill:    a.metrics.AuditBufferFill,
	})
	a.trail.Start()

	if err := a.buildEngine(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "postgres":
		s, err := postgres.New(ctx, db.URL, db.MaxConns, db.MinConns)
		if err != nil {
			return err
		}
		a.store, a.closeStore = s, s.Close
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: ping: %w", err)
		}
		return s.Migrate(ctx)
	case "sqlite":
		s, err := sqlite.Open(ctx, db.SQLitePath)
		if err != nil {
			return err
		}
		a.store, a.closeStore = s, func() { _ = s.Close() }
		return nil
	}
	return fmt.Errorf("unknown database driver %q", db.Driver)
}

// buildEngine собирает реестр и исполнители. Внешние системы магазина
// пока представлены in-memory коннектором.
func (a *app) buildEngine(ctx context.Context) error {
	mock := connectors.NewMockSystemsConnector()

	a.registry = registry.New()
	if err := agents.Register(a.registry, mock, a.logger); err != nil {
		return err
	}
	if err := actions.Register(a.registry, mock, mock); err != nil {
		return err
	}

	ec := a.cfg.Engine
	a.registry.WrapActions(engine.Reliable(engine.ReliabilityOptions{
		MaxRequests:    ec.CBMaxRequests,
		Interval:       ec.CBInterval,
		Timeout:        ec.CBTimeout,
		Failures:       ec.CBFailures,
		RateLimit:      ec.RateLimit,
		RateBurst:      ec.RateBurst,
		Attempts:       ec.RetryAttempts,
		AttemptTimeout: ec.ActionTimeout,
	}, a.metrics, a.logger))

	if err := a.registry.SyncToDatabase(ctx, a.store); err != nil {
		return err
	}

	var locker engine.RunLocker = engine.NewLocalLocker()
	if a.rdb != nil {
		locker = engine.NewRedisLocker(a.rdb, a.cfg.Scheduler.LockTTL, a.logger)
	}

	actionExec := engine.NewActionExecutor(a.store, a.registry, a.trail, a.metrics, a.logger)
	gate := policy.NewGate(a.quarantine, risk.NewAnalyzer(a.logger))
	runExec := engine.NewRunExecutor(a.store, a.registry, actionExec, gate, a.logger, engine.RunExecutorConfig{
		Timeout:    ec.RunTimeout,
		Locker:     locker,
		KillSwitch: a.killSwitch,
		Auditor:    a.trail,
		Metrics:    a.metrics,
	})
	a.orch = engine.NewOrchestrator(a.store, a.registry, runExec, actionExec, a.logger, engine.OrchestratorConfig{
		Workers:    a.cfg.Scheduler.Workers,
		Ring:       a.ring,
		KillSwitch: a.killSwitch,
		Metrics:    a.metrics,
	})
	return nil
}

// close дренирует журнал и освобождает ресурсы в обратном порядке.
func (a *app) close() {
	if a.trail != nil {
		a.trail.Stop()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// withApp собирает движок для разовой команды и гарантированно закрывает его.
func withApp(ctx context.Context, configPath func() string, fn func(a *app) error) error {
	cfg, err := infra.LoadConfig(configPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
