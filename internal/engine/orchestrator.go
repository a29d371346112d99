package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

type OrchestratorConfig struct {
	Workers    int         // Размер пула для тика планировщика и fan-out событий
	Ring       *TenantRing // nil: все тенанты свои
	KillSwitch FlagChecker
	Metrics    *Metrics
}

// Orchestrator образует внешнюю поверхность движка: тик планировщика, события,
// проекции для UI и решения оператора по id.
type Orchestrator struct {
	store    Store
	registry *registry.Registry
	runs     *RunExecutor
	actions  *ActionExecutor

	workers    atomic.Int64
	ring       *TenantRing
	killSwitch FlagChecker
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// TenantAgent: агент глазами конкретного тенанта.
type TenantAgent struct {
	Definition domain.AgentDefinition
	State      domain.TenantAgentState
	Agent      registry.Agent
}

// SettingsPatch: изменение настроек пары со стороны тенанта; nil-поля не трогаются.
type SettingsPatch struct {
	Enabled         *bool
	PermissionLevel *domain.PermissionLevel
	Config          domain.Config
}

func NewOrchestrator(store Store, reg *registry.Registry, runs *RunExecutor, actions *ActionExecutor, logger *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	o := &Orchestrator{
		store:      store,
		registry:   reg,
		runs:       runs,
		actions:    actions,
		ring:       cfg.Ring,
		killSwitch: cfg.KillSwitch,
		metrics:    cfg.Metrics,
		logger:     logger.Named("orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	o.SetWorkers(cfg.Workers)
	return o
}

// SetWorkers меняет размер пула на лету (горячая перезагрузка конфига).
func (o *Orchestrator) SetWorkers(n int) {
	if n <= 0 {
		n = 1
	}
	o.workers.Store(int64(n))
}

// RunAgent: ручной или внешний запуск одного агента.
func (o *Orchestrator) RunAgent(ctx context.Context, agentSlug, tenantID string, trigger domain.TriggerKind, data domain.TriggerData) domain.RunResult {
	return o.safeRun(ctx, agentSlug, tenantID, trigger, data)
}

// RunScheduledAgents обходит созревшие пары и запускает фоновых агентов пулом воркеров.
// Ключ результата: "{tenant}:{agent_slug}". Отказ одной пары не влияет на остальные.
func (o *Orchestrator) RunScheduledAgents(ctx context.Context) map[string]domain.RunResult {
	start := time.Now()
	defer func() {
		o.metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	results := make(map[string]domain.RunResult)
	states, err := o.store.ListDueTenantStates(ctx, o.now())
	if err != nil {
		o.logger.Error("failed to list due agents", zap.Error(err))
		return results
	}
	kinds, err := o.definitionKinds(ctx)
	if err != nil {
		o.logger.Error("failed to load agent catalog", zap.Error(err))
		return results
	}

	var mu sync.Mutex
	g := o.pool()
	for _, st := range states {
		if !o.ring.Owns(st.TenantID) {
			continue
		}
		if kinds[st.AgentSlug] != domain.KindBackground {
			continue
		}
		if o.killSwitch != nil && o.killSwitch.IsFlagged(st.AgentSlug) {
			o.logger.Debug("skipping blocked agent", zap.String("agent_slug", st.AgentSlug), zap.String("tenant_id", st.TenantID))
			continue
		}

		key := st.Key()
		tenantID, slug := st.TenantID, st.AgentSlug
		g.Go(func() error {
			res := o.safeRun(ctx, slug, tenantID, domain.TriggerScheduled, domain.TriggerData{})
			mu.Lock()
			results[key] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.metrics.SchedulerDuePairs.Set(float64(len(results)))
	return results
}

// DispatchEvent запускает подписчиков события у одного тенанта. Результат по slug агента.
// Подписчики, выключенные или заблокированные у тенанта, пропускаются без запуска.
func (o *Orchestrator) DispatchEvent(ctx context.Context, eventName string, payload domain.Payload, tenantID string) map[string]domain.RunResult {
	results := make(map[string]domain.RunResult)
	data := domain.EventTrigger(eventName, payload)

	var mu sync.Mutex
	g := o.pool()
	for _, slug := range o.registry.AgentsForEvent(eventName) {
		impl, ok := o.registry.Agent(slug)
		if !ok {
			continue
		}
		if o.killSwitch != nil && o.killSwitch.IsFlagged(slug) {
			continue
		}
		state, err := o.store.GetOrCreateTenantState(ctx, tenantID, slug, StateDefaultsFor(impl))
		if err != nil {
			o.logger.Error("failed to resolve tenant state", zap.String("tenant_id", tenantID), zap.String("agent_slug", slug), zap.Error(err))
			results[slug] = domain.RunFailure(domain.FailureStorage, "", err.Error())
			continue
		}
		if !state.CanRun() {
			continue
		}

		g.Go(func() error {
			res := o.safeRun(ctx, slug, tenantID, domain.TriggerEvent, data)
			mu.Lock()
			results[slug] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// AgentsForTenant гарантирует состояние для каждой строки каталога и возвращает агентов,
// чья реализация все еще зарегистрирована. Остальные молча отбрасываются.
func (o *Orchestrator) AgentsForTenant(ctx context.Context, tenantID string) ([]TenantAgent, error) {
	defs, err := o.store.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list definitions: %w", err)
	}

	out := make([]TenantAgent, 0, len(defs))
	for _, def := range defs {
		state, err := o.store.GetOrCreateTenantState(ctx, tenantID, def.Slug, domain.StateDefaults{
			Enabled:         def.DefaultEnabled,
			PermissionLevel: domain.DefaultPermission,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: state %s: %w", def.Slug, err)
		}
		impl, ok := o.registry.Agent(def.Slug)
		if !ok {
			o.logger.Warn("catalog entry has no registered implementation", zap.String("agent_slug", def.Slug))
			continue
		}
		out = append(out, TenantAgent{Definition: def, State: *state, Agent: impl})
	}
	return out, nil
}

// InitializeTenant, хук онбординга, создает состояние для всех агентов с default_enabled.
// Возвращает число пар, которые теперь есть у тенанта.
func (o *Orchestrator) InitializeTenant(ctx context.Context, tenantID string) (int, error) {
	defs, err := o.store.ListDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list definitions: %w", err)
	}
	n := 0
	for _, def := range defs {
		if !def.DefaultEnabled {
			continue
		}
		_, err := o.store.GetOrCreateTenantState(ctx, tenantID, def.Slug, domain.StateDefaults{
			Enabled:         true,
			PermissionLevel: domain.DefaultPermission,
		})
		if err != nil {
			return n, fmt.Errorf("orchestrator: init %s for %s: %w", def.Slug, tenantID, err)
		}
		n++
	}
	o.logger.Info("tenant initialized", zap.String("tenant_id", tenantID), zap.Int("agents", n))
	return n, nil
}

// UpdateSettings меняет enabled, permission_level или config пары.
func (o *Orchestrator) UpdateSettings(ctx context.Context, tenantID, agentSlug string, patch SettingsPatch) (*domain.TenantAgentState, error) {
	impl, ok := o.registry.Agent(agentSlug)
	if !ok {
		return nil, fmt.Errorf("orchestrator: agent %q: %w", agentSlug, domain.ErrNotFound)
	}
	if patch.PermissionLevel != nil && !patch.PermissionLevel.Valid() {
		return nil, fmt.Errorf("orchestrator: unknown permission level %q", *patch.PermissionLevel)
	}

	state, err := o.store.GetOrCreateTenantState(ctx, tenantID, agentSlug, StateDefaultsFor(impl))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: state: %w", err)
	}
	if patch.Enabled != nil {
		state.Enabled = *patch.Enabled
	}
	if patch.PermissionLevel != nil {
		state.PermissionLevel = *patch.PermissionLevel
	}
	if patch.Config != nil {
		state.Config = state.Config.Merge(patch.Config)
	}
	state.UpdatedAt = o.now()
	if err := o.store.UpdateTenantSettings(ctx, state); err != nil {
		return nil, fmt.Errorf("orchestrator: update settings: %w", err)
	}
	return state, nil
}

func (o *Orchestrator) PendingActions(ctx context.Context, tenantID string, limit int) ([]domain.Action, error) {
	return o.ListActions(ctx, tenantID, domain.ActionPending, limit)
}

// ListActions: действия тенанта в заданном статусе, новые сверху.
// Одобренные без исполнения действия ищутся по domain.ActionApproved.
func (o *Orchestrator) ListActions(ctx context.Context, tenantID string, status domain.ActionStatus, limit int) ([]domain.Action, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("orchestrator: unknown action status %q", status)
	}
	return o.store.ListActions(ctx, tenantID, status, ClampLimit(limit))
}

// RunHistory: agentSlug == "" означает все агенты тенанта.
func (o *Orchestrator) RunHistory(ctx context.Context, tenantID, agentSlug string, limit int) ([]domain.Run, error) {
	return o.store.ListRuns(ctx, tenantID, agentSlug, ClampLimit(limit))
}

func (o *Orchestrator) ApproveAction(ctx context.Context, actionID, actor string, autoExecute bool) domain.ActionResult {
	a, res, ok := o.loadAction(ctx, actionID)
	if !ok {
		return res
	}
	return o.actions.Approve(ctx, a, actor, autoExecute)
}

// ExecuteAction исполняет ранее одобренное действие или действие без апрува.
func (o *Orchestrator) ExecuteAction(ctx context.Context, actionID string) domain.ActionResult {
	a, res, ok := o.loadAction(ctx, actionID)
	if !ok {
		return res
	}
	return o.actions.Execute(ctx, a)
}

func (o *Orchestrator) RejectAction(ctx context.Context, actionID, actor string) domain.ActionResult {
	a, res, ok := o.loadAction(ctx, actionID)
	if !ok {
		return res
	}
	return o.actions.Reject(ctx, a, actor)
}

func (o *Orchestrator) RollbackAction(ctx context.Context, actionID string) domain.ActionResult {
	a, res, ok := o.loadAction(ctx, actionID)
	if !ok {
		return res
	}
	return o.actions.Rollback(ctx, a)
}

func (o *Orchestrator) BulkApprove(ctx context.Context, actionIDs []string, actor string, autoExecute bool) map[string]domain.ActionResult {
	return o.actions.BulkApprove(ctx, actionIDs, actor, autoExecute)
}

func (o *Orchestrator) BulkReject(ctx context.Context, actionIDs []string, actor string) map[string]domain.ActionResult {
	return o.actions.BulkReject(ctx, actionIDs, actor)
}

func (o *Orchestrator) loadAction(ctx context.Context, actionID string) (*domain.Action, domain.ActionResult, bool) {
	a, err := o.store.GetAction(ctx, actionID)
	if err == nil {
		return a, domain.ActionResult{}, true
	}
	kind := domain.FailureStorage
	if errors.Is(err, domain.ErrNotFound) {
		kind = domain.FailureNotFound
	}
	res := domain.ActionFailure(kind, nil, err.Error())
	res.ActionID = actionID
	return nil, res, false
}

// safeRun, последний рубеж: даже ошибка в самом движке не должна уронить батч.
func (o *Orchestrator) safeRun(ctx context.Context, agentSlug, tenantID string, trigger domain.TriggerKind, data domain.TriggerData) (res domain.RunResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("run panicked outside agent boundary",
				zap.String("tenant_id", tenantID),
				zap.String("agent_slug", agentSlug),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = domain.RunFailure(domain.FailureExecution, "", fmt.Sprintf("internal error: %v", r))
		}
	}()
	return o.runs.RunAgent(ctx, agentSlug, tenantID, trigger, data)
}

func (o *Orchestrator) definitionKinds(ctx context.Context) (map[string]domain.AgentKind, error) {
	defs, err := o.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]domain.AgentKind, len(defs))
	for _, d := range defs {
		kinds[d.Slug] = d.Kind
	}
	return kinds, nil
}

func (o *Orchestrator) pool() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(int(o.workers.Load()))
	return g
}
