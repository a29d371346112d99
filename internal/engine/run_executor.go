package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/policy"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

// ErrRunClosed: агент пытается предложить действие после завершения своего запуска
// (например, горутина, брошенная по таймауту).
var ErrRunClosed = errors.New("run is closed for new actions")

type RunExecutorConfig struct {
	// Timeout: жесткий дедлайн на Agent.Run; 0 выключает.
	Timeout    time.Duration
	Locker     RunLocker   // nil: LocalLocker
	KillSwitch FlagChecker // nil: без глобальной блокировки
	Auditor    audit.Auditor
	Metrics    *Metrics
}

// RunExecutor исполняет ровно одного агента для ровно одного тенанта
// и никогда не отдает наружу панику агента.
type RunExecutor struct {
	store    Store
	registry *registry.Registry
	actions  *ActionExecutor
	gate     *policy.Gate

	timeout    time.Duration
	locker     RunLocker
	killSwitch FlagChecker
	auditor    audit.Auditor
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewRunExecutor(store Store, reg *registry.Registry, actions *ActionExecutor, gate *policy.Gate, logger *zap.Logger, cfg RunExecutorConfig) *RunExecutor {
	if gate == nil {
		gate = policy.NewGate(nil, nil)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &RunExecutor{
		store:      store,
		registry:   reg,
		actions:    actions,
		gate:       gate,
		timeout:    cfg.Timeout,
		locker:     cfg.Locker,
		killSwitch: cfg.KillSwitch,
		auditor:    cfg.Auditor,
		metrics:    cfg.Metrics,
		logger:     logger.Named("run-executor"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunAgent: полный цикл одного запуска. Отказы до создания Run не оставляют следа в базе.
func (e *RunExecutor) RunAgent(ctx context.Context, agentSlug, tenantID string, trigger domain.TriggerKind, data domain.TriggerData) domain.RunResult {
	log := e.logger.With(zap.String("tenant_id", tenantID), zap.String("agent_slug", agentSlug), zap.String("trigger", string(trigger)))

	if e.killSwitch != nil && e.killSwitch.IsFlagged(agentSlug) {
		return e.refuse(log, agentSlug, trigger, domain.FailureBlocked, fmt.Sprintf("agent %q is blocked by kill switch", agentSlug))
	}

	impl, ok := e.registry.Agent(agentSlug)
	if !ok {
		return e.refuse(log, agentSlug, trigger, domain.FailureNotFound, fmt.Sprintf("agent %q not found", agentSlug))
	}

	state, err := e.store.GetOrCreateTenantState(ctx, tenantID, agentSlug, StateDefaultsFor(impl))
	if err != nil {
		log.Error("failed to resolve tenant state", zap.Error(err))
		return e.refuse(log, agentSlug, trigger, domain.FailureStorage, err.Error())
	}
	if state.PermissionLevel == domain.PermissionBlock {
		return e.refuse(log, agentSlug, trigger, domain.FailurePrecondition, fmt.Sprintf("agent %q is blocked for tenant %q", agentSlug, tenantID))
	}

	view := effectiveState(impl, state)
	if !e.canRun(log, impl, view) {
		return e.refuse(log, agentSlug, trigger, domain.FailurePrecondition, fmt.Sprintf("agent %q cannot run for tenant %q", agentSlug, tenantID))
	}

	unlock, acquired, err := e.locker.TryLock(ctx, tenantID, agentSlug)
	if err != nil {
		log.Error("failed to acquire run lock", zap.Error(err))
		return e.refuse(log, agentSlug, trigger, domain.FailureStorage, err.Error())
	}
	if !acquired {
		return e.refuse(log, agentSlug, trigger, domain.FailureLocked, fmt.Sprintf("agent %q is already running for tenant %q", agentSlug, tenantID))
	}
	defer unlock()

	if data == nil {
		data = domain.TriggerData{}
	}
	run := &domain.Run{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AgentSlug:   agentSlug,
		Status:      domain.RunPending,
		TriggerKind: trigger,
		TriggerData: data,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		log.Error("failed to create run", zap.Error(err))
		return e.refuse(log, agentSlug, trigger, domain.FailureStorage, err.Error())
	}
	log = log.With(zap.String("run_id", run.ID))

	_ = run.Start(e.now())
	if err := e.store.UpdateRun(ctx, run); err != nil {
		log.Error("failed to start run", zap.Error(err))
		return e.finishFailed(ctx, log, run, domain.FailureStorage, err.Error())
	}
	e.record(audit.RunStarted, run, "")

	started := time.Now()
	summary, kind, runErr := e.invoke(ctx, log, impl, run, view)
	e.metrics.RunDuration.WithLabelValues(agentSlug).Observe(time.Since(started).Seconds())
	if runErr != nil {
		return e.finishFailed(ctx, log, run, kind, runErr.Error())
	}
	return e.finishCompleted(ctx, log, impl, run, view, summary)
}

// invoke вызывает агента в отдельной горутине под дедлайном.
// Если агент игнорирует контекст, запуск все равно завершается по таймауту,
// а брошенная горутина уже не может предложить действие.
func (e *RunExecutor) invoke(ctx context.Context, log *zap.Logger, impl registry.Agent, run *domain.Run, state *domain.TenantAgentState) (string, domain.FailureKind, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	scope := &runScope{exec: e, run: *run, state: state}
	defer scope.close()

	type outcome struct {
		summary string
		err     error
		panic   any
		stack   []byte
	}
	done := make(chan outcome, 1)
	runView := *run

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: r, stack: debug.Stack()}
			}
		}()
		summary, err := impl.Run(runCtx, &runView, state, scope)
		done <- outcome{summary: summary, err: err}
	}()

	select {
	case out := <-done:
		if out.panic != nil {
			log.Error("agent panicked", zap.Any("panic", out.panic), zap.ByteString("stack", out.stack))
			return "", domain.FailureExecution, fmt.Errorf("agent panic: %v", out.panic)
		}
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return "", domain.FailureTimeout, fmt.Errorf("run timed out after %s: %w", e.timeout, out.err)
			}
			return "", domain.FailureExecution, out.err
		}
		return out.summary, domain.FailureNone, nil

	case <-runCtx.Done():
		scope.close()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.Warn("agent ignored run deadline", zap.Duration("timeout", e.timeout))
			return "", domain.FailureTimeout, fmt.Errorf("run timed out after %s", e.timeout)
		}
		return "", domain.FailureExecution, fmt.Errorf("run cancelled: %w", runCtx.Err())
	}
}

func (e *RunExecutor) finishCompleted(ctx context.Context, log *zap.Logger, impl registry.Agent, run *domain.Run, state *domain.TenantAgentState, summary string) domain.RunResult {
	// Исход фиксируем даже если вызывающий уже отменил контекст
	persistCtx := context.WithoutCancel(ctx)

	finished := e.now()
	if err := run.Complete(summary, finished); err != nil {
		return domain.RunFailure(domain.FailurePrecondition, run.ID, err.Error())
	}
	if err := e.store.UpdateRun(persistCtx, run); err != nil {
		log.Error("failed to complete run", zap.Error(err))
		e.observe(run, domain.FailureStorage)
		return domain.RunFailure(domain.FailureStorage, run.ID, err.Error())
	}
	e.record(audit.RunCompleted, run, summary)

	var next *time.Time
	if impl.Kind() == domain.KindBackground {
		next = e.nextRunAt(log, impl, state, finished)
	}
	// last_run_at: момент вызова агента, а не завершения
	invokedAt := finished
	if run.StartedAt != nil {
		invokedAt = *run.StartedAt
	}
	if err := e.store.RecordRunTimes(persistCtx, run.TenantID, run.AgentSlug, invokedAt, next); err != nil {
		log.Error("failed to record run times", zap.Error(err))
	}

	e.autoExecute(ctx, log, run)
	e.observe(run, domain.FailureNone)
	return domain.RunSucceeded(run.ID, summary)
}

// autoExecute исполняет действия запуска, не требующие апрува, в порядке создания.
// Отказ отдельного действия не валит запуск.
func (e *RunExecutor) autoExecute(ctx context.Context, log *zap.Logger, run *domain.Run) {
	actions, err := e.store.ListActionsByRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		log.Error("failed to list run actions", zap.Error(err))
		return
	}
	for i := range actions {
		a := &actions[i]
		if a.Status != domain.ActionPending || a.RequiresApproval {
			continue
		}
		if res := e.actions.Execute(ctx, a); !res.Success {
			log.Warn("auto-executed action failed",
				zap.String("action_id", a.ID),
				zap.String("action_type", a.ActionType),
				zap.String("kind", string(res.Kind)),
				zap.String("reason", res.Message),
			)
		}
	}
}

func (e *RunExecutor) finishFailed(ctx context.Context, log *zap.Logger, run *domain.Run, kind domain.FailureKind, message string) domain.RunResult {
	log.Error("run failed", zap.String("kind", string(kind)), zap.String("reason", message))
	if err := run.Fail(message, e.now()); err == nil {
		if err := e.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
			log.Error("failed to persist run failure", zap.Error(err))
		}
	}
	e.record(audit.RunFailed, run, message)
	e.observe(run, kind)
	return domain.RunFailure(kind, run.ID, message)
}

func (e *RunExecutor) refuse(log *zap.Logger, agentSlug string, trigger domain.TriggerKind, kind domain.FailureKind, message string) domain.RunResult {
	// Отказ до создания Run не оставляет следа в базе, только лог и метрика
	log.Info("run refused", zap.String("kind", string(kind)), zap.String("reason", message))
	e.metrics.RunsTotal.WithLabelValues(agentSlug, string(trigger), string(kind)).Inc()
	return domain.RunFailure(kind, "", message)
}

func (e *RunExecutor) canRun(log *zap.Logger, impl registry.Agent, state *domain.TenantAgentState) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("agent CanRun panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			ok = false
		}
	}()
	return impl.CanRun(state)
}

func (e *RunExecutor) nextRunAt(log *zap.Logger, impl registry.Agent, state *domain.TenantAgentState, from time.Time) (next *time.Time) {
	sched, ok := impl.(registry.Scheduled)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("agent NextRunAt panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			next = nil
		}
	}()
	at := sched.NextRunAt(state, from).UTC()
	return &at
}

func (e *RunExecutor) record(eventType string, run *domain.Run, message string) {
	e.auditor.Log(audit.Event{
		Type:      eventType,
		TenantID:  run.TenantID,
		AgentSlug: run.AgentSlug,
		RunID:     run.ID,
		Status:    string(run.Status),
		Message:   message,
	})
}

func (e *RunExecutor) observe(run *domain.Run, kind domain.FailureKind) {
	e.metrics.RunsTotal.WithLabelValues(run.AgentSlug, string(run.TriggerKind), outcome(kind == domain.FailureNone, string(kind))).Inc()
}

// StateDefaultsFor: значения для лениво создаваемого состояния пары.
func StateDefaultsFor(impl registry.Agent) domain.StateDefaults {
	return domain.StateDefaults{
		Enabled:         registry.DefaultEnabled(impl),
		PermissionLevel: domain.DefaultPermission,
	}
}

// effectiveState: копия состояния с конфигом default_config + переопределения тенанта.
func effectiveState(impl registry.Agent, state *domain.TenantAgentState) *domain.TenantAgentState {
	view := *state
	base := impl.DefaultConfig()
	if base == nil {
		base = domain.Config{}
	}
	view.Config = base.Merge(state.Config)
	return &view
}

// runScope: ActionProposer одного запуска. Мьютекс сериализует Propose,
// поэтому действия сохраняются строго в порядке вызовов.
type runScope struct {
	mu     sync.Mutex
	closed bool

	exec  *RunExecutor
	run   domain.Run
	state *domain.TenantAgentState
}

func (s *runScope) Propose(ctx context.Context, actionType string, payload domain.Payload) (*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrRunClosed
	}
	if actionType == "" {
		return nil, errors.New("propose: empty action type")
	}
	if payload == nil {
		payload = domain.Payload{}
	}

	now := s.exec.now()
	a := &domain.Action{
		ID:               uuid.NewString(),
		RunID:            s.run.ID,
		TenantID:         s.run.TenantID,
		AgentSlug:        s.run.AgentSlug,
		ActionType:       actionType,
		Payload:          payload,
		Status:           domain.ActionPending,
		RequiresApproval: s.exec.gate.RequiresApproval(s.state, actionType, payload),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.exec.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("propose %s: %w", actionType, err)
	}
	s.exec.auditor.Log(audit.Event{
		Type:      audit.ActionProposed,
		TenantID:  a.TenantID,
		AgentSlug: a.AgentSlug,
		RunID:     a.RunID,
		ActionID:  a.ID,
		Status:    string(a.Status),
		Payload:   a.Payload,
	})
	return a, nil
}

func (s *runScope) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
