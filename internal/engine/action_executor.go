package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

// ActionExecutor владеет жизненным циклом Action: политика апрува,
// вызов обработчика и фиксация исхода. Паники и ошибки обработчиков
// превращаются в ActionResult и не выходят за пределы исполнителя.
type ActionExecutor struct {
	store    Store
	registry *registry.Registry
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewActionExecutor(store Store, reg *registry.Registry, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *ActionExecutor {
	if auditor == nil {
		auditor = audit.Discard
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ActionExecutor{
		store:    store,
		registry: reg,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("action-executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute исполняет действие, если оно может быть исполнено.
// Действие, ожидающее апрува, не трогается: обработчик не вызывается, статус не меняется.
// Перед вызовом обработчика строка захватывается, поэтому обработчик срабатывает не больше одного раза.
func (e *ActionExecutor) Execute(ctx context.Context, a *domain.Action) domain.ActionResult {
	if a == nil {
		return domain.ActionFailure(domain.FailureNotFound, nil, "action not found")
	}
	if a.ClaimedAt != nil {
		return e.refuse("execute", a, busyMessage(a))
	}
	if !a.CanBeExecuted() {
		return e.refuse("execute", a, fmt.Sprintf("action cannot be executed: status %s, requires approval %t", a.Status, a.RequiresApproval))
	}

	if res, ok := e.claim(ctx, a); !ok {
		return res
	}

	log := e.actionLogger(a)
	handler, ok := e.registry.Action(a.ActionType)
	if !ok {
		return e.fail(ctx, a, domain.FailureNoHandler, fmt.Sprintf("no handler registered for action type %q", a.ActionType))
	}

	if err := e.validate(handler, a); err != nil {
		return e.fail(ctx, a, domain.FailureInvalidPayload, fmt.Sprintf("invalid payload: %v", err))
	}

	start := time.Now()
	message, err := e.invoke(ctx, handler, a)
	e.metrics.ActionDuration.WithLabelValues(a.ActionType).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := domain.FailureExecution
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.FailureTimeout
		}
		log.Error("action handler failed", zap.Error(err))
		return e.fail(ctx, a, kind, err.Error())
	}

	prev := a.Status
	if err := a.MarkExecuted(message, e.now()); err != nil {
		return e.refuse("execute", a, err.Error())
	}
	if err := e.store.TransitionAction(context.WithoutCancel(ctx), a, prev); err != nil {
		// Эффект уже случился, а запись исхода не прошла, это нужно видеть в логах
		log.Error("action executed but outcome not persisted", zap.Error(err))
		e.observe("execute", a.ActionType, domain.FailureStorage)
		return domain.ActionFailure(domain.FailureStorage, a, fmt.Sprintf("persist outcome: %v", err))
	}

	e.record(audit.ActionExecuted, a, "", message)
	e.observe("execute", a.ActionType, domain.FailureNone)
	return domain.ActionSucceeded(a, message)
}

// Approve фиксирует решение оператора. autoExecute == false оставляет действие в approved.
func (e *ActionExecutor) Approve(ctx context.Context, a *domain.Action, actor string, autoExecute bool) domain.ActionResult {
	if a == nil {
		return domain.ActionFailure(domain.FailureNotFound, nil, "action not found")
	}
	prev := a.Status
	if err := a.Approve(actor, e.now()); err != nil {
		return e.refuse("approve", a, busyMessage(a))
	}
	if res, ok := e.persistDecision(ctx, "approve", a, prev); !ok {
		return res
	}
	e.record(audit.ActionApproved, a, actor, "")
	e.observe("approve", a.ActionType, domain.FailureNone)

	if !autoExecute {
		return domain.ActionSucceeded(a, "approved")
	}
	return e.Execute(ctx, a)
}

func (e *ActionExecutor) Reject(ctx context.Context, a *domain.Action, actor string) domain.ActionResult {
	if a == nil {
		return domain.ActionFailure(domain.FailureNotFound, nil, "action not found")
	}
	prev := a.Status
	if err := a.Reject(actor, e.now()); err != nil {
		return e.refuse("reject", a, busyMessage(a))
	}
	if res, ok := e.persistDecision(ctx, "reject", a, prev); !ok {
		return res
	}
	e.record(audit.ActionRejected, a, actor, "")
	e.observe("reject", a.ActionType, domain.FailureNone)
	return domain.ActionSucceeded(a, "rejected")
}

// BulkApprove применяет Approve к каждому id. Уже обработанные действия
// получают отказ precondition, остальные обрабатываются независимо.
func (e *ActionExecutor) BulkApprove(ctx context.Context, ids []string, actor string, autoExecute bool) map[string]domain.ActionResult {
	return e.bulk(ctx, ids, func(a *domain.Action) domain.ActionResult {
		return e.Approve(ctx, a, actor, autoExecute)
	})
}

func (e *ActionExecutor) BulkReject(ctx context.Context, ids []string, actor string) map[string]domain.ActionResult {
	return e.bulk(ctx, ids, func(a *domain.Action) domain.ActionResult {
		return e.Reject(ctx, a, actor)
	})
}

func (e *ActionExecutor) bulk(ctx context.Context, ids []string, apply func(*domain.Action) domain.ActionResult) map[string]domain.ActionResult {
	results := make(map[string]domain.ActionResult, len(ids))
	for _, id := range ids {
		if _, done := results[id]; done {
			continue
		}
		a, err := e.store.GetAction(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			res := domain.ActionFailure(domain.FailureNotFound, nil, "action not found")
			res.ActionID = id
			results[id] = res
		case err != nil:
			res := domain.ActionFailure(domain.FailureStorage, nil, err.Error())
			res.ActionID = id
			results[id] = res
		default:
			results[id] = apply(a)
		}
	}
	return results
}

// Rollback вызывает откат обработчика. Статус действия не меняется,
// успешный откат только ставит rolled_back_at.
func (e *ActionExecutor) Rollback(ctx context.Context, a *domain.Action) domain.ActionResult {
	if a == nil {
		return domain.ActionFailure(domain.FailureNotFound, nil, "action not found")
	}
	log := e.actionLogger(a)

	handler, ok := e.registry.Action(a.ActionType)
	if !ok {
		e.observe("rollback", a.ActionType, domain.FailureNoHandler)
		return domain.ActionFailure(domain.FailureNoHandler, a, fmt.Sprintf("no handler registered for action type %q", a.ActionType))
	}
	if err := a.CanRollback(); err != nil {
		return e.refuse("rollback", a, err.Error())
	}

	if err := e.invokeRollback(ctx, handler, a); err != nil {
		if !errors.Is(err, registry.ErrRollbackUnsupported) {
			log.Error("rollback failed", zap.Error(err))
		}
		e.observe("rollback", a.ActionType, domain.FailureRollback)
		return domain.ActionFailure(domain.FailureRollback, a, err.Error())
	}

	at := e.now()
	if err := e.store.MarkActionRolledBack(context.WithoutCancel(ctx), a.ID, at); err != nil {
		log.Error("rollback succeeded but not persisted", zap.Error(err))
		e.observe("rollback", a.ActionType, domain.FailureStorage)
		return domain.ActionFailure(domain.FailureStorage, a, fmt.Sprintf("persist rollback: %v", err))
	}
	_ = a.MarkRolledBack(at)

	e.record(audit.ActionRolledBack, a, "", "")
	e.observe("rollback", a.ActionType, domain.FailureNone)
	return domain.ActionSucceeded(a, "rolled back")
}

// claim захватывает строку до вызова обработчика: из конкурирующих
// исполнителей и решений оператора проходит только один.
func (e *ActionExecutor) claim(ctx context.Context, a *domain.Action) (domain.ActionResult, bool) {
	at := e.now()
	err := e.store.ClaimAction(ctx, a.ID, a.Status, at)
	switch {
	case err == nil:
		if cerr := a.Claim(at); cerr != nil {
			return e.refuse("execute", a, cerr.Error()), false
		}
		return domain.ActionResult{}, true
	case errors.Is(err, domain.ErrNotFound):
		e.observe("execute", a.ActionType, domain.FailureNotFound)
		return domain.ActionFailure(domain.FailureNotFound, a, "action not found"), false
	case errors.Is(err, domain.ErrAlreadyProcessed):
		if fresh, gerr := e.store.GetAction(ctx, a.ID); gerr == nil {
			*a = *fresh
		}
		return e.refuse("execute", a, busyMessage(a)), false
	default:
		e.actionLogger(a).Error("failed to claim action", zap.Error(err))
		e.observe("execute", a.ActionType, domain.FailureStorage)
		return domain.ActionFailure(domain.FailureStorage, a, fmt.Sprintf("claim action: %v", err)), false
	}
}

func busyMessage(a *domain.Action) string {
	if a.ClaimedAt != nil && !a.Status.Terminal() {
		return "action is being executed"
	}
	return fmt.Sprintf("action is not pending: status %s", a.Status)
}

// persistDecision пишет решение условным апдейтом. Если кто-то успел раньше,
// перечитывает строку, чтобы вызывающий видел актуальный статус.
func (e *ActionExecutor) persistDecision(ctx context.Context, op string, a *domain.Action, prev domain.ActionStatus) (domain.ActionResult, bool) {
	err := e.store.TransitionAction(ctx, a, prev)
	if err == nil {
		return domain.ActionResult{}, true
	}
	if fresh, gerr := e.store.GetAction(ctx, a.ID); gerr == nil {
		*a = *fresh
	}
	if errors.Is(err, domain.ErrAlreadyProcessed) {
		return e.refuse(op, a, busyMessage(a)), false
	}
	e.actionLogger(a).Error("failed to persist decision", zap.String("op", op), zap.Error(err))
	e.observe(op, a.ActionType, domain.FailureStorage)
	return domain.ActionFailure(domain.FailureStorage, a, err.Error()), false
}

// fail переводит действие в failed и сохраняет исход.
func (e *ActionExecutor) fail(ctx context.Context, a *domain.Action, kind domain.FailureKind, message string) domain.ActionResult {
	prev := a.Status
	if err := a.MarkFailed(message, e.now()); err != nil {
		return e.refuse("execute", a, err.Error())
	}
	if err := e.store.TransitionAction(context.WithoutCancel(ctx), a, prev); err != nil {
		e.actionLogger(a).Error("failed to persist action failure", zap.String("reason", message), zap.Error(err))
	}
	e.record(audit.ActionFailed, a, "", message)
	e.observe("execute", a.ActionType, kind)
	return domain.ActionFailure(kind, a, message)
}

// refuse: отказ по предусловию, без изменения состояния.
func (e *ActionExecutor) refuse(op string, a *domain.Action, message string) domain.ActionResult {
	e.observe(op, a.ActionType, domain.FailurePrecondition)
	return domain.ActionFailure(domain.FailurePrecondition, a, message)
}

func (e *ActionExecutor) validate(h registry.ActionHandler, a *domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.actionLogger(a).Error("payload validation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("validation panic: %v", r)
		}
	}()
	return h.ValidatePayload(a.Payload)
}

func (e *ActionExecutor) invoke(ctx context.Context, h registry.ActionHandler, a *domain.Action) (message string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.actionLogger(a).Error("action handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, a)
}

func (e *ActionExecutor) invokeRollback(ctx context.Context, h registry.ActionHandler, a *domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.actionLogger(a).Error("rollback handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("rollback panic: %v", r)
		}
	}()
	return h.Rollback(ctx, a)
}

func (e *ActionExecutor) actionLogger(a *domain.Action) *zap.Logger {
	return e.logger.With(
		zap.String("action_id", a.ID),
		zap.String("action_type", a.ActionType),
		zap.String("tenant_id", a.TenantID),
		zap.String("run_id", a.RunID),
	)
}

func (e *ActionExecutor) record(eventType string, a *domain.Action, actor, message string) {
	e.auditor.Log(audit.Event{
		Type:      eventType,
		TenantID:  a.TenantID,
		AgentSlug: a.AgentSlug,
		RunID:     a.RunID,
		ActionID:  a.ID,
		Actor:     actor,
		Status:    string(a.Status),
		Message:   message,
		Payload:   a.Payload,
	})
}

func (e *ActionExecutor) observe(op, actionType string, kind domain.FailureKind) {
	e.metrics.ActionsTotal.WithLabelValues(actionType, op, outcome(kind == domain.FailureNone, string(kind))).Inc()
}
