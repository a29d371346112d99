package registry

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

// ErrRollbackUnsupported возвращает обработчик, который не умеет откатывать свой эффект.
var ErrRollbackUnsupported = errors.New("rollback not supported")

// ActionProposer: то, чем агент создает действия внутри своего запуска.
// Действия сохраняются в порядке вызовов Propose.
type ActionProposer interface {
	Propose(ctx context.Context, actionType string, payload domain.Payload) (*domain.Action, error)
}

// Agent: контракт подключаемого агента.
// Run не должен сам выполнять побочные эффекты: только предлагать действия.
type Agent interface {
	Slug() string
	Name() string
	Description() string
	Kind() domain.AgentKind
	DefaultConfig() domain.Config
	SubscribedEvents() []string

	// CanRun: проверка возможностей реализации (ключи интеграций, флаги),
	// отличная от проверки расписания.
	CanRun(state *domain.TenantAgentState) bool
	Run(ctx context.Context, run *domain.Run, state *domain.TenantAgentState, actions ActionProposer) (summary string, err error)
}

// Scheduled обязателен для агентов вида background.
type Scheduled interface {
	NextRunAt(state *domain.TenantAgentState, from time.Time) time.Time
}

// DefaultEnabler опционально сообщает, включен ли агент у нового тенанта.
// Если не реализован, агент считается включенным по умолчанию.
type DefaultEnabler interface {
	DefaultEnabled() bool
}

// ActionHandler: исполнитель конкретного типа действия.
type ActionHandler interface {
	ActionType() string
	ValidatePayload(p domain.Payload) error
	Execute(ctx context.Context, a *domain.Action) (message string, err error)
	// Rollback возвращает ErrRollbackUnsupported, если откат невозможен.
	Rollback(ctx context.Context, a *domain.Action) error
}

// DefinitionStore: часть хранилища, нужная для синхронизации каталога.
type DefinitionStore interface {
	UpsertDefinition(ctx context.Context, def *domain.AgentDefinition) error
}
