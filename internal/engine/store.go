package engine

import (
	"context"
	"time"

	"github.com/xela07ax/storeops-agents/internal/audit"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store: персистентность движка. Реализации: repository/postgres, repository/sqlite.
// Отсутствие строки возвращается как domain.ErrNotFound.
type Store interface {
	registry.DefinitionStore
	audit.Storage

	Ping(ctx context.Context) error

	ListDefinitions(ctx context.Context) ([]domain.AgentDefinition, error)

	// GetOrCreateTenantState создает строку с defaults, если ее нет, и возвращает текущую.
	GetOrCreateTenantState(ctx context.Context, tenantID, agentSlug string, defaults domain.StateDefaults) (*domain.TenantAgentState, error)
	ListTenantStates(ctx context.Context, tenantID string) ([]domain.TenantAgentState, error)
	// UpdateTenantSettings меняет enabled, permission_level и config.
	UpdateTenantSettings(ctx context.Context, state *domain.TenantAgentState) error
	// ListDueTenantStates: включенные, не заблокированные пары с next_run_at IS NULL или <= now.
	ListDueTenantStates(ctx context.Context, now time.Time) ([]domain.TenantAgentState, error)
	// RecordRunTimes пишет last_run_at; nextRunAt == nil оставляет next_run_at как есть.
	RecordRunTimes(ctx context.Context, tenantID, agentSlug string, lastRunAt time.Time, nextRunAt *time.Time) error

	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	// ListRuns: новые сверху; agentSlug == "" означает все агенты тенанта.
	ListRuns(ctx context.Context, tenantID, agentSlug string, limit int) ([]domain.Run, error)

	CreateAction(ctx context.Context, a *domain.Action) error
	GetAction(ctx context.Context, id string) (*domain.Action, error)
	// TransitionAction: условный апдейт WHERE status = from и признак захвата совпадает с a.ClaimedAt.
	// Если строку уже перевели или захватили другие, возвращает domain.ErrAlreadyProcessed.
	TransitionAction(ctx context.Context, a *domain.Action, from domain.ActionStatus) error
	// ClaimAction ставит claimed_at WHERE status = from AND claimed_at IS NULL.
	// Проигравший получает domain.ErrAlreadyProcessed.
	ClaimAction(ctx context.Context, id string, from domain.ActionStatus, at time.Time) error
	// MarkActionRolledBack: WHERE rolled_back_at IS NULL, иначе domain.ErrAlreadyRolledBack.
	MarkActionRolledBack(ctx context.Context, id string, at time.Time) error
	// ListActionsByRun: в порядке создания.
	ListActionsByRun(ctx context.Context, runID string) ([]domain.Action, error)
	// ListActions: действия тенанта в статусе status, новые сверху.
	ListActions(ctx context.Context, tenantID string, status domain.ActionStatus, limit int) ([]domain.Action, error)
}

// ClampLimit приводит limit к диапазону (0, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
