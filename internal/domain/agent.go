package domain

import "time"

// AgentKind определяет, кто инициирует запуск агента.
type AgentKind string

const (
	KindBackground AgentKind = "background" // Запускается планировщиком по next_run_at
	KindEvent      AgentKind = "event"      // Реагирует на доменные события
	KindManual     AgentKind = "manual"     // Только ручной запуск
)

func (k AgentKind) Valid() bool {
	switch k {
	case KindBackground, KindEvent, KindManual:
		return true
	}
	return false
}

// PermissionLevel: политика тенанта для конкретного агента.
type PermissionLevel string

const (
	PermissionBlock   PermissionLevel = "block"   // Агенту запрещено запускаться
	PermissionApprove PermissionLevel = "approve" // Все действия ждут человека (HITL)
	PermissionAuto    PermissionLevel = "auto"    // Действия исполняются сразу
)

func (p PermissionLevel) Valid() bool {
	switch p {
	case PermissionBlock, PermissionApprove, PermissionAuto:
		return true
	}
	return false
}

// AgentDefinition: строка каталога, синхронизируется из реестра при старте.
type AgentDefinition struct {
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Kind           AgentKind `json:"kind"`
	DefaultEnabled bool      `json:"default_enabled"`
	DefaultConfig  Config    `json:"default_config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantAgentState: изменяемое состояние агента внутри одного тенанта.
// Создается лениво (get-or-create) при первом обращении.
type TenantAgentState struct {
	TenantID        string          `json:"tenant_id"`
	AgentSlug       string          `json:"agent_slug"`
	Enabled         bool            `json:"enabled"`
	PermissionLevel PermissionLevel `json:"permission_level"`
	Config          Config          `json:"config"` // Переопределения тенанта поверх default_config

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanRun: грубая проверка "можно ли вообще использовать агента у тенанта".
// Не путать с Agent.CanRun(state), который проверяет возможности самой реализации.
func (s *TenantAgentState) CanRun() bool {
	if s == nil {
		return false
	}
	return s.Enabled && s.PermissionLevel != PermissionBlock
}

// IsDue сообщает, пора ли планировщику запускать агента.
func (s *TenantAgentState) IsDue(now time.Time) bool {
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// Key: идентификатор пары тенант/агент, используется в результатах батча и локах.
func (s *TenantAgentState) Key() string {
	return PairKey(s.TenantID, s.AgentSlug)
}

func PairKey(tenantID, agentSlug string) string {
	return tenantID + ":" + agentSlug
}

// StateDefaults: значения для создаваемого TenantAgentState.
type StateDefaults struct {
	Enabled         bool
	PermissionLevel PermissionLevel
}

// DefaultPermission: новые агенты по умолчанию работают через подтверждение человеком.
const DefaultPermission = PermissionApprove
