package policy

import (
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/risk"
)

// QuarantineChecker: агенты в карантине всегда идут через апрув.
// Реализуется FlagSet'ом из пакета engine.
type QuarantineChecker interface {
	IsFlagged(agentSlug string) bool
}

// Gate решает, требует ли новое действие подтверждения человеком.
// Решение фиксируется в Action.RequiresApproval в момент создания и больше не пересчитывается.
type Gate struct {
	quarantine QuarantineChecker
	analyzer   *risk.Analyzer
}

func NewGate(quarantine QuarantineChecker, analyzer *risk.Analyzer) *Gate {
	return &Gate{quarantine: quarantine, analyzer: analyzer}
}

// RequiresApproval: метод-интерпретатор политики. Неизвестный уровень
// трактуется как approve (Zero Trust).
func (g *Gate) RequiresApproval(state *domain.TenantAgentState, actionType string, payload domain.Payload) bool {
	if state == nil {
		return true
	}
	if g.quarantine != nil && g.quarantine.IsFlagged(state.AgentSlug) {
		return true
	}

	switch state.PermissionLevel {
	case domain.PermissionAuto:
		if g.analyzer != nil && g.analyzer.Escalates(state.Config.ApprovalRules(), actionType, payload) {
			return true
		}
		return false
	default:
		// approve, block и мусор: только через человека
		return true
	}
}
