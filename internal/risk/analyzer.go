package risk

import (
	"github.com/xela07ax/storeops-agents/internal/domain"
	"go.uber.org/zap"
)

type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("analyzer")}
}

// Escalates проверяет, нужно ли отправить действие на апрув (HITL),
// даже если тенант разрешил автоисполнение.
func (a *Analyzer) Escalates(rules []domain.ApprovalRule, actionType string, payload domain.Payload) bool {
	for _, rule := range rules {
		// Если в правиле не указано, какое поле проверять, пропускаем
		if rule.Field == "" {
			continue
		}
		if rule.ActionType != "" && rule.ActionType != actionType {
			continue
		}

		// Пытаемся достать рисковое поле (например, "discount_pct")
		val, ok := payload.Float(rule.Field)
		if !ok {
			continue
		}
		if val > rule.Threshold {
			a.logger.Warn("dynamic approval triggered",
				zap.String("action_type", actionType),
				zap.String("field", rule.Field),
				zap.Float64("value", val),
				zap.Float64("threshold", rule.Threshold),
			)
			return true // Порог превышен, включаем HITL
		}
	}
	return false
}
