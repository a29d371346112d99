package domain

// ApprovalRule: динамический порог из конфига агента у тенанта:
// в режиме auto действие с полем выше порога все равно уходит на апрув.
// Пример: {"action_type": "price.update", "field": "discount_pct", "threshold": 30}
type ApprovalRule struct {
	ActionType string  `json:"action_type"`
	Field      string  `json:"field"`
	Threshold  float64 `json:"threshold"`
}

// ApprovalRulesKey: ключ в TenantAgentState.Config со списком правил.
const ApprovalRulesKey = "approval_rules"

// ApprovalRules достает правила из конфига. Битые правила игнорируются,
// как и в анализаторе рисков: некорректное условие не должно ломать запуск.
func (c Config) ApprovalRules() []ApprovalRule {
	raw, ok := c[ApprovalRulesKey]
	if !ok {
		return nil
	}
	var rules []ApprovalRule
	if err := decodeMap(map[string]any{"r": raw}, &struct {
		R *[]ApprovalRule `json:"r"`
	}{R: &rules}); err != nil {
		return nil
	}
	return rules
}
