package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

func TestAnalyzer_Escalates(t *testing.T) {
	a := NewAnalyzer(zap.NewNop())
	rules := []domain.ApprovalRule{
		{Field: ""}, // битое правило пропускается
		{ActionType: "price.update", Field: "discount_pct", Threshold: 30},
		{Field: "amount", Threshold: 1000}, // без типа: для всех действий
	}

	assert.False(t, a.Escalates(nil, "price.update", domain.Payload{"discount_pct": 99.0}))
	assert.False(t, a.Escalates(rules, "price.update", domain.Payload{"discount_pct": 30.0}))
	assert.True(t, a.Escalates(rules, "price.update", domain.Payload{"discount_pct": 30.5}))
	assert.False(t, a.Escalates(rules, "price.update", domain.Payload{"discount_pct": "lots"}))
	assert.True(t, a.Escalates(rules, "refund.issue", domain.Payload{"amount": 1500}))
	assert.False(t, a.Escalates(rules, "refund.issue", domain.Payload{"discount_pct": 99.0}))
}
