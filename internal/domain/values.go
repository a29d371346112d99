package domain

import (
	"encoding/json"
	"fmt"
)

// Config: непрозрачная конфигурация агента (default_config + переопределения тенанта).
type Config map[string]any

// Merge возвращает новую карту: значения override перекрывают базовые.
func (c Config) Merge(override Config) Config {
	out := make(Config, len(c)+len(override))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (c Config) String(key, fallback string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (c Config) Float(key string, fallback float64) float64 {
	if v, ok := toFloat(c[key]); ok {
		return v
	}
	return fallback
}

// Decode раскладывает конфиг в типизированную структуру через JSON.
func (c Config) Decode(dst any) error {
	return decodeMap(c, dst)
}

// Payload: данные предлагаемого действия. Валидируется поздно,
// на границе обработчика (ValidatePayload), а не при десериализации.
type Payload map[string]any

func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Float достает числовое поле. В JSON числа всегда приходят как float64,
// но агенты внутри процесса могут положить int.
func (p Payload) Float(key string) (float64, bool) {
	return toFloat(p[key])
}

func (p Payload) Decode(dst any) error {
	return decodeMap(p, dst)
}

// NewPayload собирает Payload из типизированной структуры.
func NewPayload(src any) (Payload, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payload: unmarshal: %w", err)
	}
	return p, nil
}

func decodeMap(m map[string]any, dst any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("decode: marshal: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
