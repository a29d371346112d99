package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "storeops"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents     = RedisNamespace + ":agents:blocked_set"
	RedisKeyQuarantinedAgents = RedisNamespace + ":agents:quarantine_set"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanQuarantine = RedisNamespace + ":agents:quarantine-signal"
	// RedisChanEvents: доменные события магазинов для DispatchEvent
	RedisChanEvents = RedisNamespace + ":events"
)

// RunLockKey: блокировка запуска пары (tenant, agent) между инстансами.
func RunLockKey(tenantID, agentSlug string) string {
	return fmt.Sprintf("%s:lock:run:%s:%s", RedisNamespace, tenantID, agentSlug)
}
