package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "saferun"
)

// Ключи для Sets и кэшей (состояние)
const (
	RedisKeyBlacklistSet  = RedisNamespace + ":apps:blacklist_set"
	RedisKeyLockBlacklist = RedisNamespace + ":lock:warmup:blacklist"
	RedisKeyVerdictPrefix = RedisNamespace + ":verdicts:" // + sha256 файла
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBlacklist — трансляция изменений блэклиста приложений
	// в реальном времени на все инстансы движка.
	RedisChanBlacklist = RedisNamespace + ":apps:blacklist-signal"

	// RedisChanSessionCancel — внешняя отмена сессии. Любой инстанс
	// публикует, владелец сессии выполняет kill + teardown.
	RedisChanSessionCancel = RedisNamespace + ":sessions:cancel-signal"
)

// VerdictKey строит ключ кэша вердиктов по хэшу файла
func VerdictKey(fileHash string) string {
	return RedisKeyVerdictPrefix + fileHash
}

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
