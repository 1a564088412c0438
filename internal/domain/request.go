package domain

import "time"

// SecurityLevel определяет профиль строгости песочницы
type SecurityLevel string

const (
	LevelLow    SecurityLevel = "low"    // Минимальные ограничения, сеть открыта
	LevelMedium SecurityLevel = "medium" // Стандартный профиль по умолчанию
	LevelHigh   SecurityLevel = "high"   // Сеть закрыта, все capabilities сброшены
)

// ParseSecurityLevel разбирает строку уровня. Некорректное значение не
// валит запрос, а тихо деградирует в medium (поведение зафиксировано,
// чтобы внешний вызыватель с битым конфигом не остался без анализа).
func ParseSecurityLevel(s string) (SecurityLevel, bool) {
	switch SecurityLevel(s) {
	case LevelLow, LevelMedium, LevelHigh:
		return SecurityLevel(s), true
	}
	return LevelMedium, false
}

// IsolationMethod выбирает вариант бэкенда изоляции
type IsolationMethod string

const (
	MethodContainer IsolationMethod = "container" // Docker/Podman контейнер
	MethodProcess   IsolationMethod = "process"   // Ограниченный процесс (namespace + cgroup)
)

func ParseIsolationMethod(s string) (IsolationMethod, bool) {
	switch IsolationMethod(s) {
	case MethodContainer, MethodProcess:
		return IsolationMethod(s), true
	}
	return MethodContainer, false
}

// ResourceLimits — конкретные лимиты одной сессии. Выводятся из уровня
// безопасности, но каждое поле может быть перекрыто явно в запросе.
type ResourceLimits struct {
	MemoryBytes      int64         `json:"memory_bytes"`
	CPUPercent       int           `json:"cpu_percent"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	NetworkAccess    bool          `json:"network_access"`

	// RestrictedDomains — домены, закрытые даже при разрешенной сети.
	// Направление фильтрации (outbound/inbound) задается конфигом,
	// а не кодом.
	RestrictedDomains []string `json:"restricted_domains,omitempty"`
	InboundAllowed    bool     `json:"inbound_allowed"`
}

// ExecutionRequest — неизменяемое описание одного анализа.
// Создается один раз сервисным слоем и дальше только читается.
type ExecutionRequest struct {
	TargetPath string          `json:"target_path"`
	Level      SecurityLevel   `json:"security_level"`
	Method     IsolationMethod `json:"isolation_method"`
	Limits     ResourceLimits  `json:"limits"`

	// SessionID известен до запуска: вызыватель либо задает его сам,
	// либо получает сгенерированный от сервисного слоя. Только так
	// ручка отмены может целиться в еще живую сессию.
	SessionID string `json:"session_id"`
}
