package domain

import "time"

// EventCategory — тип наблюдаемого действия цели
type EventCategory string

const (
	CategoryProcessOp     EventCategory = "process_op"
	CategoryFileOp        EventCategory = "file_op"
	CategoryNetworkOp     EventCategory = "network_op"
	CategoryRegistryOp    EventCategory = "registry_op"
	CategoryResourceUsage EventCategory = "resource_usage"
)

// CollectorPriority задает порядок слияния одновременных событий от
// разных коллекторов. Меньше — раньше. Фиксированный порядок делает
// скоринг детерминированным при равных таймстемпах.
func (c EventCategory) CollectorPriority() int {
	switch c {
	case CategoryProcessOp:
		return 0
	case CategoryFileOp:
		return 1
	case CategoryNetworkOp:
		return 2
	case CategoryRegistryOp:
		return 3
	case CategoryResourceUsage:
		return 4
	}
	return 5
}

// MonitoredEvent — одно наблюдаемое действие. Append-only: после
// создания никогда не мутируется, принадлежит ровно одной сессии.
type MonitoredEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Category   EventCategory     `json:"category"`
	Attributes map[string]string `json:"attributes"`
}

// Attr достает атрибут без паники на nil-мапе
func (e MonitoredEvent) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// ResourceUsageSample — точечный замер потребления ресурсов цели,
// который лимитер сравнивает с лимитами сессии.
type ResourceUsageSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes int64     `json:"memory_bytes"`
}
