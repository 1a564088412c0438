package domain

// ThreatLevel — категориальный вердикт, чистая функция от ThreatScore
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatNone:
		return "none"
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	}
	return "unknown"
}

// MarshalText позволяет сериализовать уровень в JSON/YAML строкой
func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ThreatLevel) UnmarshalText(data []byte) error {
	switch string(data) {
	case "low":
		*l = ThreatLow
	case "medium":
		*l = ThreatMedium
	case "high":
		*l = ThreatHigh
	case "critical":
		*l = ThreatCritical
	default:
		*l = ThreatNone
	}
	return nil
}

// BehaviorKind — именованный вид подозрительного поведения.
// Набор фиксирован; включение/выключение и веса задаются конфигом.
type BehaviorKind string

const (
	BehaviorRegistryModification BehaviorKind = "registry_modification"
	BehaviorFileEncryption       BehaviorKind = "file_encryption"
	BehaviorProcessInjection     BehaviorKind = "process_injection"
	BehaviorPersistence          BehaviorKind = "persistence_mechanism"
	BehaviorNetworkScanning      BehaviorKind = "network_scanning"
	BehaviorAnomalousResources   BehaviorKind = "anomalous_resource_usage"
)

// Signature — известный плохой паттерн, матчится по атрибутам событий.
// Загружается как внешние данные и в рантайме только читается.
type Signature struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Indicators  []string `json:"indicators" yaml:"indicators"`

	// Severity — человекочитаемая тяжесть (low/medium/high/critical).
	// Weight выводится из нее, если не задан явно.
	Severity string  `json:"severity" yaml:"severity"`
	Weight   float64 `json:"weight,omitempty" yaml:"weight"`

	// Conclusive — сигнатура-приговор: один матч эскалирует вердикт
	// до Critical независимо от суммарного скора.
	Conclusive bool `json:"conclusive,omitempty" yaml:"conclusive"`

	Category  string   `json:"category,omitempty" yaml:"category"`
	Platforms []string `json:"platforms,omitempty" yaml:"platforms"`
}

// ThreatScore — накопительный вердикт сессии.
// Aggregate монотонно не убывает и всегда лежит в [0,1].
type ThreatScore struct {
	Aggregate float64 `json:"aggregate"`

	// MatchedSignatures — ID сигнатур в порядке первого срабатывания.
	// Повторные матчи той же сигнатуры вклад не добавляют.
	MatchedSignatures []string `json:"matched_signatures,omitempty"`

	// BehaviorFlags — виды поведения в порядке первого наблюдения
	BehaviorFlags []BehaviorKind `json:"behavior_flags,omitempty"`

	// ConclusiveHit взводится при матче хотя бы одной conclusive-сигнатуры
	ConclusiveHit bool `json:"conclusive_hit,omitempty"`
}

// HasSignature проверяет, засчитана ли сигнатура ранее
func (s ThreatScore) HasSignature(id string) bool {
	for _, m := range s.MatchedSignatures {
		if m == id {
			return true
		}
	}
	return false
}

// HasBehavior проверяет, наблюдался ли вид поведения ранее
func (s ThreatScore) HasBehavior(kind BehaviorKind) bool {
	for _, b := range s.BehaviorFlags {
		if b == kind {
			return true
		}
	}
	return false
}
