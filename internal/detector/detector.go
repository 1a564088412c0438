package detector

import (
	"runtime"
	"strings"

	"github.com/xela07ax/saferun-engine/internal/domain"
)

// Config — пороги и веса скоринга. Загружаются один раз на процесс,
// в рантайме детектор только читает — поэтому Observe не нуждается
// в блокировках на hot path.
type Config struct {
	SuspiciousThreshold float64
	MaliciousThreshold  float64

	// EnabledBehaviors — включенные виды поведения; пусто = все
	EnabledBehaviors []string

	// BehaviorWeights перекрывают дефолтные веса по видам
	BehaviorWeights map[string]float64

	Signatures []domain.Signature

	// Platform переопределяет ОС для фильтра сигнатур (тестовый хук)
	Platform string
}

// defaultBehaviorWeights — вклад первого наблюдения каждого вида
var defaultBehaviorWeights = map[domain.BehaviorKind]float64{
	domain.BehaviorRegistryModification: 0.2,
	domain.BehaviorFileEncryption:       0.5,
	domain.BehaviorProcessInjection:     0.8,
	domain.BehaviorPersistence:          0.4,
	domain.BehaviorNetworkScanning:      0.3,
	domain.BehaviorAnomalousResources:   0.2,
}

// Detector — чистый детерминированный скоринг: одна и та же
// последовательность событий при одной конфигурации всегда дает
// байт-в-байт одинаковый вердикт.
type Detector struct {
	signatures []domain.Signature
	weights    map[domain.BehaviorKind]float64

	suspicious float64
	malicious  float64
	platform   string
}

// Фиксированная граница Critical по чистому скору; отдельный путь
// к Critical — conclusive-сигнатура при любом скоре.
const criticalBoundary = 0.9

func New(cfg Config) *Detector {
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 0.3
	}
	if cfg.MaliciousThreshold <= 0 {
		cfg.MaliciousThreshold = 0.7
	}

	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	if platform == "darwin" {
		platform = "macos"
	}

	weights := make(map[domain.BehaviorKind]float64)
	if len(cfg.EnabledBehaviors) == 0 {
		for kind, w := range defaultBehaviorWeights {
			weights[kind] = w
		}
	} else {
		for _, name := range cfg.EnabledBehaviors {
			kind := domain.BehaviorKind(name)
			if w, ok := defaultBehaviorWeights[kind]; ok {
				weights[kind] = w
			}
		}
	}
	for name, w := range cfg.BehaviorWeights {
		kind := domain.BehaviorKind(name)
		if _, enabled := weights[kind]; enabled && w > 0 {
			weights[kind] = w
		}
	}

	return &Detector{
		signatures: cfg.Signatures,
		weights:    weights,
		suspicious: cfg.SuspiciousThreshold,
		malicious:  cfg.MaliciousThreshold,
		platform:   platform,
	}
}

// Observe скорит одно событие поверх накопленного счета. Чистая
// функция: вход не мутируется, счет монотонно не убывает и всегда
// остается в [0,1]. Битое или незнакомое событие дает нулевой вклад —
// скоринг не умеет падать.
func (d *Detector) Observe(evt domain.MonitoredEvent, score domain.ThreatScore) domain.ThreatScore {
	next := score
	next.MatchedSignatures = append([]string(nil), score.MatchedSignatures...)
	next.BehaviorFlags = append([]domain.BehaviorKind(nil), score.BehaviorFlags...)

	// 1. Сигнатуры: каждая засчитывается максимум один раз за сессию,
	// чтобы флуд событиями не накручивал счет.
	for _, sig := range d.signatures {
		if next.HasSignature(sig.ID) || !d.platformMatches(sig) {
			continue
		}
		if !signatureMatches(sig, evt) {
			continue
		}
		next.Aggregate += SignatureWeight(sig)
		next.MatchedSignatures = append(next.MatchedSignatures, sig.ID)
		if sig.Conclusive {
			next.ConclusiveHit = true
		}
	}

	// 2. Поведенческие эвристики: вес вида добавляется на первом
	// наблюдении, повторы бесплатны.
	for _, kind := range classifyBehaviors(evt) {
		w, enabled := d.weights[kind]
		if !enabled || next.HasBehavior(kind) {
			continue
		}
		next.Aggregate += w
		next.BehaviorFlags = append(next.BehaviorFlags, kind)
	}

	if next.Aggregate > 1.0 {
		next.Aggregate = 1.0
	}
	return next
}

// Classify — чистая функция счета в категориальный вердикт.
// Нижние границы закрытые: счет ровно на пороге дает старшую категорию.
func (d *Detector) Classify(score domain.ThreatScore) domain.ThreatLevel {
	if score.ConclusiveHit {
		return domain.ThreatCritical
	}

	switch a := score.Aggregate; {
	case a >= criticalBoundary:
		return domain.ThreatCritical
	case a >= d.malicious:
		return domain.ThreatHigh
	case a >= d.suspicious:
		return domain.ThreatMedium
	case a >= d.suspicious/2:
		return domain.ThreatLow
	default:
		return domain.ThreatNone
	}
}

func (d *Detector) platformMatches(sig domain.Signature) bool {
	if len(sig.Platforms) == 0 {
		return true
	}
	for _, p := range sig.Platforms {
		p = strings.ToLower(p)
		if p == "all" || p == d.platform {
			return true
		}
	}
	return false
}

// signatureMatches ищет индикаторы как подстроки в значениях
// атрибутов события (регистронезависимо, как делал оригинал с
// JSON-дампом записи).
func signatureMatches(sig domain.Signature, evt domain.MonitoredEvent) bool {
	for _, value := range evt.Attributes {
		haystack := strings.ToLower(value)
		for _, indicator := range sig.Indicators {
			if indicator != "" && strings.Contains(haystack, strings.ToLower(indicator)) {
				return true
			}
		}
	}
	return false
}

// Маркеры persistence-локаций в путях и ключах
var persistenceMarkers = []string{
	`currentversion\run`,
	"crontab",
	"/etc/cron",
	"systemd/system",
	".config/autostart",
	`start menu\programs\startup`,
	"launchagents",
}

// Расширения, характерные для шифровальщиков
var encryptionSuffixes = []string{".encrypted", ".locked", ".enc", ".crypt"}

// classifyBehaviors относит событие к нулю и более видам поведения.
// Чистый разбор атрибутов, никакого состояния.
func classifyBehaviors(evt domain.MonitoredEvent) []domain.BehaviorKind {
	var kinds []domain.BehaviorKind

	switch evt.Category {
	case domain.CategoryRegistryOp:
		kinds = append(kinds, domain.BehaviorRegistryModification)
		if containsAnyMarker(evt, persistenceMarkers) {
			kinds = append(kinds, domain.BehaviorPersistence)
		}

	case domain.CategoryFileOp:
		path := strings.ToLower(evt.Attr("path"))
		for _, suffix := range encryptionSuffixes {
			if strings.HasSuffix(path, suffix) {
				kinds = append(kinds, domain.BehaviorFileEncryption)
				break
			}
		}
		if evt.Attr("operation") == "encrypt" && !hasKind(kinds, domain.BehaviorFileEncryption) {
			kinds = append(kinds, domain.BehaviorFileEncryption)
		}
		if containsAnyMarker(evt, persistenceMarkers) {
			kinds = append(kinds, domain.BehaviorPersistence)
		}

	case domain.CategoryProcessOp:
		if evt.Attr("operation") == "inject" || evt.Attr("target_pid") != "" {
			kinds = append(kinds, domain.BehaviorProcessInjection)
		}

	case domain.CategoryNetworkOp:
		if evt.Attr("operation") == "scan" {
			kinds = append(kinds, domain.BehaviorNetworkScanning)
		}

	case domain.CategoryResourceUsage:
		if evt.Attr("over_limit") == "true" {
			kinds = append(kinds, domain.BehaviorAnomalousResources)
		}
	}

	return kinds
}

func containsAnyMarker(evt domain.MonitoredEvent, markers []string) bool {
	for _, value := range evt.Attributes {
		v := strings.ToLower(value)
		for _, marker := range markers {
			if strings.Contains(v, marker) {
				return true
			}
		}
	}
	return false
}

func hasKind(kinds []domain.BehaviorKind, kind domain.BehaviorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
