package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// BreachKind классифицирует сигнал нарушения
type BreachKind string

const (
	BreachTimeout      BreachKind = "timeout"
	BreachHardResource BreachKind = "hard_resource"
	BreachBlacklist    BreachKind = "blacklist"
	BreachCancelled    BreachKind = "cancelled"
)

// Breach — сигнал лимитера/скоринга оркестратору. Маппинг в
// терминальное состояние делает только оркестратор.
type Breach struct {
	Kind   BreachKind
	Reason string
}

// SampleFunc — точечный замер потребления среды (Backend.CollectStats,
// пришитый к ручке сессии).
type SampleFunc func(ctx context.Context) (domain.ResourceUsageSample, error)

// ResourceLimiter превращает ResourceLimits в непрерывное принуждение:
// периодический сэмплер против CollectStats плюс wall-clock дедлайн.
// Разовое превышение дает ResourceUsage-событие в монитор, но не брич;
// брич — это grace-окно подряд превышенных замеров.
type ResourceLimiter struct {
	limits   domain.ResourceLimits
	interval time.Duration
	grace    int

	sample   SampleFunc
	publish  func(domain.MonitoredEvent) // вливает замеры в общий поток событий
	breaches chan<- Breach
	logger   *zap.Logger
}

func NewResourceLimiter(
	limits domain.ResourceLimits,
	interval time.Duration,
	grace int,
	sample SampleFunc,
	publish func(domain.MonitoredEvent),
	breaches chan<- Breach,
	logger *zap.Logger,
) *ResourceLimiter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if grace <= 0 {
		grace = 3
	}
	return &ResourceLimiter{
		limits:   limits,
		interval: interval,
		grace:    grace,
		sample:   sample,
		publish:  publish,
		breaches: breaches,
		logger:   logger.With(zap.String("mod", "limiter")),
	}
}

// Run крутит сэмплер до брича, дедлайна или отмены контекста.
// Неположительный таймаут означает «без дедлайна»: сессию тогда
// ограничивают только ресурсные лимиты и контекст вызывателя.
func (l *ResourceLimiter) Run(ctx context.Context) {
	var deadlineC <-chan time.Time
	if l.limits.ExecutionTimeout > 0 {
		deadline := time.NewTimer(l.limits.ExecutionTimeout)
		defer deadline.Stop()
		deadlineC = deadline.C
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	overStreak := 0

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadlineC:
			l.emit(ctx, Breach{
				Kind:   BreachTimeout,
				Reason: fmt.Sprintf("execution exceeded %s", l.limits.ExecutionTimeout),
			})
			return

		case <-ticker.C:
			s, err := l.sample(ctx)
			if err != nil {
				// Цель могла уже выйти — это не нарушение
				continue
			}

			over, reason := l.overLimit(s)
			if !over {
				overStreak = 0
				continue
			}

			overStreak++
			l.publish(usageEvent(s, reason))

			if overStreak >= l.grace {
				l.emit(ctx, Breach{Kind: BreachHardResource, Reason: reason})
				return
			}
		}
	}
}

func (l *ResourceLimiter) overLimit(s domain.ResourceUsageSample) (bool, string) {
	if l.limits.MemoryBytes > 0 && s.MemoryBytes > l.limits.MemoryBytes {
		return true, fmt.Sprintf("memory %d bytes over limit %d", s.MemoryBytes, l.limits.MemoryBytes)
	}
	if l.limits.CPUPercent > 0 && s.CPUPercent > float64(l.limits.CPUPercent) {
		return true, fmt.Sprintf("cpu %.1f%% over limit %d%%", s.CPUPercent, l.limits.CPUPercent)
	}
	return false, ""
}

func (l *ResourceLimiter) emit(ctx context.Context, br Breach) {
	select {
	case l.breaches <- br:
		l.logger.Warn("limit breach", zap.String("kind", string(br.Kind)), zap.String("reason", br.Reason))
	case <-ctx.Done():
	}
}

func usageEvent(s domain.ResourceUsageSample, reason string) domain.MonitoredEvent {
	return domain.MonitoredEvent{
		Timestamp: s.Timestamp,
		Category:  domain.CategoryResourceUsage,
		Attributes: map[string]string{
			"cpu_percent":  fmt.Sprintf("%.2f", s.CPUPercent),
			"memory_bytes": fmt.Sprintf("%d", s.MemoryBytes),
			"over_limit":   "true",
			"detail":       reason,
		},
	}
}
