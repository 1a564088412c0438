package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// Collector — один платформенный наблюдатель. Возвращает только
// новые с прошлого опроса события; ошибки сбора коллектор глотает
// сам (цель могла уже умереть — это не сбой монитора).
type Collector interface {
	Collect(ctx context.Context) []domain.MonitoredEvent
}

// ActivityMonitor — ленивый конечный поток событий одной сессии.
// Не перезапускаем: новая сессия — новый монитор. События отдаются
// в неубывающем порядке таймстемпов; одновременные события разных
// коллекторов сливаются по фиксированному приоритету категорий,
// чтобы скоринг оставался детерминированным.
type ActivityMonitor struct {
	logger     *zap.Logger
	interval   time.Duration
	collectors []Collector

	mu       sync.Mutex
	injected []domain.MonitoredEvent

	out      chan domain.MonitoredEvent
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

func New(logger *zap.Logger, interval time.Duration, collectors ...Collector) *ActivityMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ActivityMonitor{
		logger:     logger.With(zap.String("mod", "monitor")),
		interval:   interval,
		collectors: collectors,
		out:        make(chan domain.MonitoredEvent, 256),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Events — поток для потребителя (оркестратор → детектор).
// Закрывается после Stop, когда остатки вычитаны.
func (m *ActivityMonitor) Events() <-chan domain.MonitoredEvent {
	return m.out
}

// Publish принимает событие от внешнего продюсера (лимитер шлет сюда
// свои ResourceUsage-замеры). Оно встанет в общий порядок слияния
// на ближайшем тике.
func (m *ActivityMonitor) Publish(evt domain.MonitoredEvent) {
	m.mu.Lock()
	m.injected = append(m.injected, evt)
	m.mu.Unlock()
}

// Run крутит цикл опроса до Stop или отмены контекста.
// Запускается ровно один раз на сессию.
func (m *ActivityMonitor) Run(ctx context.Context) {
	defer close(m.done)
	defer close(m.out)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.sweep(ctx)
			return
		case <-m.stopping:
			// Финальный проход: добираем хвост активности перед закрытием
			m.sweep(ctx)
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop завершает поток и дожидается, пока воркер закроет канал
func (m *ActivityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopping) })
	<-m.done
}

// sweep — один цикл слияния: опрашиваем коллекторы, забираем
// инжектированные события, сортируем пачку и отдаем потребителю.
func (m *ActivityMonitor) sweep(ctx context.Context) {
	var batch []domain.MonitoredEvent

	m.mu.Lock()
	if len(m.injected) > 0 {
		batch = append(batch, m.injected...)
		m.injected = m.injected[:0]
	}
	m.mu.Unlock()

	for _, c := range m.collectors {
		batch = append(batch, c.Collect(ctx)...)
	}

	if len(batch) == 0 {
		return
	}

	sortBatch(batch)

	for _, evt := range batch {
		m.out <- evt
	}
}

// sortBatch упорядочивает пачку: таймстемп, затем приоритет коллектора
func sortBatch(events []domain.MonitoredEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Category.CollectorPriority() < events[j].Category.CollectorPriority()
	})
}
