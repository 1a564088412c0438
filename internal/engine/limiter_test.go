package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// eventSink собирает опубликованные события потокобезопасно
type eventSink struct {
	mu     sync.Mutex
	events []domain.MonitoredEvent
}

func (s *eventSink) publish(e domain.MonitoredEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitBreach(t *testing.T, ch <-chan Breach, d time.Duration) Breach {
	t.Helper()
	select {
	case br := <-ch:
		return br
	case <-time.After(d):
		t.Fatal("no breach arrived in time")
		return Breach{}
	}
}

func TestLimiterGraceWindowBreach(t *testing.T) {
	limits := domain.ResourceLimits{
		MemoryBytes:      100,
		CPUPercent:       50,
		ExecutionTimeout: 10 * time.Second,
	}
	sink := &eventSink{}
	breaches := make(chan Breach, 4)

	// Каждый замер выше лимита памяти
	sample := func(ctx context.Context) (domain.ResourceUsageSample, error) {
		return domain.ResourceUsageSample{Timestamp: time.Now(), MemoryBytes: 200}, nil
	}

	l := NewResourceLimiter(limits, 5*time.Millisecond, 3, sample, sink.publish, breaches, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	br := waitBreach(t, breaches, time.Second)
	if br.Kind != BreachHardResource {
		t.Errorf("breach kind = %s, want %s", br.Kind, BreachHardResource)
	}

	// Три превышения подряд — три ResourceUsage-события в монитор
	if got := sink.len(); got != 3 {
		t.Errorf("published %d over-limit events, want 3", got)
	}
	for _, e := range sink.events {
		if e.Category != domain.CategoryResourceUsage {
			t.Errorf("event category = %s, want %s", e.Category, domain.CategoryResourceUsage)
		}
		if e.Attr("over_limit") != "true" {
			t.Errorf("over_limit attr = %q, want true", e.Attr("over_limit"))
		}
	}
}

func TestLimiterSingleSpikeIsNotABreach(t *testing.T) {
	limits := domain.ResourceLimits{
		MemoryBytes:      100,
		ExecutionTimeout: 10 * time.Second,
	}
	sink := &eventSink{}
	breaches := make(chan Breach, 4)

	// Превышение на каждом третьем замере: серия никогда не набирается
	n := 0
	var mu sync.Mutex
	sample := func(ctx context.Context) (domain.ResourceUsageSample, error) {
		mu.Lock()
		n++
		over := n%3 == 0
		mu.Unlock()
		s := domain.ResourceUsageSample{Timestamp: time.Now(), MemoryBytes: 50}
		if over {
			s.MemoryBytes = 200
		}
		return s, nil
	}

	l := NewResourceLimiter(limits, 2*time.Millisecond, 3, sample, sink.publish, breaches, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	select {
	case br := <-breaches:
		t.Errorf("unexpected breach %s: %s", br.Kind, br.Reason)
	default:
	}

	// Разовые превышения при этом видны в потоке событий
	if sink.len() == 0 {
		t.Error("over-limit spikes were not published")
	}
}

func TestLimiterWallClockTimeout(t *testing.T) {
	limits := domain.ResourceLimits{
		MemoryBytes:      1 << 30,
		ExecutionTimeout: 20 * time.Millisecond,
	}
	breaches := make(chan Breach, 4)

	sample := func(ctx context.Context) (domain.ResourceUsageSample, error) {
		return domain.ResourceUsageSample{Timestamp: time.Now(), MemoryBytes: 10}, nil
	}

	l := NewResourceLimiter(limits, 5*time.Millisecond, 3, sample, func(domain.MonitoredEvent) {}, breaches, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	br := waitBreach(t, breaches, time.Second)
	if br.Kind != BreachTimeout {
		t.Errorf("breach kind = %s, want %s", br.Kind, BreachTimeout)
	}
}

func TestLimiterZeroTimeoutMeansNoDeadline(t *testing.T) {
	// Запрос без дедлайна: нулевой таймаут не должен стрелять сразу
	limits := domain.ResourceLimits{
		MemoryBytes: 1 << 30,
	}
	breaches := make(chan Breach, 4)

	sample := func(ctx context.Context) (domain.ResourceUsageSample, error) {
		return domain.ResourceUsageSample{Timestamp: time.Now(), MemoryBytes: 10}, nil
	}

	l := NewResourceLimiter(limits, 2*time.Millisecond, 3, sample, func(domain.MonitoredEvent) {}, breaches, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	select {
	case br := <-breaches:
		t.Errorf("zero timeout produced breach %s: %s", br.Kind, br.Reason)
	default:
	}
}

func TestLimiterSampleErrorsAreSkipped(t *testing.T) {
	limits := domain.ResourceLimits{
		MemoryBytes:      100,
		ExecutionTimeout: 10 * time.Second,
	}
	breaches := make(chan Breach, 4)

	// Цель уже вышла: каждый замер падает — это не нарушение
	sample := func(ctx context.Context) (domain.ResourceUsageSample, error) {
		return domain.ResourceUsageSample{}, context.DeadlineExceeded
	}

	l := NewResourceLimiter(limits, 2*time.Millisecond, 3, sample, func(domain.MonitoredEvent) {}, breaches, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	select {
	case br := <-breaches:
		t.Errorf("failing sampler produced breach %s", br.Kind)
	default:
	}
}
