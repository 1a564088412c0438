package isolation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// Backend — единый контракт вариантов изоляции. Оркестратор выбирает
// вариант как стратегию на запрос и дальше не знает, контейнер это
// или ограниченный процесс.
type Backend interface {
	Method() domain.IsolationMethod

	// Available — быстрая проверка, что нативный механизм жив
	Available(ctx context.Context) bool

	// Prepare создает изолированную среду, преднастроенную лимитами.
	// Ошибки: ErrBackendUnavailable, ErrResourceAllocation.
	Prepare(ctx context.Context, limits domain.ResourceLimits) (*Handle, error)

	// Launch запускает цель внутри среды. Ошибка: ErrLaunchFailed.
	// Ожидание выхода цели — через Handle.Done().
	Launch(ctx context.Context, h *Handle, targetPath string) error

	// CollectStats — точечный замер потребления среды
	CollectStats(ctx context.Context, h *Handle) (domain.ResourceUsageSample, error)

	// EnforceKill принудительно убивает всё внутри среды.
	// Идемпотентен: повторный вызов и вызов на мертвой среде безопасны.
	EnforceKill(ctx context.Context, h *Handle) error

	// Teardown освобождает ресурсы среды. Идемпотентен.
	Teardown(ctx context.Context, h *Handle) error
}

// WaitResult — результат ожидания выхода цели
type WaitResult struct {
	ExitCode int
	Err      error
}

// Handle — непрозрачная ручка одной подготовленной среды. Поля вариантов
// заполняются только своим бэкендом; оркестратор видит лишь ID и Done().
type Handle struct {
	ID     string
	Method domain.IsolationMethod
	Limits domain.ResourceLimits

	// Контейнерный вариант
	ContainerID string

	// Процессный вариант
	PID     int
	WorkDir string

	mu       sync.Mutex
	killed   bool
	released bool
	waitCh   chan WaitResult
}

// NewHandle выделяет ручку с каналом ожидания. Вызывается реализацией
// Backend в Prepare; поля варианта она дозаполняет сама.
func NewHandle(method domain.IsolationMethod, limits domain.ResourceLimits) *Handle {
	return &Handle{
		ID:     uuid.New().String(),
		Method: method,
		Limits: limits,
		waitCh: make(chan WaitResult, 1),
	}
}

// Done возвращает канал, в который бэкенд один раз положит результат
// выхода цели. До Launch канал молчит.
func (h *Handle) Done() <-chan WaitResult {
	return h.waitCh
}

// Complete фиксирует результат выхода цели. Бэкенд вызывает его ровно
// один раз после Launch.
func (h *Handle) Complete(res WaitResult) {
	h.waitCh <- res
}

// markKilled взводит флаг и сообщает, первый ли это kill
func (h *Handle) markKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return false
	}
	h.killed = true
	return true
}

func (h *Handle) markReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

// Selector выбирает бэкенд под запрос. Контейнерный вариант с
// недоступным рантаймом деградирует в процессный (как делал оригинал),
// факт фоллбэка отдается вызывателю для отчета.
type Selector struct {
	container Backend // nil, если рантайм не обнаружен на старте
	process   Backend
	logger    *zap.Logger
}

func NewSelector(container, process Backend, logger *zap.Logger) *Selector {
	return &Selector{
		container: container,
		process:   process,
		logger:    logger.With(zap.String("mod", "isolation")),
	}
}

// Select возвращает бэкенд и признак фоллбэка.
func (s *Selector) Select(ctx context.Context, method domain.IsolationMethod) (Backend, bool, error) {
	if method == domain.MethodContainer {
		if s.container != nil && s.container.Available(ctx) {
			return s.container, false, nil
		}
		s.logger.Warn("container isolation not available, trying process isolation")
		if s.process != nil && s.process.Available(ctx) {
			return s.process, true, nil
		}
		return nil, false, ErrBackendUnavailable
	}

	if s.process != nil && s.process.Available(ctx) {
		return s.process, false, nil
	}
	return nil, false, ErrBackendUnavailable
}
