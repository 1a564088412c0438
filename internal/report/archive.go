package report

/*
Файл archive.go реализует архиватор отчетов — конвейер персистентности
вердиктов анализа.

Ключевые особенности архитектуры:
- Non-blocking Logging: запись отчета не задерживает ответ вызывателю
  submission API; события уходят через неблокирующий канал.
- Batching & Efficiency: накопление отчетов в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке сервиса буфер
  вычитывается полностью (Final Flush), отчеты не теряются.
- Reliability: сбой базы изолирован в воркере и не влияет на выдачу
  вердиктов; архив — вспомогательный контур.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются отчеты
type StorageInterface interface {
	// WriteBatch сохраняет пачку отчетов за один раз
	WriteBatch(ctx context.Context, reports []domain.ExecutionReport) error
}

type Archive struct {
	ch     chan domain.ExecutionReport
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	bufferGauge   prometheus.Gauge // может быть nil

	// Атомарный флаг (0 - открыт, 1 - закрыт): Log после Stop — no-op
	isClosed int32
}

func NewArchive(repo StorageInterface, logger *zap.Logger, batchSize int, flushInterval time.Duration) *Archive {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Archive{
		ch:            make(chan domain.ExecutionReport, 1000),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "archive")),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// SetBufferGauge подключает метрику заполненности буфера
func (a *Archive) SetBufferGauge(g prometheus.Gauge) { a.bufferGauge = g }

func (a *Archive) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (a *Archive) Stop() {
	// 1. Сначала ставим флаг
	atomic.StoreInt32(&a.isClosed, 1)

	// 2. Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Drain Pattern: завершение воркера — только через закрытие
	// входного канала, после вычитки остатков.
	a.logger.Info("stopping archive: closing channel and flushing buffer...")
	close(a.ch)
	a.wg.Wait()
	a.logger.Info("archive stopped gracefully")
}

// Log ставит отчет в очередь на архивацию
func (a *Archive) Log(r domain.ExecutionReport) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&a.isClosed) == 1 {
		a.logger.Warn("report dropped: archive is stopping", zap.String("id", r.ID))
		return
	}

	// Стратегия Load Shedding: архив не смеет тормозить вердикты
	select {
	case a.ch <- r:
		if a.bufferGauge != nil {
			a.bufferGauge.Set(float64(len(a.ch)))
		}
	default:
		a.logger.Error("archive_buffer_overflow",
			zap.String("report_id", r.ID),
			zap.String("session_id", r.Summary.SessionID),
		)
	}
}

func (a *Archive) worker() {
	defer a.wg.Done()

	batch := make([]domain.ExecutionReport, 0, a.batchSize)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
			a.logger.Error("archive flush failed", zap.Error(err), zap.Int("batch", len(batch)))
		}
		batch = batch[:0]
		if a.bufferGauge != nil {
			a.bufferGauge.Set(float64(len(a.ch)))
		}
	}

	for {
		select {
		case r, ok := <-a.ch:
			if !ok {
				// Канал закрыт в Stop(): воркер сначала вычитал
				// остатки очереди, теперь финальный сброс и выход.
				flush()
				a.logger.Info("archive worker finished")
				return
			}
			batch = append(batch, r)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
