package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// memStorage копит записанные пачки в памяти
type memStorage struct {
	mu      sync.Mutex
	batches [][]domain.ExecutionReport
}

func (s *memStorage) WriteBatch(ctx context.Context, reports []domain.ExecutionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]domain.ExecutionReport, len(reports))
	copy(batch, reports)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *memStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func mkReport(id string) domain.ExecutionReport {
	return domain.ExecutionReport{ID: id, CreatedAt: time.Now()}
}

func TestArchiveFlushesOnBatchSize(t *testing.T) {
	storage := &memStorage{}
	a := NewArchive(storage, zap.NewNop(), 3, time.Hour) // таймер заведомо молчит
	a.Start()
	defer a.Stop()

	a.Log(mkReport("r1"))
	a.Log(mkReport("r2"))
	a.Log(mkReport("r3"))

	deadline := time.After(time.Second)
	for storage.total() < 3 {
		select {
		case <-deadline:
			t.Fatalf("batch not flushed: stored %d", storage.total())
		case <-time.After(5 * time.Millisecond):
		}
	}

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.batches) != 1 || len(storage.batches[0]) != 3 {
		t.Errorf("expected single batch of 3, got %v batches", len(storage.batches))
	}
}

func TestArchiveDrainsOnStop(t *testing.T) {
	storage := &memStorage{}
	a := NewArchive(storage, zap.NewNop(), 100, time.Hour)
	a.Start()

	for i := 0; i < 7; i++ {
		a.Log(mkReport("r"))
	}
	a.Stop() // остатки буфера дописываются при остановке

	if got := storage.total(); got != 7 {
		t.Errorf("drained %d reports, want 7", got)
	}
}

func TestArchiveLogAfterStopIsNoop(t *testing.T) {
	storage := &memStorage{}
	a := NewArchive(storage, zap.NewNop(), 10, time.Hour)
	a.Start()
	a.Stop()

	// Не должно паниковать записью в закрытый канал
	a.Log(mkReport("late"))

	if got := storage.total(); got != 0 {
		t.Errorf("late report was written: %d", got)
	}
}

func TestArchiveStampsCreatedAt(t *testing.T) {
	storage := &memStorage{}
	a := NewArchive(storage, zap.NewNop(), 1, time.Hour)
	a.Start()

	a.Log(domain.ExecutionReport{ID: "r-nostamp"})
	a.Stop()

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.batches) == 0 || storage.batches[0][0].CreatedAt.IsZero() {
		t.Error("created_at not stamped on logging")
	}
}
