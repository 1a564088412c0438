package isolation

import (
	"context"
	"os"
	"testing"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// stubBackend с управляемой доступностью для проверки выбора
type stubBackend struct {
	method    domain.IsolationMethod
	available bool
}

func (s *stubBackend) Method() domain.IsolationMethod { return s.method }

func (s *stubBackend) Available(ctx context.Context) bool { return s.available }

func (s *stubBackend) Prepare(ctx context.Context, limits domain.ResourceLimits) (*Handle, error) {
	return NewHandle(s.method, limits), nil
}

func (s *stubBackend) Launch(ctx context.Context, h *Handle, targetPath string) error { return nil }

func (s *stubBackend) CollectStats(ctx context.Context, h *Handle) (domain.ResourceUsageSample, error) {
	return domain.ResourceUsageSample{}, nil
}

func (s *stubBackend) EnforceKill(ctx context.Context, h *Handle) error { return nil }

func (s *stubBackend) Teardown(ctx context.Context, h *Handle) error { return nil }

func TestSelectorFallback(t *testing.T) {
	ctx := context.Background()
	container := &stubBackend{method: domain.MethodContainer, available: true}
	process := &stubBackend{method: domain.MethodProcess, available: true}

	t.Run("container available", func(t *testing.T) {
		s := NewSelector(container, process, zap.NewNop())
		b, fellBack, err := s.Select(ctx, domain.MethodContainer)
		if err != nil || fellBack {
			t.Fatalf("err=%v fellBack=%v", err, fellBack)
		}
		if b.Method() != domain.MethodContainer {
			t.Errorf("selected %s", b.Method())
		}
	})

	t.Run("container down falls back to process", func(t *testing.T) {
		down := &stubBackend{method: domain.MethodContainer, available: false}
		s := NewSelector(down, process, zap.NewNop())
		b, fellBack, err := s.Select(ctx, domain.MethodContainer)
		if err != nil {
			t.Fatal(err)
		}
		if !fellBack {
			t.Error("fallback not reported")
		}
		if b.Method() != domain.MethodProcess {
			t.Errorf("selected %s, want process", b.Method())
		}
	})

	t.Run("no runtime at all falls back to process", func(t *testing.T) {
		s := NewSelector(nil, process, zap.NewNop())
		b, fellBack, err := s.Select(ctx, domain.MethodContainer)
		if err != nil {
			t.Fatal(err)
		}
		if !fellBack || b.Method() != domain.MethodProcess {
			t.Errorf("fellBack=%v method=%s", fellBack, b.Method())
		}
	})

	t.Run("explicit process request does not fall back", func(t *testing.T) {
		s := NewSelector(container, process, zap.NewNop())
		b, fellBack, err := s.Select(ctx, domain.MethodProcess)
		if err != nil || fellBack {
			t.Fatalf("err=%v fellBack=%v", err, fellBack)
		}
		if b.Method() != domain.MethodProcess {
			t.Errorf("selected %s", b.Method())
		}
	})

	t.Run("nothing available", func(t *testing.T) {
		s := NewSelector(nil, nil, zap.NewNop())
		_, _, err := s.Select(ctx, domain.MethodContainer)
		if err == nil {
			t.Fatal("expected error with no backends")
		}
	})
}

func TestProcessBackendPrepareTeardown(t *testing.T) {
	b := NewProcessBackend(t.TempDir(), zap.NewNop())
	ctx := context.Background()

	h, err := b.Prepare(ctx, domain.ResourceLimits{MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(h.WorkDir); err != nil {
		t.Fatalf("work dir not created: %v", err)
	}

	if err := b.Teardown(ctx, h); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if _, err := os.Stat(h.WorkDir); !os.IsNotExist(err) {
		t.Error("work dir survived teardown")
	}

	// Идемпотентность: повторы безопасны в любом порядке
	if err := b.Teardown(ctx, h); err != nil {
		t.Errorf("repeated teardown: %v", err)
	}
	if err := b.EnforceKill(ctx, h); err != nil {
		t.Errorf("kill on released env: %v", err)
	}
	if err := b.EnforceKill(ctx, h); err != nil {
		t.Errorf("repeated kill: %v", err)
	}
}

func TestHandleCompleteDelivery(t *testing.T) {
	h := NewHandle(domain.MethodProcess, domain.ResourceLimits{})

	select {
	case <-h.Done():
		t.Fatal("done fired before launch")
	default:
	}

	h.Complete(WaitResult{ExitCode: 7})
	res := <-h.Done()
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}
