package isolation

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// ProcessBackend изолирует цель как ограниченный процесс: staging-копия
// в одноразовом каталоге, собственная process group, на Linux —
// namespaces и rlimits. Слабее контейнера, зато не требует рантайма.
type ProcessBackend struct {
	workRoot string
	logger   *zap.Logger
}

func NewProcessBackend(workRoot string, logger *zap.Logger) *ProcessBackend {
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "saferun")
	}
	return &ProcessBackend{
		workRoot: workRoot,
		logger:   logger.With(zap.String("mod", "process-isolation")),
	}
}

func (b *ProcessBackend) Method() domain.IsolationMethod { return domain.MethodProcess }

// Available — процессная изоляция есть всегда: ОС у нас точно имеется
func (b *ProcessBackend) Available(ctx context.Context) bool { return true }

func (b *ProcessBackend) Prepare(ctx context.Context, limits domain.ResourceLimits) (*Handle, error) {
	h := NewHandle(domain.MethodProcess, limits)
	h.WorkDir = filepath.Join(b.workRoot, h.ID)
	if err := os.MkdirAll(h.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work dir: %v: %w", err, ErrResourceAllocation)
	}

	b.logger.Info("process environment prepared",
		zap.String("handle", h.ID),
		zap.String("work_dir", h.WorkDir),
	)
	return h, nil
}

func (b *ProcessBackend) Launch(ctx context.Context, h *Handle, targetPath string) error {
	staged := filepath.Join(h.WorkDir, filepath.Base(targetPath))
	if err := copyFile(targetPath, staged); err != nil {
		return fmt.Errorf("stage target: %v: %w", err, ErrLaunchFailed)
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		return fmt.Errorf("chmod target: %v: %w", err, ErrLaunchFailed)
	}

	cmd := exec.Command(staged)
	cmd.Dir = h.WorkDir
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	applyPlatformIsolation(cmd, h.Limits)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start target: %v: %w", err, ErrLaunchFailed)
	}
	h.PID = cmd.Process.Pid

	// Лимит адресного пространства навешивается на уже живой PID;
	// CPU и таймаут добирает лимитер сэмплированием.
	if err := applyPostStartLimits(h.PID, h.Limits); err != nil {
		b.logger.Warn("failed to apply rlimits, relying on sampler",
			zap.Int("pid", h.PID), zap.Error(err))
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err != nil && code == 0 {
			code = -1
		}
		h.Complete(WaitResult{ExitCode: code})
	}()

	b.logger.Info("target launched as isolated process",
		zap.String("handle", h.ID),
		zap.Int("pid", h.PID),
	)
	return nil
}

func (b *ProcessBackend) CollectStats(ctx context.Context, h *Handle) (domain.ResourceUsageSample, error) {
	sample := domain.ResourceUsageSample{}

	p, err := process.NewProcessWithContext(ctx, int32(h.PID))
	if err != nil {
		return sample, fmt.Errorf("process %d: %w", h.PID, err)
	}

	sample.Timestamp = time.Now()
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		sample.MemoryBytes = int64(mem.RSS)
	}
	return sample, nil
}

func (b *ProcessBackend) EnforceKill(ctx context.Context, h *Handle) error {
	if !h.markKilled() {
		return nil
	}
	if h.PID == 0 {
		return nil // Launch не дошел до старта
	}
	if err := killProcessGroup(h.PID); err != nil {
		return fmt.Errorf("kill process group %d: %w", h.PID, err)
	}
	return nil
}

func (b *ProcessBackend) Teardown(ctx context.Context, h *Handle) error {
	if !h.markReleased() {
		return nil
	}
	// Осиротевшие дети добиваются перед сносом staging-каталога
	if h.PID != 0 {
		_ = killProcessGroup(h.PID)
	}
	if err := os.RemoveAll(h.WorkDir); err != nil {
		return fmt.Errorf("remove work dir %s: %w", h.WorkDir, err)
	}
	b.logger.Info("process environment removed", zap.String("handle", h.ID))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
