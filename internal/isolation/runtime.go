package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// Runtime — клиент контейнерного рантайма через его CLI.
// Обнаружение docker-затем-podman повторяет оригинальный пробинг.
type Runtime struct {
	bin    string
	guard  *Guard
	logger *zap.Logger
}

// DetectRuntime пробует docker, затем podman. Ошибка означает, что
// контейнерная изоляция на этой машине недоступна в принципе —
// селектор в этом случае работает только с процессным бэкендом.
func DetectRuntime(ctx context.Context, guard *Guard, logger *zap.Logger) (*Runtime, error) {
	for _, bin := range []string{"docker", "podman"} {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := exec.CommandContext(probeCtx, bin, "version").Run()
		cancel()
		if err == nil {
			logger.Info("container runtime detected", zap.String("bin", bin))
			return &Runtime{bin: bin, guard: guard, logger: logger.With(zap.String("mod", "runtime"))}, nil
		}
	}
	return nil, fmt.Errorf("probing docker/podman: %w", ErrBackendUnavailable)
}

// Ping — дешевая проверка, что демон еще отвечает
func (r *Runtime) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, r.bin, "version").Run(); err != nil {
		return fmt.Errorf("%s version: %w", r.bin, ErrBackendUnavailable)
	}
	return nil
}

// run исполняет CLI-вызов и классифицирует отказ
func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		// Registry/демон просят повторить позже
		if strings.Contains(msg, "toomanyrequests") || strings.Contains(msg, "429") {
			return "", &RuntimeBusyError{RetryAfter: 2 * time.Second, Cause: err}
		}
		if msg != "" {
			return "", fmt.Errorf("%s %s: %s: %w", r.bin, args[0], msg, err)
		}
		return "", fmt.Errorf("%s %s: %w", r.bin, args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// guarded прогоняет control-plane вызов через защитную обвязку
func (r *Runtime) guarded(ctx context.Context, args ...string) (string, error) {
	if r.guard == nil {
		return r.run(ctx, args...)
	}
	return r.guard.Do(ctx, func(ctx context.Context) (string, error) {
		return r.run(ctx, args...)
	})
}

// Create поднимает долгоживущий контейнер-оболочку и возвращает его ID.
// Среда живет на tail -f, цель потом запускается через Exec — так
// lifecycle контейнера не привязан к lifecycle цели.
func (r *Runtime) Create(ctx context.Context, image string, flags []string) (string, error) {
	args := append([]string{"run", "-d"}, flags...)
	args = append(args, image, "tail", "-f", "/dev/null")

	id, err := r.guarded(ctx, args...)
	if err != nil {
		return "", err
	}
	// При мультистрочном выводе (warnings) ID — последняя строка
	lines := strings.Split(id, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// CopyIn кладет файл внутрь контейнера
func (r *Runtime) CopyIn(ctx context.Context, containerID, hostPath, containerPath string) error {
	if _, err := r.guarded(ctx, "exec", containerID, "mkdir", "-p", "/sandbox"); err != nil {
		return err
	}
	if _, err := r.guarded(ctx, "cp", hostPath, containerID+":"+containerPath); err != nil {
		return err
	}
	_, err := r.guarded(ctx, "exec", containerID, "chmod", "+x", containerPath)
	return err
}

// ExecTarget синхронно запускает цель внутри контейнера и возвращает
// ее код выхода. Сознательно без Guard: повторный запуск образца —
// это повторная детонация.
func (r *Runtime) ExecTarget(ctx context.Context, containerID, containerPath string) (int, error) {
	cmd := exec.CommandContext(ctx, r.bin, "exec", containerID, containerPath)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Stats — точечный замер потребления контейнера
func (r *Runtime) Stats(ctx context.Context, containerID string) (domain.ResourceUsageSample, error) {
	out, err := r.guarded(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}};{{.MemUsage}}", containerID)
	if err != nil {
		return domain.ResourceUsageSample{}, err
	}
	return parseStatsLine(out)
}

// Kill убивает всё внутри контейнера. «Уже мертв» — не ошибка.
func (r *Runtime) Kill(ctx context.Context, containerID string) error {
	_, err := r.guarded(ctx, "kill", containerID)
	if err != nil && isGoneError(err) {
		return nil
	}
	return err
}

// Remove сносит контейнер. Повторный вызов — no-op.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	_, err := r.guarded(ctx, "rm", "-f", containerID)
	if err != nil && isGoneError(err) {
		return nil
	}
	return err
}

func isGoneError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "already stopped")
}

// parseStatsLine разбирает "0.15%;1.234MiB / 256MiB"
func parseStatsLine(line string) (domain.ResourceUsageSample, error) {
	sample := domain.ResourceUsageSample{Timestamp: time.Now()}

	parts := strings.SplitN(line, ";", 2)
	if len(parts) != 2 {
		return sample, fmt.Errorf("unexpected stats format: %q", line)
	}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	if err != nil {
		return sample, fmt.Errorf("parse cpu %q: %w", parts[0], err)
	}
	sample.CPUPercent = cpu

	memPart := strings.TrimSpace(strings.SplitN(parts[1], "/", 2)[0])
	mem, err := parseByteSize(memPart)
	if err != nil {
		return sample, fmt.Errorf("parse memory %q: %w", memPart, err)
	}
	sample.MemoryBytes = mem

	return sample, nil
}

// parseByteSize понимает суффиксы docker stats: B, kB, KiB, MiB, GiB...
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, m.suffix)), 64)
			if err != nil {
				return 0, err
			}
			return int64(v * m.factor), nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
