package isolation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// ContainerBackend изолирует цель в одноразовом docker/podman контейнере
type ContainerBackend struct {
	runtime *Runtime
	image   string
	logger  *zap.Logger
}

func NewContainerBackend(runtime *Runtime, image string, logger *zap.Logger) *ContainerBackend {
	if image == "" {
		image = "alpine:latest"
	}
	return &ContainerBackend{
		runtime: runtime,
		image:   image,
		logger:  logger.With(zap.String("mod", "container-isolation")),
	}
}

func (b *ContainerBackend) Method() domain.IsolationMethod { return domain.MethodContainer }

func (b *ContainerBackend) Available(ctx context.Context) bool {
	return b.runtime != nil && b.runtime.Ping(ctx) == nil
}

// Prepare поднимает контейнер с лимитами и сетевой политикой.
// Степень харденинга выводится из самих лимитов, не из уровня:
// закрытая сеть — профиль строгой изоляции, бэкенду незачем знать
// про именованные уровни безопасности.
func (b *ContainerBackend) Prepare(ctx context.Context, limits domain.ResourceLimits) (*Handle, error) {
	if b.runtime == nil {
		return nil, fmt.Errorf("container backend: %w", ErrBackendUnavailable)
	}

	flags := []string{
		"--memory", fmt.Sprintf("%dm", limits.MemoryBytes/(1<<20)),
		"--cpus", strconv.FormatFloat(float64(limits.CPUPercent)/100, 'f', 2, 64),
	}

	if !limits.NetworkAccess {
		flags = append(flags, "--network=none", "--cap-drop=ALL", "--security-opt=no-new-privileges")
	} else {
		flags = append(flags, "--cap-drop=NET_ADMIN", "--cap-drop=SYS_ADMIN")
		// Закрытые домены блэкхолим на уровне resolver контейнера.
		// Inbound закрыт самим контейнером: порты наружу не публикуются.
		for _, d := range limits.RestrictedDomains {
			flags = append(flags, "--add-host", d+":0.0.0.0")
		}
	}

	containerID, err := b.runtime.Create(ctx, b.image, flags)
	if err != nil {
		if isBackendGone(err) {
			return nil, fmt.Errorf("create container: %w", err)
		}
		return nil, fmt.Errorf("create container: %v: %w", err, ErrResourceAllocation)
	}

	h := NewHandle(domain.MethodContainer, limits)
	h.ContainerID = containerID

	b.logger.Info("container prepared",
		zap.String("handle", h.ID),
		zap.String("container_id", containerID),
	)
	return h, nil
}

// Launch копирует цель внутрь и детонирует ее через exec.
// Результат выхода приедет в Handle.Done().
func (b *ContainerBackend) Launch(ctx context.Context, h *Handle, targetPath string) error {
	containerPath := "/sandbox/" + filepath.Base(targetPath)

	if err := b.runtime.CopyIn(ctx, h.ContainerID, targetPath, containerPath); err != nil {
		return fmt.Errorf("copy target into container: %v: %w", err, ErrLaunchFailed)
	}

	// Ожидание живет отдельно от ctx запуска: контекст Launch умирает
	// сразу после старта, а цель — по kill или своему выходу.
	go func() {
		code, err := b.runtime.ExecTarget(context.Background(), h.ContainerID, containerPath)
		h.Complete(WaitResult{ExitCode: code, Err: err})
	}()

	b.logger.Info("target launched in container",
		zap.String("handle", h.ID),
		zap.String("target", containerPath),
	)
	return nil
}

func (b *ContainerBackend) CollectStats(ctx context.Context, h *Handle) (domain.ResourceUsageSample, error) {
	return b.runtime.Stats(ctx, h.ContainerID)
}

func (b *ContainerBackend) EnforceKill(ctx context.Context, h *Handle) error {
	if !h.markKilled() {
		return nil // уже убит, повтор — no-op
	}
	if err := b.runtime.Kill(ctx, h.ContainerID); err != nil {
		return fmt.Errorf("kill container %s: %w", h.ContainerID, err)
	}
	return nil
}

func (b *ContainerBackend) Teardown(ctx context.Context, h *Handle) error {
	if !h.markReleased() {
		return nil
	}
	if err := b.runtime.Remove(ctx, h.ContainerID); err != nil {
		return fmt.Errorf("remove container %s: %w", h.ContainerID, err)
	}
	b.logger.Info("container removed", zap.String("container_id", h.ContainerID))
	return nil
}

func isBackendGone(err error) bool {
	// daemon умер между Ping и Create
	return errors.Is(err, ErrBackendUnavailable)
}
