//go:build !linux

package isolation

import (
	"errors"
	"os"
	"os/exec"

	"github.com/xela07ax/saferun-engine/internal/domain"
)

// Вне Linux namespace-изоляции нет: цель запускается обычным
// процессом, сдерживание выполняет сэмплирующий лимитер.
func applyPlatformIsolation(cmd *exec.Cmd, limits domain.ResourceLimits) {}

func applyPostStartLimits(pid int, limits domain.ResourceLimits) error { return nil }

func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
