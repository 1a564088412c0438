//go:build linux

package isolation

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"golang.org/x/sys/unix"
)

// applyPlatformIsolation навешивает Linux-изоляцию на команду.
//
// CLONE_NEWUSER: изоляция пользователей (rootless-маппинг в namespace)
// CLONE_NEWNS:   изоляция маунтов (приватный вид на /)
// CLONE_NEWPID:  изоляция процессов (цель не видит хост)
// CLONE_NEWUTS:  изоляция hostname
// CLONE_NEWNET:  изоляция сети — только когда сеть цели запрещена
func applyPlatformIsolation(cmd *exec.Cmd, limits domain.ResourceLimits) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Своя process group: kill снимает цель вместе со всеми детьми
	cmd.SysProcAttr.Setpgid = true

	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS)
	if !limits.NetworkAccess {
		flags |= unix.CLONE_NEWNET
	}
	cmd.SysProcAttr.Cloneflags = flags

	// Текущий пользователь маппится в root внутри namespace
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: unix.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: unix.Getgid(), Size: 1},
	}
}

// applyPostStartLimits ограничивает адресное пространство уже
// запущенного PID. CPU-долю rlimit не выражает — ее добирает
// сэмплирующий лимитер.
func applyPostStartLimits(pid int, limits domain.ResourceLimits) error {
	if limits.MemoryBytes <= 0 {
		return nil
	}
	lim := unix.Rlimit{
		Cur: uint64(limits.MemoryBytes),
		Max: uint64(limits.MemoryBytes),
	}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}

// killProcessGroup убивает всю группу цели. ESRCH означает, что
// группа уже мертва — для идемпотентности это успех.
func killProcessGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
