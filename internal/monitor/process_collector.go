package monitor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"go.uber.org/zap"
)

// ProcessCollector наблюдает за живым PID цели: открытые файлы,
// сетевые соединения, порожденные процессы, на Windows — обращения
// к реестру через загрузку advapi32. Каждое наблюдение отдается
// один раз за сессию (дедуп по ключу).
type ProcessCollector struct {
	pid    int32
	logger *zap.Logger

	seenFiles    map[string]struct{}
	seenRemotes  map[string]struct{}
	seenChildren map[int32]struct{}
	seenDLLs     map[string]struct{}
}

func NewProcessCollector(pid int, logger *zap.Logger) *ProcessCollector {
	return &ProcessCollector{
		pid:          int32(pid),
		logger:       logger.With(zap.String("mod", "process-collector")),
		seenFiles:    make(map[string]struct{}),
		seenRemotes:  make(map[string]struct{}),
		seenChildren: make(map[int32]struct{}),
		seenDLLs:     make(map[string]struct{}),
	}
}

func (c *ProcessCollector) Collect(ctx context.Context) []domain.MonitoredEvent {
	p, err := process.NewProcessWithContext(ctx, c.pid)
	if err != nil {
		return nil // цель вышла — коллектору больше нечего делать
	}

	var events []domain.MonitoredEvent
	events = append(events, c.collectProcesses(ctx, p)...)
	events = append(events, c.collectFiles(ctx, p)...)
	events = append(events, c.collectNetwork(ctx, p)...)
	if runtime.GOOS == "windows" {
		events = append(events, c.collectRegistry(ctx, p)...)
	}
	return events
}

func (c *ProcessCollector) collectFiles(ctx context.Context, p *process.Process) []domain.MonitoredEvent {
	files, err := p.OpenFilesWithContext(ctx)
	if err != nil {
		return nil
	}

	var events []domain.MonitoredEvent
	for _, f := range files {
		if _, ok := c.seenFiles[f.Path]; ok {
			continue
		}
		c.seenFiles[f.Path] = struct{}{}
		events = append(events, domain.MonitoredEvent{
			Timestamp: time.Now(),
			Category:  domain.CategoryFileOp,
			Attributes: map[string]string{
				"path":      f.Path,
				"operation": "open",
			},
		})
	}
	return events
}

func (c *ProcessCollector) collectNetwork(ctx context.Context, p *process.Process) []domain.MonitoredEvent {
	conns, err := p.ConnectionsWithContext(ctx)
	if err != nil {
		return nil
	}

	var events []domain.MonitoredEvent
	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" || conn.Raddr.IP == "" {
			continue
		}
		remote := fmt.Sprintf("%s:%d", conn.Raddr.IP, conn.Raddr.Port)
		if _, ok := c.seenRemotes[remote]; ok {
			continue
		}
		c.seenRemotes[remote] = struct{}{}
		events = append(events, domain.MonitoredEvent{
			Timestamp: time.Now(),
			Category:  domain.CategoryNetworkOp,
			Attributes: map[string]string{
				"remote":    remote,
				"operation": "connect",
			},
		})
	}
	return events
}

func (c *ProcessCollector) collectProcesses(ctx context.Context, p *process.Process) []domain.MonitoredEvent {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}

	var events []domain.MonitoredEvent
	for _, child := range children {
		if _, ok := c.seenChildren[child.Pid]; ok {
			continue
		}
		c.seenChildren[child.Pid] = struct{}{}

		name, _ := child.NameWithContext(ctx)
		events = append(events, domain.MonitoredEvent{
			Timestamp: time.Now(),
			Category:  domain.CategoryProcessOp,
			Attributes: map[string]string{
				"pid":       fmt.Sprintf("%d", child.Pid),
				"image":     name,
				"operation": "spawn",
			},
		})
	}
	return events
}

// collectRegistry — эвристика оригинала: подгрузка advapi32.dll
// трактуется как работа с реестром.
func (c *ProcessCollector) collectRegistry(ctx context.Context, p *process.Process) []domain.MonitoredEvent {
	maps, err := p.MemoryMapsWithContext(ctx, false)
	if err != nil || maps == nil {
		return nil
	}

	var events []domain.MonitoredEvent
	for _, m := range *maps {
		path := strings.ToLower(m.Path)
		if !strings.Contains(path, "advapi32.dll") {
			continue
		}
		if _, ok := c.seenDLLs[path]; ok {
			continue
		}
		c.seenDLLs[path] = struct{}{}
		events = append(events, domain.MonitoredEvent{
			Timestamp: time.Now(),
			Category:  domain.CategoryRegistryOp,
			Attributes: map[string]string{
				"dll":       path,
				"operation": "load",
			},
		})
	}
	return events
}
