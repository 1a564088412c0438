package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"github.com/xela07ax/saferun-engine/internal/engine"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"go.uber.org/zap"
)

// captureExecutor запоминает запрос и отдает заготовленный отчет
type captureExecutor struct {
	req    domain.ExecutionRequest
	report domain.ExecutionReport
}

func (e *captureExecutor) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionReport {
	e.req = req
	rep := e.report
	rep.Request = req
	return rep
}

func testSandboxCfg() *infra.SandboxConfig {
	return &infra.SandboxConfig{
		DefaultSecurityLevel: "medium",
		IsolationMethod:      "container",
		ResourceLimits: map[string]infra.LevelLimits{
			"medium": {MemoryMB: 512, CPUPercent: 30, ExecutionTimeSeconds: 300, NetworkAccess: true},
			"high":   {MemoryMB: 256, CPUPercent: 20, ExecutionTimeSeconds: 120, NetworkAccess: false},
		},
		NetworkRules: map[string]infra.NetworkRule{
			"medium": {Outbound: true, Inbound: false, RestrictedDomains: []string{"malicious.example.com"}},
			"high":   {Outbound: false, Inbound: false},
		},
	}
}

func newTestService(exec Executor) *AnalysisService {
	return NewAnalysisService(
		exec, nil, nil, nil,
		engine.NewCancelHub(nil, zap.NewNop()),
		testSandboxCfg(),
		engine.NewMetrics(nil),
		zap.NewNop(),
	)
}

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHashFile(t *testing.T) {
	path := writeSample(t, "hello")

	got, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("hashFile = %s, want %s", got, want)
	}

	if _, err := hashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file must error")
	}
}

func TestAnalyzeBuildsRequestFromLevel(t *testing.T) {
	exec := &captureExecutor{report: domain.ExecutionReport{FinalState: domain.StateCompleted}}
	svc := newTestService(exec)
	path := writeSample(t, "payload")

	rep, err := svc.Analyze(context.Background(), AnalyzeParams{FilePath: path, Level: "high", Method: "process"})
	if err != nil {
		t.Fatal(err)
	}

	if exec.req.Level != domain.LevelHigh || exec.req.Method != domain.MethodProcess {
		t.Errorf("request level/method = %s/%s", exec.req.Level, exec.req.Method)
	}
	if exec.req.Limits.MemoryBytes != 256<<20 {
		t.Errorf("memory limit = %d, want %d", exec.req.Limits.MemoryBytes, int64(256<<20))
	}
	if exec.req.Limits.ExecutionTimeout != 120*time.Second {
		t.Errorf("timeout = %s", exec.req.Limits.ExecutionTimeout)
	}
	if exec.req.Limits.NetworkAccess {
		t.Error("high level must close network access")
	}
	if rep.FileHash == "" {
		t.Error("file hash not attached to report")
	}
}

func TestAnalyzeDefaultsAndDegradation(t *testing.T) {
	exec := &captureExecutor{report: domain.ExecutionReport{FinalState: domain.StateCompleted}}
	svc := newTestService(exec)
	path := writeSample(t, "payload")

	// Пустые и мусорные значения деградируют, а не валят запрос
	if _, err := svc.Analyze(context.Background(), AnalyzeParams{FilePath: path, Level: "ultra", Method: "vm"}); err != nil {
		t.Fatal(err)
	}
	if exec.req.Level != domain.LevelMedium {
		t.Errorf("unknown level degraded to %s, want medium", exec.req.Level)
	}
	if exec.req.Method != domain.MethodContainer {
		t.Errorf("unknown method degraded to %s, want container", exec.req.Method)
	}
}

func TestAnalyzeOverrides(t *testing.T) {
	exec := &captureExecutor{report: domain.ExecutionReport{FinalState: domain.StateCompleted}}
	svc := newTestService(exec)
	path := writeSample(t, "payload")

	mem := int64(64)
	secs := 10
	net := false
	_, err := svc.Analyze(context.Background(), AnalyzeParams{
		FilePath: path,
		Level:    "medium",
		Overrides: &LimitOverrides{
			MemoryMB:             &mem,
			ExecutionTimeSeconds: &secs,
			NetworkAccess:        &net,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if exec.req.Limits.MemoryBytes != 64<<20 {
		t.Errorf("override memory = %d", exec.req.Limits.MemoryBytes)
	}
	if exec.req.Limits.ExecutionTimeout != 10*time.Second {
		t.Errorf("override timeout = %s", exec.req.Limits.ExecutionTimeout)
	}
	if exec.req.Limits.NetworkAccess {
		t.Error("override network not applied")
	}
	// Непокрытые поля остаются из профиля уровня
	if exec.req.Limits.CPUPercent != 30 {
		t.Errorf("cpu percent = %d, want 30 from level profile", exec.req.Limits.CPUPercent)
	}
}

func TestAnalyzeSessionID(t *testing.T) {
	exec := &captureExecutor{report: domain.ExecutionReport{FinalState: domain.StateCompleted}}
	svc := newTestService(exec)
	path := writeSample(t, "payload")

	// Выбранный вызывателем ID уходит в движок как есть
	if _, err := svc.Analyze(context.Background(), AnalyzeParams{FilePath: path, SessionID: "caller-1"}); err != nil {
		t.Fatal(err)
	}
	if exec.req.SessionID != "caller-1" {
		t.Errorf("session id = %q, want caller-1", exec.req.SessionID)
	}

	// Без ID сервис генерирует свой до запуска
	if _, err := svc.Analyze(context.Background(), AnalyzeParams{FilePath: path}); err != nil {
		t.Fatal(err)
	}
	if exec.req.SessionID == "" {
		t.Error("session id not generated at the service boundary")
	}
}

func TestAnalyzeClampsTimeoutOverride(t *testing.T) {
	exec := &captureExecutor{report: domain.ExecutionReport{FinalState: domain.StateCompleted}}
	svc := newTestService(exec)
	path := writeSample(t, "payload")

	// Перекрытие выше потолка конфигурации режется до самого длинного
	// разрешенного прогона, иначе HTTP-дедлайн не доживет до вердикта
	secs := 100000
	_, err := svc.Analyze(context.Background(), AnalyzeParams{
		FilePath:  path,
		Level:     "medium",
		Overrides: &LimitOverrides{ExecutionTimeSeconds: &secs},
	})
	if err != nil {
		t.Fatal(err)
	}

	if exec.req.Limits.ExecutionTimeout != 300*time.Second {
		t.Errorf("timeout = %s, want clamp to 300s", exec.req.Limits.ExecutionTimeout)
	}
}

func TestAnalyzeRejectsUnreadableTarget(t *testing.T) {
	svc := newTestService(&captureExecutor{})

	if _, err := svc.Analyze(context.Background(), AnalyzeParams{FilePath: "/nonexistent/sample.bin"}); err == nil {
		t.Error("unreadable target must error before detonation")
	}
	if _, err := svc.Analyze(context.Background(), AnalyzeParams{}); err == nil {
		t.Error("empty file_path must error")
	}
}

func TestGetReportWithoutArchive(t *testing.T) {
	svc := newTestService(&captureExecutor{})

	if _, err := svc.GetReport(context.Background(), "any"); err != ErrArchiveDisabled {
		t.Errorf("err = %v, want ErrArchiveDisabled", err)
	}
}
