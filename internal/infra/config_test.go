package infra

import (
	"testing"
	"time"
)

func limitsTable() map[string]LevelLimits {
	return map[string]LevelLimits{
		"low":    {MemoryMB: 1024, CPUPercent: 50, ExecutionTimeSeconds: 300, NetworkAccess: true},
		"medium": {MemoryMB: 512, CPUPercent: 30, ExecutionTimeSeconds: 300, NetworkAccess: true},
		"high":   {MemoryMB: 256, CPUPercent: 20, ExecutionTimeSeconds: 120},
	}
}

func TestMaxExecutionTimeout(t *testing.T) {
	cfg := SandboxConfig{ResourceLimits: limitsTable()}
	if got := cfg.MaxExecutionTimeout(); got != 300*time.Second {
		t.Errorf("MaxExecutionTimeout = %s, want 300s", got)
	}

	empty := SandboxConfig{}
	if got := empty.MaxExecutionTimeout(); got != 0 {
		t.Errorf("empty config MaxExecutionTimeout = %s, want 0", got)
	}
}

func TestHTTPWriteTimeout(t *testing.T) {
	tests := []struct {
		name  string
		write time.Duration
		want  time.Duration
	}{
		// Короткий дедлайн записи съел бы вердикт долгой сессии:
		// поднимаем до самого длинного прогона плюс запас
		{"below max execution", 30 * time.Second, 300*time.Second + httpWriteMargin},
		{"covers max execution", 600 * time.Second, 600 * time.Second},
		{"zero stays disabled", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Server:  ServerConfig{WriteTimeout: tt.write},
				Sandbox: SandboxConfig{ResourceLimits: limitsTable()},
			}
			if got := cfg.HTTPWriteTimeout(); got != tt.want {
				t.Errorf("HTTPWriteTimeout = %s, want %s", got, tt.want)
			}
		})
	}
}
