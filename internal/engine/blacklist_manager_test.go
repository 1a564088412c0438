package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestBlacklistLocalMode(t *testing.T) {
	m := NewBlacklistManager(nil, []string{"Mimikatz.exe", "  nc  ", "/usr/bin/xmrig"}, zap.NewNop())
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"mimikatz.exe", true},
		{"MIMIKATZ.EXE", true},                  // регистр не важен
		{`C:\tools\mimikatz.exe`, false},        // виндовый путь не режется filepath.Base на linux
		{"/samples/drop/mimikatz.exe", true},    // путь сводится к базовому имени
		{"nc", true},                            // пробелы в seed обрезаются
		{"xmrig", true},                         // seed тоже нормализуется из пути
		{"notepad.exe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := m.IsBlacklisted(tt.name); got != tt.want {
			t.Errorf("IsBlacklisted(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBlacklistLiveUpdate(t *testing.T) {
	m := NewBlacklistManager(nil, []string{"old.exe"}, zap.NewNop())
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Тот же обработчик, что у Pub/Sub-подписчика
	m.apply(Signal{ID: "new.exe", On: true})
	m.apply(Signal{ID: "old.exe", On: false})

	if !m.IsBlacklisted("new.exe") {
		t.Error("added entry not visible")
	}
	if m.IsBlacklisted("old.exe") {
		t.Error("removed entry still blocked")
	}
}
