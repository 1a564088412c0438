package isolation

import (
	"errors"
	"testing"
)

func TestParseStatsLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantCPU float64
		wantMem int64
		wantErr bool
	}{
		{"docker format", "0.15%;1.5MiB / 256MiB", 0.15, 1572864, false},
		{"podman decimal", "12.5%;512kB / 1GB", 12.5, 512000, false},
		{"zero usage", "0.00%;0B / 256MiB", 0, 0, false},
		{"gibibytes", "99.9%;2GiB / 4GiB", 99.9, 2 << 30, false},
		{"missing separator", "0.15% 1.5MiB", 0, 0, true},
		{"garbage cpu", "abc%;1MiB / 2MiB", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseStatsLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStatsLine(%q): %v", tt.line, err)
			}
			if s.CPUPercent != tt.wantCPU {
				t.Errorf("cpu = %v, want %v", s.CPUPercent, tt.wantCPU)
			}
			if s.MemoryBytes != tt.wantMem {
				t.Errorf("mem = %d, want %d", s.MemoryBytes, tt.wantMem)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1KiB", 1024},
		{"1MiB", 1 << 20},
		{"1.5MiB", 1572864},
		{"2GiB", 2 << 30},
		{"1kB", 1000},
		{"3MB", 3000000},
		{"1GB", 1000000000},
		{"42B", 42},
		{"17", 17},
	}
	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		if err != nil {
			t.Errorf("parseByteSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if _, err := parseByteSize("many bytes"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestIsGoneError(t *testing.T) {
	gone := []error{
		errors.New(`docker kill: Error response from daemon: No such container: abc`),
		errors.New("docker kill: container abc is not running"),
		errors.New("podman rm: container already stopped"),
	}
	for _, err := range gone {
		if !isGoneError(err) {
			t.Errorf("isGoneError(%v) = false", err)
		}
	}

	if isGoneError(errors.New("permission denied")) {
		t.Error("real failure treated as gone container")
	}
}

func TestRuntimeBusyErrorUnwrap(t *testing.T) {
	cause := errors.New("exit status 125")
	err := error(&RuntimeBusyError{Cause: cause})

	var busy *RuntimeBusyError
	if !errors.As(err, &busy) {
		t.Fatal("errors.As failed for RuntimeBusyError")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable via errors.Is")
	}
}
